package mapping

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxPartialScore keeps non-identical names strictly below an exact match.
const maxPartialScore = 0.99

// Match is the similarity of one target/source pair.
type Match struct {
	Source     string
	Score      float64
	PatternHit bool
}

// tokens splits a field name into lower-case alphanumeric words. Accents are
// folded and camelCase boundaries split, so "SubjectID" and "subject_id"
// produce the same tokens.
func tokens(name string) []string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), name)
	if err != nil {
		folded = name
	}

	var out []string
	var cur strings.Builder
	var prev rune
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

func compact(name string) string {
	return strings.Join(tokens(name), "")
}

// Scorer computes field name similarity.
type Scorer struct {
	cfg      Config
	patterns *PatternDictionary
}

// NewScorer creates a Scorer using the given pattern dictionary.
func NewScorer(cfg Config, patterns *PatternDictionary) *Scorer {
	return &Scorer{cfg: cfg, patterns: patterns}
}

// Score compares a target field with a source column. Identical normalized
// names score 1.0; a pattern hit raises the score to at least the
// configured pattern score; otherwise the best of token overlap and edit
// similarity is used, capped below 1. Two names that belong to different
// pattern groups name different data and score 0 however close they are
// spelled (AESER and AESEV).
func (s *Scorer) Score(target, source string) Match {
	m := Match{Source: source}
	tt, st := tokens(target), tokens(source)
	tc, sc := strings.Join(tt, ""), strings.Join(st, "")
	if tc == "" || sc == "" {
		return m
	}
	if tc == sc {
		m.Score = 1
		return m
	}
	if s.patterns != nil && s.patterns.Distinct(tc, sc) {
		return m
	}

	m.Score = min(max(tokenOverlap(tt, st), editSimilarity(tc, sc)), maxPartialScore)
	if s.patterns != nil && s.patterns.SameGroup(tc, sc) {
		m.PatternHit = true
		m.Score = max(m.Score, s.cfg.PatternScore)
	}
	return m
}

// Confidence turns a match into a confidence score in [0,1].
func (s *Scorer) Confidence(m Match) float64 {
	var c float64
	switch {
	case m.Score >= 1:
		c = s.cfg.ExactConfidence
	case m.PatternHit && m.Score >= s.cfg.PatternFloor:
		c = max(s.cfg.PatternConfidence, m.Score)
	default:
		c = min(m.Score, s.cfg.FuzzyConfidenceCeiling)
	}
	return clamp01(c)
}

// Best returns the highest scoring source for target. Ties keep the
// earlier column, except that a pattern hit beats a plain match.
func (s *Scorer) Best(target string, sources []string) (Match, bool) {
	var best Match
	found := false
	for _, src := range sources {
		m := s.Score(target, src)
		if !found || m.Score > best.Score || (m.Score == best.Score && m.PatternHit && !best.PatternHit) {
			best = m
			found = true
		}
	}
	return best, found
}

// tokenOverlap is the Jaccard index of the two token sets.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// editSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)).
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
