package mapping

// PatternGroup is a standard clinical field name and the column names
// known to carry the same data. Variants are compared in normalized
// compact form (lower case, no separators).
type PatternGroup struct {
	Canonical string
	Variants  []string
}

// DefaultPatterns covers the SDTM-style fields the dashboard templates use.
var DefaultPatterns = []PatternGroup{
	{"USUBJID", []string{"usubjid", "subjid", "subjectid", "subject", "subjectnumber", "subjno", "patientid", "patid", "patient", "participantid", "ptid"}},
	{"STUDYID", []string{"studyid", "study", "protocol", "protocolid", "protocolnumber"}},
	{"SITEID", []string{"siteid", "site", "sitenumber", "siteno", "center", "centre", "centerid", "centreid"}},
	{"AGE", []string{"age", "ageyears", "ageyrs", "ageatbaseline", "ageatenrollment"}},
	{"SEX", []string{"sex", "gender", "sexcd", "gendercd"}},
	{"RACE", []string{"race", "racecd", "racialgroup"}},
	{"ETHNIC", []string{"ethnic", "ethnicity", "ethnicgroup"}},
	{"COUNTRY", []string{"country", "countrycode", "cntry"}},
	{"ARM", []string{"arm", "armcd", "treatmentarm", "trtarm", "treatmentgroup", "trtgrp", "cohort", "randarm"}},
	{"RFSTDTC", []string{"rfstdtc", "firstdosedate", "referencestartdate", "enrollmentdate", "randdate", "randomizationdate"}},
	{"AETERM", []string{"aeterm", "adverseevent", "aename", "eventterm", "reportedterm", "aeverbatim"}},
	{"AEDECOD", []string{"aedecod", "preferredterm", "aept", "meddrapt"}},
	{"AESER", []string{"aeser", "serious", "seriousae", "isserious", "aeserious", "sae"}},
	{"AESEV", []string{"aesev", "severity", "aeseverity", "intensity"}},
	{"AEREL", []string{"aerel", "relatedness", "causality", "aerelationship"}},
	{"AESTDTC", []string{"aestdtc", "aestartdate", "onsetdate", "aeonset", "startdate"}},
	{"AEENDTC", []string{"aeendtc", "aeenddate", "resolutiondate", "enddate"}},
	{"VISIT", []string{"visit", "visitname", "visitlabel"}},
	{"VISITNUM", []string{"visitnum", "visitnumber", "visitno", "visitid"}},
	{"LBTESTCD", []string{"lbtestcd", "labtestcode", "testcode"}},
	{"LBORRES", []string{"lborres", "labresult", "resultvalue", "lbresult"}},
	{"LBORRESU", []string{"lborresu", "labunit", "resultunit", "unit", "units"}},
	{"VSTESTCD", []string{"vstestcd", "vitalsigntest", "vstest"}},
	{"VSORRES", []string{"vsorres", "vitalsignresult", "vsresult"}},
	{"DTHFL", []string{"dthfl", "deathflag", "died", "deceased"}},
}

// PatternDictionary resolves normalized names to their pattern group.
type PatternDictionary struct {
	index map[string]int
}

// NewPatternDictionary indexes the groups. When a variant appears in more
// than one group the first group wins.
func NewPatternDictionary(groups []PatternGroup) *PatternDictionary {
	d := &PatternDictionary{index: make(map[string]int)}
	for i, g := range groups {
		keys := append([]string{compact(g.Canonical)}, g.Variants...)
		for _, k := range keys {
			k = compact(k)
			if _, taken := d.index[k]; !taken {
				d.index[k] = i
			}
		}
	}
	return d
}

// SameGroup reports whether both normalized names belong to one group.
func (d *PatternDictionary) SameGroup(a, b string) bool {
	ga, ok := d.index[a]
	if !ok {
		return false
	}
	gb, ok := d.index[b]
	return ok && ga == gb
}

// Distinct reports whether both normalized names are known and belong to
// different groups.
func (d *PatternDictionary) Distinct(a, b string) bool {
	ga, ok := d.index[a]
	if !ok {
		return false
	}
	gb, ok := d.index[b]
	return ok && ga != gb
}
