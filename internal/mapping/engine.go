// Package mapping suggests, validates and records which dataset column
// feeds each widget field of a study.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

var (
	// ErrUnknownSourceField is returned when a correction names a column
	// that is not part of the study's latest datasets.
	ErrUnknownSourceField = errors.New("unknown source field")
	// ErrInvalidPatch is returned for contradictory corrections.
	ErrInvalidPatch = errors.New("invalid mapping patch")
)

// Config holds the scoring thresholds.
type Config struct {
	// SimilarityFloor is the minimum score for a column to be suggested at all.
	SimilarityFloor float64
	// PatternScore is the score a pattern dictionary hit is raised to.
	PatternScore float64
	// PatternFloor is the score a pattern hit needs for pattern confidence.
	PatternFloor float64
	// PatternConfidence is the minimum confidence of a pattern hit.
	PatternConfidence float64
	// ExactConfidence is the confidence of identical normalized names.
	ExactConfidence float64
	// FuzzyConfidenceCeiling caps the confidence of plain partial matches.
	FuzzyConfidenceCeiling float64
	// AutoAcceptThreshold is the confidence a suggestion must exceed to be
	// marked mapped without review.
	AutoAcceptThreshold float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityFloor:        0.3,
		PatternScore:           0.9,
		PatternFloor:           0.8,
		PatternConfidence:      0.9,
		ExactConfidence:        1.0,
		FuzzyConfidenceCeiling: 0.84,
		AutoAcceptThreshold:    0.7,
	}
}

// Validate checks that the confidence bands keep their ordering.
func (c Config) Validate() error {
	switch {
	case c.SimilarityFloor < 0 || c.SimilarityFloor >= 1:
		return fmt.Errorf("similarity_floor must be in [0,1), got %v", c.SimilarityFloor)
	case c.ExactConfidence < 0.95 || c.ExactConfidence > 1:
		return fmt.Errorf("exact_confidence must be in [0.95,1], got %v", c.ExactConfidence)
	case c.PatternConfidence < 0.85 || c.PatternConfidence > 1:
		return fmt.Errorf("pattern_confidence must be in [0.85,1], got %v", c.PatternConfidence)
	case c.PatternScore < c.PatternFloor || c.PatternScore >= 1:
		return fmt.Errorf("pattern_score must be in [pattern_floor,1), got %v", c.PatternScore)
	case c.FuzzyConfidenceCeiling < 0 || c.FuzzyConfidenceCeiling >= 0.85:
		return fmt.Errorf("fuzzy_confidence_ceiling must be in [0,0.85), got %v", c.FuzzyConfidenceCeiling)
	case c.AutoAcceptThreshold < 0 || c.AutoAcceptThreshold > 1:
		return fmt.Errorf("auto_accept_threshold must be in [0,1], got %v", c.AutoAcceptThreshold)
	}
	return nil
}

// Engine generates and maintains field mappings.
type Engine struct {
	mappings repository.MappingStore
	schemas  repository.SchemaStore
	scorer   *Scorer
	cfg      Config
	now      func() time.Time
}

// NewEngine creates a new Engine with the default pattern dictionary.
func NewEngine(mappings repository.MappingStore, schemas repository.SchemaStore, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		mappings: mappings,
		schemas:  schemas,
		scorer:   NewScorer(cfg, NewPatternDictionary(DefaultPatterns)),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Scorer exposes the engine's similarity scorer.
func (e *Engine) Scorer() *Scorer {
	return e.scorer
}

// GenerateMappings suggests a source column for every widget field. Rows
// owned by a reviewer (manual) are returned unchanged and never written.
func (e *Engine) GenerateMappings(ctx context.Context, studyID string, reqs []models.WidgetRequirement, columns []string) (*models.MappingResult, error) {
	existing, err := e.mappings.ListMappings(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	byRef := make(map[models.FieldRef]*models.FieldMapping, len(existing))
	for _, m := range existing {
		byRef[m.Ref()] = m
	}

	result := &models.MappingResult{StudyID: studyID}
	var writes []*models.FieldMapping
	now := e.now()

	for _, w := range reqs {
		for _, target := range widgetFields(w) {
			ref := models.FieldRef{WidgetID: w.WidgetID, Field: target.name}
			prev := byRef[ref]
			if prev != nil && prev.MappingType == models.MappingTypeManual {
				result.Mappings = append(result.Mappings, prev)
				result.ManualKept++
				continue
			}

			m := &models.FieldMapping{
				StudyID:     studyID,
				WidgetID:    w.WidgetID,
				TargetField: target.name,
				MappingType: models.MappingTypeNone,
				IsRequired:  target.required,
				UpdatedAt:   now,
			}
			if prev != nil {
				m.ID = prev.ID
			} else {
				m.ID = uuid.NewString()
			}

			if best, ok := e.scorer.Best(target.name, columns); ok && best.Score >= e.cfg.SimilarityFloor {
				src := best.Source
				m.SourceField = &src
				m.ConfidenceScore = e.scorer.Confidence(best)
				if m.ConfidenceScore > e.cfg.AutoAcceptThreshold {
					m.MappingType = models.MappingTypeAuto
					m.IsMapped = true
				}
			}

			if m.IsMapped {
				result.AutoMapped++
			} else {
				result.NeedsReview++
			}
			writes = append(writes, m)
			result.Mappings = append(result.Mappings, m)
		}
	}

	if err := e.mappings.UpsertAutoMappings(ctx, writes); err != nil {
		return nil, fmt.Errorf("failed to save mappings: %w", err)
	}
	return result, nil
}

type targetField struct {
	name     string
	required bool
}

// widgetFields lists required then optional fields, dropping duplicates.
func widgetFields(w models.WidgetRequirement) []targetField {
	seen := make(map[string]bool)
	var out []targetField
	for _, f := range w.RequiredFields {
		if !seen[f] {
			seen[f] = true
			out = append(out, targetField{name: f, required: true})
		}
	}
	for _, f := range w.OptionalFields {
		if !seen[f] {
			seen[f] = true
			out = append(out, targetField{name: f})
		}
	}
	return out
}

// ValidateMappings reports whether every required field is mapped.
func (e *Engine) ValidateMappings(ctx context.Context, studyID string, required []models.FieldRef) (*models.MappingValidation, error) {
	rows, err := e.mappings.ListMappings(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	mapped := make(map[models.FieldRef]bool, len(rows))
	for _, m := range rows {
		if m.IsMapped {
			mapped[m.Ref()] = true
		}
	}

	v := &models.MappingValidation{UnmappedFields: []models.FieldRef{}}
	for _, ref := range required {
		if mapped[ref] {
			v.MappedCount++
			continue
		}
		v.MissingCount++
		v.UnmappedFields = append(v.UnmappedFields, ref)
	}
	v.IsValid = v.MissingCount == 0
	return v, nil
}

// ListMappings returns all mapping rows of the study.
func (e *Engine) ListMappings(ctx context.Context, studyID string) ([]*models.FieldMapping, error) {
	return e.mappings.ListMappings(ctx, studyID)
}

// UpdateMapping applies a reviewer correction. The row becomes manual and
// is left alone by later generation runs.
func (e *Engine) UpdateMapping(ctx context.Context, studyID, mappingID string, patch models.MappingPatch, actor string) (*models.FieldMapping, error) {
	m, err := e.mappings.GetMapping(ctx, studyID, mappingID)
	if err != nil {
		return nil, err
	}

	if patch.SourceField != nil {
		if *patch.SourceField == "" {
			m.SourceField = nil
			m.ConfidenceScore = 0
			m.IsMapped = false
		} else {
			if err := e.checkColumn(ctx, studyID, *patch.SourceField); err != nil {
				return nil, err
			}
			src := *patch.SourceField
			m.SourceField = &src
			m.ConfidenceScore = 1
			m.IsMapped = true
		}
	}
	if patch.IsMapped != nil {
		if *patch.IsMapped && m.SourceField == nil {
			return nil, fmt.Errorf("%w: cannot mark %s as mapped without a source field", ErrInvalidPatch, m.Ref())
		}
		m.IsMapped = *patch.IsMapped
	}

	m.MappingType = models.MappingTypeManual
	if actor != "" {
		m.UpdatedBy = &actor
	}
	m.UpdatedAt = e.now()

	if err := e.mappings.UpdateMapping(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) checkColumn(ctx context.Context, studyID, column string) error {
	schemas, err := e.schemas.LatestSchemas(ctx, studyID)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}
	if !slices.Contains(models.ColumnNames(schemas), column) {
		return fmt.Errorf("%w: %q", ErrUnknownSourceField, column)
	}
	return nil
}
