package models

import (
	"time"
)

// MappingType records who owns a field mapping row
type MappingType string

const (
	MappingTypeManual MappingType = "manual"
	MappingTypeAuto   MappingType = "auto"
	MappingTypeNone   MappingType = "none"
)

// FieldMapping binds a widget target field to a dataset source column
type FieldMapping struct {
	ID              string      `json:"id" db:"id"`
	StudyID         string      `json:"study_id" db:"study_id"`
	WidgetID        string      `json:"widget_id" db:"widget_id"`
	TargetField     string      `json:"target_field" db:"target_field"`
	SourceField     *string     `json:"source_field" db:"source_field"`
	ConfidenceScore float64     `json:"confidence_score" db:"confidence_score"`
	MappingType     MappingType `json:"mapping_type" db:"mapping_type"`
	IsMapped        bool        `json:"is_mapped" db:"is_mapped"`
	IsRequired      bool        `json:"is_required" db:"is_required"`
	UpdatedBy       *string     `json:"updated_by,omitempty" db:"updated_by"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Ref returns the (widget, target) key of the mapping.
func (m *FieldMapping) Ref() FieldRef {
	return FieldRef{WidgetID: m.WidgetID, Field: m.TargetField}
}

// FieldRef addresses a target field of a widget
type FieldRef struct {
	WidgetID string `json:"widget_id"`
	Field    string `json:"field"`
}

func (r FieldRef) String() string {
	return r.WidgetID + "." + r.Field
}

// WidgetRequirement lists the fields a dashboard widget consumes
type WidgetRequirement struct {
	WidgetID       string   `json:"widget_id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	RequiredFields []string `json:"required_fields" yaml:"required"`
	OptionalFields []string `json:"optional_fields,omitempty" yaml:"optional"`
}

// RequiredFields flattens the required fields of all widgets.
func RequiredFields(reqs []WidgetRequirement) []FieldRef {
	var refs []FieldRef
	for _, w := range reqs {
		for _, f := range w.RequiredFields {
			refs = append(refs, FieldRef{WidgetID: w.WidgetID, Field: f})
		}
	}
	return refs
}

// MappingResult summarizes one auto-generation pass
type MappingResult struct {
	StudyID     string          `json:"study_id"`
	Mappings    []*FieldMapping `json:"mappings"`
	AutoMapped  int             `json:"auto_mapped"`
	NeedsReview int             `json:"needs_review"`
	ManualKept  int             `json:"manual_kept"`
}

// MappingValidation is the completeness report for required fields
type MappingValidation struct {
	IsValid        bool       `json:"is_valid"`
	MappedCount    int        `json:"mapped_count"`
	MissingCount   int        `json:"missing_count"`
	UnmappedFields []FieldRef `json:"unmapped_fields"`
}

// MappingPatch is a human correction of a single mapping row.
// A nil SourceField leaves the source untouched; an empty string clears it.
type MappingPatch struct {
	SourceField *string `json:"source_field"`
	IsMapped    *bool   `json:"is_mapped,omitempty"`
}
