// Package models defines the domain models for the study initialization service
package models

import (
	"time"
)

// InitStatus represents the lifecycle status of a study initialization
type InitStatus string

const (
	InitStatusNotStarted    InitStatus = "not_started"
	InitStatusPending       InitStatus = "pending"
	InitStatusInProgress    InitStatus = "in_progress"
	InitStatusMappingReview InitStatus = "mapping_review"
	InitStatusCompleted     InitStatus = "completed"
	InitStatusFailed        InitStatus = "failed"
)

// Active reports whether a run currently owns the study.
func (s InitStatus) Active() bool {
	switch s {
	case InitStatusPending, InitStatusInProgress, InitStatusMappingReview:
		return true
	}
	return false
}

// Startable reports whether a new run may be created from this status.
func (s InitStatus) Startable() bool {
	return s == InitStatusNotStarted || s == InitStatusFailed || s == ""
}

// UploadedFile references a dataset file handed over by the upload collaborator
type UploadedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunParams are the inputs that produced a run. They are persisted so a
// failed run can be retried with identical parameters.
type RunParams struct {
	TemplateID string         `json:"template_id"`
	Files      []UploadedFile `json:"files,omitempty"`
	Actor      string         `json:"actor,omitempty"`
}

// StudyInitState is the durable initialization state of a single study
type StudyInitState struct {
	StudyID  string     `json:"study_id" db:"id"`
	RunID    string     `json:"run_id,omitempty" db:"init_run_id"`
	Status   InitStatus `json:"status" db:"init_status"`
	Progress int        `json:"progress" db:"init_progress"`
	Steps    InitSteps  `json:"steps" db:"init_steps"`
	Params   RunParams  `json:"params" db:"init_params"`

	// Milestones
	TemplateAppliedAt    *time.Time `json:"template_applied_at,omitempty" db:"template_applied_at"`
	DataUploadedAt       *time.Time `json:"data_uploaded_at,omitempty" db:"data_uploaded_at"`
	MappingsConfiguredAt *time.Time `json:"mappings_configured_at,omitempty" db:"mappings_configured_at"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty" db:"activated_at"`

	Version   int64     `json:"version" db:"init_version"`
	UpdatedAt time.Time `json:"updated_at" db:"init_updated_at"`
}

// Clone returns a deep copy that can be mutated without affecting s.
func (s *StudyInitState) Clone() *StudyInitState {
	c := *s
	c.Steps = s.Steps.Clone()
	c.Params.Files = append([]UploadedFile(nil), s.Params.Files...)
	c.TemplateAppliedAt = cloneTime(s.TemplateAppliedAt)
	c.DataUploadedAt = cloneTime(s.DataUploadedAt)
	c.MappingsConfiguredAt = cloneTime(s.MappingsConfiguredAt)
	c.ActivatedAt = cloneTime(s.ActivatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Extra    any    `json:"extra,omitempty"`
}
