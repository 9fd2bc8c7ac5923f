package models

import (
	"time"
)

// StepName identifies one step of the initialization workflow.
type StepName string

const (
	StepApplyTemplate      StepName = "apply_template"
	StepIngestFiles        StepName = "ingest_files"
	StepExtractSchema      StepName = "extract_schema"
	StepAutoMapFields      StepName = "auto_map_fields"
	StepAwaitManualMapping StepName = "await_manual_mapping"
	StepActivate           StepName = "activate"
)

// WorkflowSteps is the fixed execution order of a run.
var WorkflowSteps = []StepName{
	StepApplyTemplate,
	StepIngestFiles,
	StepExtractSchema,
	StepAutoMapFields,
	StepAwaitManualMapping,
	StepActivate,
}

// StepTiming is shared by every step record.
type StepTiming struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms,omitempty"`
	Skipped     bool       `json:"skipped,omitempty"`
}

// Done reports whether the step finished, skipped steps included.
func (t *StepTiming) Done() bool {
	return t != nil && t.CompletedAt != nil
}

type ApplyTemplateStep struct {
	StepTiming
	TemplateID  string `json:"template_id"`
	WidgetCount int    `json:"widget_count"`
	FieldCount  int    `json:"field_count"`
}

type IngestFilesStep struct {
	StepTiming
	FileCount int   `json:"file_count"`
	Bytes     int64 `json:"bytes"`
}

type ExtractSchemaStep struct {
	StepTiming
	SchemaVersion int `json:"schema_version"`
	DatasetCount  int `json:"dataset_count"`
	ColumnCount   int `json:"column_count"`
	RowCount      int `json:"row_count"`
}

type AutoMapFieldsStep struct {
	StepTiming
	TotalFields int `json:"total_fields"`
	AutoMapped  int `json:"auto_mapped"`
	NeedsReview int `json:"needs_review"`
	ManualKept  int `json:"manual_kept"`
}

type ManualMappingStep struct {
	StepTiming
	ConfirmedBy   string `json:"confirmed_by,omitempty"`
	MappedCount   int    `json:"mapped_count"`
	RequiredCount int    `json:"required_count"`
}

type ActivateStep struct {
	StepTiming
	ActivatedBy string `json:"activated_by,omitempty"`
}

// InitSteps holds one typed record per workflow step plus the failure
// summary of the run.
type InitSteps struct {
	ApplyTemplate      *ApplyTemplateStep `json:"apply_template,omitempty"`
	IngestFiles        *IngestFilesStep   `json:"ingest_files,omitempty"`
	ExtractSchema      *ExtractSchemaStep `json:"extract_schema,omitempty"`
	AutoMapFields      *AutoMapFieldsStep `json:"auto_map_fields,omitempty"`
	AwaitManualMapping *ManualMappingStep `json:"await_manual_mapping,omitempty"`
	Activate           *ActivateStep      `json:"activate,omitempty"`

	Error      string     `json:"error,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	FailedStep StepName   `json:"failed_step,omitempty"`
}

// Timing returns the timing record of the named step, creating the step
// record if it does not exist yet.
func (s *InitSteps) Timing(name StepName) *StepTiming {
	switch name {
	case StepApplyTemplate:
		if s.ApplyTemplate == nil {
			s.ApplyTemplate = &ApplyTemplateStep{}
		}
		return &s.ApplyTemplate.StepTiming
	case StepIngestFiles:
		if s.IngestFiles == nil {
			s.IngestFiles = &IngestFilesStep{}
		}
		return &s.IngestFiles.StepTiming
	case StepExtractSchema:
		if s.ExtractSchema == nil {
			s.ExtractSchema = &ExtractSchemaStep{}
		}
		return &s.ExtractSchema.StepTiming
	case StepAutoMapFields:
		if s.AutoMapFields == nil {
			s.AutoMapFields = &AutoMapFieldsStep{}
		}
		return &s.AutoMapFields.StepTiming
	case StepAwaitManualMapping:
		if s.AwaitManualMapping == nil {
			s.AwaitManualMapping = &ManualMappingStep{}
		}
		return &s.AwaitManualMapping.StepTiming
	case StepActivate:
		if s.Activate == nil {
			s.Activate = &ActivateStep{}
		}
		return &s.Activate.StepTiming
	}
	return nil
}

// Done reports whether the named step has finished in the current run.
func (s *InitSteps) Done(name StepName) bool {
	switch name {
	case StepApplyTemplate:
		return s.ApplyTemplate != nil && s.ApplyTemplate.Done()
	case StepIngestFiles:
		return s.IngestFiles != nil && s.IngestFiles.Done()
	case StepExtractSchema:
		return s.ExtractSchema != nil && s.ExtractSchema.Done()
	case StepAutoMapFields:
		return s.AutoMapFields != nil && s.AutoMapFields.Done()
	case StepAwaitManualMapping:
		return s.AwaitManualMapping != nil && s.AwaitManualMapping.Done()
	case StepActivate:
		return s.Activate != nil && s.Activate.Done()
	}
	return false
}

// Completed counts finished steps.
func (s *InitSteps) Completed() int {
	n := 0
	for _, name := range WorkflowSteps {
		if s.Done(name) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the step records.
func (s InitSteps) Clone() InitSteps {
	c := s
	if s.ApplyTemplate != nil {
		v := *s.ApplyTemplate
		v.StepTiming = v.StepTiming.clone()
		c.ApplyTemplate = &v
	}
	if s.IngestFiles != nil {
		v := *s.IngestFiles
		v.StepTiming = v.StepTiming.clone()
		c.IngestFiles = &v
	}
	if s.ExtractSchema != nil {
		v := *s.ExtractSchema
		v.StepTiming = v.StepTiming.clone()
		c.ExtractSchema = &v
	}
	if s.AutoMapFields != nil {
		v := *s.AutoMapFields
		v.StepTiming = v.StepTiming.clone()
		c.AutoMapFields = &v
	}
	if s.AwaitManualMapping != nil {
		v := *s.AwaitManualMapping
		v.StepTiming = v.StepTiming.clone()
		c.AwaitManualMapping = &v
	}
	if s.Activate != nil {
		v := *s.Activate
		v.StepTiming = v.StepTiming.clone()
		c.Activate = &v
	}
	c.FailedAt = cloneTime(s.FailedAt)
	return c
}

func (t StepTiming) clone() StepTiming {
	t.StartedAt = cloneTime(t.StartedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}
