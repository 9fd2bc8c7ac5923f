package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"study-init/backend/pkg/models"
)

// runState carries step outputs to later steps of the same pass.
type runState struct {
	reqs    []models.WidgetRequirement
	schemas []*models.DatasetSchema
}

type stepOutcome struct {
	skipped bool
	message string
	apply   func(s *models.StudyInitState, at time.Time)
}

// execute runs the steps of a job in order until the run finishes, fails,
// reaches the mapping review gate or loses ownership of the study.
func (o *Orchestrator) execute(ctx context.Context, j job) {
	start := slices.Index(models.WorkflowSteps, j.from)
	if start < 0 {
		o.Logger.Error("Unknown resume step", "study_id", j.studyID, "run_id", j.runID, "step", j.from)
		return
	}

	rs := &runState{}
	for _, step := range models.WorkflowSteps[start:] {
		state, err := o.begin(ctx, j, step)
		if err != nil {
			o.stop(ctx, j, step, err)
			return
		}

		if step == models.StepAwaitManualMapping {
			if err := o.awaitReview(ctx, j); err != nil {
				o.stop(ctx, j, step, err)
			}
			return
		}

		began := time.Now()
		out, err := o.runStep(ctx, step, state, rs)
		o.Metrics.StepCompleted(ctx, string(step), float64(time.Since(began).Milliseconds()), err == nil)
		if err != nil {
			o.fail(context.WithoutCancel(ctx), j.studyID, j.runID, step, err)
			return
		}

		if err := o.finish(ctx, j, step, out); err != nil {
			o.stop(ctx, j, step, err)
			return
		}
	}
}

func (o *Orchestrator) stop(ctx context.Context, j job, step models.StepName, err error) {
	if errors.Is(err, errNotOwner) {
		o.Logger.Info("Run superseded, stopping", "study_id", j.studyID, "run_id", j.runID, "step", step)
		return
	}
	o.fail(context.WithoutCancel(ctx), j.studyID, j.runID, step, err)
}

// begin stamps the start of a step and moves a pending run to in_progress.
func (o *Orchestrator) begin(ctx context.Context, j job, step models.StepName) (*models.StudyInitState, error) {
	return o.update(ctx, j.studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if !owns(s, j.runID) {
			return nil, errNotOwner
		}
		var events []models.Event
		if s.Status == models.InitStatusPending {
			s.Status = models.InitStatusInProgress
			events = append(events, models.NewStatusChangeEvent(j.studyID, s.Status, models.InitStatusPending))
		}
		t := s.Steps.Timing(step)
		now := o.now()
		t.StartedAt = &now
		t.CompletedAt = nil
		return events, nil
	})
}

// finish records a completed step and the new progress.
func (o *Orchestrator) finish(ctx context.Context, j job, step models.StepName, out stepOutcome) error {
	state, err := o.update(ctx, j.studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if !owns(s, j.runID) {
			return nil, errNotOwner
		}
		now := o.now()
		complete(s.Steps.Timing(step), now, out.skipped)
		if out.apply != nil {
			out.apply(s, now)
		}
		s.Progress = progressOf(s)
		events := []models.Event{models.NewProgressEvent(j.studyID, step, s.Progress, out.message)}

		if step == models.StepActivate {
			s.Status = models.InitStatusCompleted
			s.ActivatedAt = &now
			events = append(events,
				models.NewStatusChangeEvent(j.studyID, s.Status, models.InitStatusInProgress),
				models.NewCompleteEvent(j.studyID),
			)
		}
		return events, nil
	})
	if err != nil {
		return err
	}

	o.Logger.Debug("Step completed", "study_id", j.studyID, "run_id", j.runID, "step", step, "progress", state.Progress)
	if state.Status == models.InitStatusCompleted {
		o.Metrics.RunFinished(ctx, string(state.Status))
		o.Logger.Info("Initialization completed", "study_id", j.studyID, "run_id", j.runID)
	}
	return nil
}

// awaitReview parks the run until a reviewer confirms the mappings. The
// worker is released.
func (o *Orchestrator) awaitReview(ctx context.Context, j job) error {
	_, err := o.update(ctx, j.studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if !owns(s, j.runID) {
			return nil, errNotOwner
		}
		prev := s.Status
		s.Status = models.InitStatusMappingReview
		return []models.Event{models.NewStatusChangeEvent(j.studyID, s.Status, prev)}, nil
	})
	if err == nil {
		o.Logger.Info("Awaiting mapping review", "study_id", j.studyID, "run_id", j.runID)
	}
	return err
}

func (o *Orchestrator) runStep(ctx context.Context, step models.StepName, state *models.StudyInitState, rs *runState) (stepOutcome, error) {
	switch step {
	case models.StepApplyTemplate:
		return o.applyTemplate(ctx, state, rs)
	case models.StepIngestFiles:
		return o.ingestFiles(ctx, state)
	case models.StepExtractSchema:
		return o.extractSchema(ctx, state, rs)
	case models.StepAutoMapFields:
		return o.autoMapFields(ctx, state, rs)
	case models.StepActivate:
		return stepOutcome{
			message: "Study activated",
			apply: func(s *models.StudyInitState, _ time.Time) {
				by := s.Params.Actor
				if s.Steps.AwaitManualMapping != nil && s.Steps.AwaitManualMapping.ConfirmedBy != "" {
					by = s.Steps.AwaitManualMapping.ConfirmedBy
				}
				s.Steps.Activate.ActivatedBy = by
			},
		}, nil
	}
	return stepOutcome{}, fmt.Errorf("unknown step %q", step)
}

func (o *Orchestrator) applyTemplate(ctx context.Context, state *models.StudyInitState, rs *runState) (stepOutcome, error) {
	templateID := state.Params.TemplateID
	reqs, err := o.Templates.Requirements(ctx, templateID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}
	if len(reqs) == 0 {
		return stepOutcome{}, fmt.Errorf("template %s has no widgets", templateID)
	}
	rs.reqs = reqs

	fields := 0
	for _, w := range reqs {
		fields += len(w.RequiredFields) + len(w.OptionalFields)
	}
	return stepOutcome{
		message: fmt.Sprintf("Applied template %s (%d widgets)", templateID, len(reqs)),
		apply: func(s *models.StudyInitState, at time.Time) {
			s.Steps.ApplyTemplate.TemplateID = templateID
			s.Steps.ApplyTemplate.WidgetCount = len(reqs)
			s.Steps.ApplyTemplate.FieldCount = fields
			s.TemplateAppliedAt = &at
		},
	}, nil
}

func (o *Orchestrator) ingestFiles(ctx context.Context, state *models.StudyInitState) (stepOutcome, error) {
	files := state.Params.Files
	if len(files) == 0 {
		return stepOutcome{skipped: true, message: "No files uploaded, skipping ingestion"}, nil
	}
	size, err := o.Ingester.Ingest(ctx, files)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to ingest files: %w", err)
	}
	return stepOutcome{
		message: fmt.Sprintf("Ingested %d file(s), %s", len(files), humanize.Bytes(uint64(size))),
		apply: func(s *models.StudyInitState, at time.Time) {
			s.Steps.IngestFiles.FileCount = len(files)
			s.Steps.IngestFiles.Bytes = size
			s.DataUploadedAt = &at
		},
	}, nil
}

func (o *Orchestrator) extractSchema(ctx context.Context, state *models.StudyInitState, rs *runState) (stepOutcome, error) {
	var (
		schemas []*models.DatasetSchema
		version int
		err     error
	)
	if files := state.Params.Files; len(files) > 0 {
		schemas, err = o.Extractor.Extract(ctx, files)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("failed to extract schema: %w", err)
		}
		version, err = o.Schemas.SaveSchemas(ctx, state.StudyID, schemas)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("failed to save schema: %w", err)
		}
	} else {
		schemas, err = o.Schemas.LatestSchemas(ctx, state.StudyID)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("failed to load schema: %w", err)
		}
		if len(schemas) > 0 {
			version = schemas[0].Version
		}
	}
	rs.schemas = schemas

	var rows, cols int
	for _, ds := range schemas {
		rows += ds.RowCount
		cols += ds.ColumnCount
	}
	return stepOutcome{
		message: fmt.Sprintf("Extracted %d dataset(s), %d columns", len(schemas), cols),
		apply: func(s *models.StudyInitState, _ time.Time) {
			s.Steps.ExtractSchema.SchemaVersion = version
			s.Steps.ExtractSchema.DatasetCount = len(schemas)
			s.Steps.ExtractSchema.ColumnCount = cols
			s.Steps.ExtractSchema.RowCount = rows
		},
	}, nil
}

func (o *Orchestrator) autoMapFields(ctx context.Context, state *models.StudyInitState, rs *runState) (stepOutcome, error) {
	res, err := o.Engine.GenerateMappings(ctx, state.StudyID, rs.reqs, models.ColumnNames(rs.schemas))
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to generate mappings: %w", err)
	}
	return stepOutcome{
		message: fmt.Sprintf("Mapped %d of %d fields automatically", res.AutoMapped, len(res.Mappings)),
		apply: func(s *models.StudyInitState, _ time.Time) {
			s.Steps.AutoMapFields.TotalFields = len(res.Mappings)
			s.Steps.AutoMapFields.AutoMapped = res.AutoMapped
			s.Steps.AutoMapFields.NeedsReview = res.NeedsReview
			s.Steps.AutoMapFields.ManualKept = res.ManualKept
		},
	}, nil
}
