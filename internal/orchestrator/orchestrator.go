// Package orchestrator drives the study initialization workflow: it owns
// the per-study state machine, executes steps on a worker pool and
// publishes progress as steps complete.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"study-init/backend/internal/observability"
	"study-init/backend/internal/repository"
	"study-init/backend/internal/services"
	"study-init/backend/pkg/models"
)

var (
	// ErrInvalidState is returned when an operation is not allowed from the
	// study's current status.
	ErrInvalidState = errors.New("invalid initialization state")
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation failed")

	errNotOwner = errors.New("run no longer owns the study")
)

// TimeoutMessage is recorded on runs failed by the reaper.
const TimeoutMessage = "Initialization timed out"

const maxWriteAttempts = 3

// IncompleteMappingError blocks activation while required fields are
// unmapped.
type IncompleteMappingError struct {
	Validation *models.MappingValidation
}

func (e *IncompleteMappingError) Error() string {
	return fmt.Sprintf("%d required field(s) are not mapped", e.Validation.MissingCount)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Publisher fans events out to the viewers of a study.
type Publisher interface {
	Broadcast(studyID string, event models.Event)
}

// MappingEngine is the part of the field mapping engine used by runs.
type MappingEngine interface {
	GenerateMappings(ctx context.Context, studyID string, reqs []models.WidgetRequirement, columns []string) (*models.MappingResult, error)
	ValidateMappings(ctx context.Context, studyID string, required []models.FieldRef) (*models.MappingValidation, error)
}

// Config tunes the worker pool and the reaper.
type Config struct {
	Workers      int
	QueueSize    int
	StuckTimeout time.Duration
}

// Deps are the collaborators of the Orchestrator.
type Deps struct {
	Store     repository.StudyStore
	Schemas   repository.SchemaStore
	Engine    MappingEngine
	Templates services.TemplateRequirements
	Ingester  services.FileIngester
	Extractor services.SchemaExtractor
	Publisher Publisher
	Logger    Logger
	Metrics   *observability.Metrics
}

// RunHandle identifies a run accepted by Start or Retry.
type RunHandle struct {
	StudyID string            `json:"study_id"`
	RunID   string            `json:"run_id"`
	Status  models.InitStatus `json:"status"`
}

// Orchestrator runs study initializations.
type Orchestrator struct {
	Deps
	cfg   Config
	pool  *pool
	locks *studyLocks
	now   func() time.Time
}

// New creates an Orchestrator and starts its workers.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil, deps.Schemas == nil, deps.Engine == nil, deps.Templates == nil,
		deps.Ingester == nil, deps.Extractor == nil, deps.Publisher == nil, deps.Logger == nil:
		return nil, errors.New("orchestrator: missing dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoopMetrics()
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = time.Hour
	}
	o := &Orchestrator{
		Deps:  deps,
		cfg:   cfg,
		locks: newStudyLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	o.pool = newPool(cfg.Workers, cfg.QueueSize, o.execute)
	return o, nil
}

// Start creates a new run for the study and queues it.
func (o *Orchestrator) Start(ctx context.Context, studyID string, params models.RunParams) (*RunHandle, error) {
	if params.TemplateID == "" {
		return nil, fmt.Errorf("%w: template_id is required", ErrValidation)
	}
	return o.start(ctx, studyID, &params)
}

// Retry starts a new run of a failed study with the parameters of the
// failed run.
func (o *Orchestrator) Retry(ctx context.Context, studyID string) (*RunHandle, error) {
	return o.start(ctx, studyID, nil)
}

func (o *Orchestrator) start(ctx context.Context, studyID string, params *models.RunParams) (*RunHandle, error) {
	retry := params == nil
	runID := uuid.NewString()

	state, err := o.update(ctx, studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if retry {
			if s.Status != models.InitStatusFailed {
				return nil, fmt.Errorf("%w: study %s is %s, only failed runs can be retried", ErrInvalidState, studyID, s.Status)
			}
			if s.Params.TemplateID == "" {
				return nil, fmt.Errorf("%w: failed run has no template_id", ErrValidation)
			}
		} else {
			if !s.Status.Startable() {
				return nil, fmt.Errorf("%w: study %s is %s", ErrInvalidState, studyID, s.Status)
			}
			s.Params = *params
		}

		prev := s.Status
		s.RunID = runID
		s.Status = models.InitStatusPending
		s.Progress = 0
		s.Steps = models.InitSteps{}
		s.TemplateAppliedAt = nil
		s.MappingsConfiguredAt = nil
		s.ActivatedAt = nil
		return []models.Event{models.NewStatusChangeEvent(studyID, s.Status, prev)}, nil
	})
	if err != nil {
		return nil, err
	}

	o.Metrics.RunStarted(ctx, retry)
	o.Logger.Info("Initialization queued", "study_id", studyID, "run_id", runID, "template_id", state.Params.TemplateID, "retry", retry)

	if err := o.pool.submit(job{studyID: studyID, runID: runID, from: models.StepApplyTemplate}); err != nil {
		o.fail(context.WithoutCancel(ctx), studyID, runID, "", err)
		return nil, err
	}
	return &RunHandle{StudyID: studyID, RunID: runID, Status: state.Status}, nil
}

// ConfirmMappings closes the manual mapping gate and schedules activation.
// It returns an *IncompleteMappingError while required fields are unmapped.
func (o *Orchestrator) ConfirmMappings(ctx context.Context, studyID, actor string) (*models.MappingValidation, error) {
	state, err := o.Store.GetInitState(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if state.Status != models.InitStatusMappingReview {
		return nil, fmt.Errorf("%w: study %s is %s, not awaiting mapping review", ErrInvalidState, studyID, state.Status)
	}

	reqs, err := o.Templates.Requirements(ctx, state.Params.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template requirements: %w", err)
	}
	required := models.RequiredFields(reqs)
	validation, err := o.Engine.ValidateMappings(ctx, studyID, required)
	if err != nil {
		return nil, err
	}
	if !validation.IsValid {
		return validation, &IncompleteMappingError{Validation: validation}
	}

	runID := state.RunID
	_, err = o.update(ctx, studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if s.RunID != runID || s.Status != models.InitStatusMappingReview {
			return nil, fmt.Errorf("%w: study %s is %s", ErrInvalidState, studyID, s.Status)
		}
		now := o.now()
		t := s.Steps.Timing(models.StepAwaitManualMapping)
		complete(t, now, false)
		s.Steps.AwaitManualMapping.ConfirmedBy = actor
		s.Steps.AwaitManualMapping.MappedCount = validation.MappedCount
		s.Steps.AwaitManualMapping.RequiredCount = len(required)
		s.MappingsConfiguredAt = &now
		s.Status = models.InitStatusInProgress
		s.Progress = progressOf(s)
		return []models.Event{
			models.NewProgressEvent(studyID, models.StepAwaitManualMapping, s.Progress, "Field mappings confirmed"),
			models.NewStatusChangeEvent(studyID, s.Status, models.InitStatusMappingReview),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	o.Logger.Info("Mappings confirmed", "study_id", studyID, "run_id", runID, "actor", actor, "mapped", validation.MappedCount)

	if err := o.pool.submit(job{studyID: studyID, runID: runID, from: models.StepActivate}); err != nil {
		o.fail(context.WithoutCancel(ctx), studyID, runID, models.StepActivate, err)
		return nil, err
	}
	return validation, nil
}

// RegenerateMappings reruns automatic mapping against the newest extracted
// schemas of the study. It holds the study lock for the whole pass so a
// Start cannot slip in between the status check and the write. Studies with
// a pending or in-progress run are rejected. Rows a reviewer corrected are
// kept; on a completed study other required fields may end up unmapped and
// are not revalidated.
func (o *Orchestrator) RegenerateMappings(ctx context.Context, studyID string) (*models.MappingResult, error) {
	unlock := o.locks.lock(studyID)
	defer unlock()

	state, err := o.Store.GetInitState(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if state.Status == models.InitStatusPending || state.Status == models.InitStatusInProgress {
		return nil, fmt.Errorf("%w: study %s has a run in progress", ErrInvalidState, studyID)
	}
	if state.Params.TemplateID == "" {
		return nil, fmt.Errorf("%w: study %s has no template applied", ErrInvalidState, studyID)
	}

	reqs, err := o.Templates.Requirements(ctx, state.Params.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template requirements: %w", err)
	}
	schemas, err := o.Schemas.LatestSchemas(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	if len(schemas) == 0 {
		return nil, fmt.Errorf("%w: study %s has no extracted schemas", ErrInvalidState, studyID)
	}

	res, err := o.Engine.GenerateMappings(ctx, studyID, reqs, models.ColumnNames(schemas))
	if err != nil {
		return nil, err
	}
	o.Logger.Info("Mappings regenerated", "study_id", studyID, "status", state.Status,
		"auto_mapped", res.AutoMapped, "needs_review", res.NeedsReview, "manual_kept", res.ManualKept)
	return res, nil
}

// Status returns the current state of a study.
func (o *Orchestrator) Status(ctx context.Context, studyID string) (*models.StudyInitState, error) {
	return o.Store.GetInitState(ctx, studyID)
}

// Shutdown stops accepting runs and waits for queued steps to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.shutdown(ctx)
}

// update serializes a transition of one study. fn mutates a fresh copy of
// the stored state and returns the events to publish once the write lands.
// A version conflict re-reads the state and calls fn again.
func (o *Orchestrator) update(ctx context.Context, studyID string, fn func(*models.StudyInitState) ([]models.Event, error)) (*models.StudyInitState, error) {
	unlock := o.locks.lock(studyID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := o.Store.GetInitState(ctx, studyID)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		events, err := fn(next)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = o.now()

		err = o.Store.CompareAndSwapInitState(ctx, next, cur.Version)
		if errors.Is(err, repository.ErrVersionConflict) && attempt < maxWriteAttempts {
			o.Logger.Debug("State changed concurrently, retrying", "study_id", studyID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save state of study %s: %w", studyID, err)
		}

		for _, ev := range events {
			o.Publisher.Broadcast(studyID, ev)
		}
		return next, nil
	}
}

// fail records a step failure on the run, if the run still owns the study.
func (o *Orchestrator) fail(ctx context.Context, studyID, runID string, step models.StepName, cause error) {
	msg := cause.Error()
	_, err := o.update(ctx, studyID, func(s *models.StudyInitState) ([]models.Event, error) {
		if !owns(s, runID) {
			return nil, errNotOwner
		}
		prev := s.Status
		now := o.now()
		s.Status = models.InitStatusFailed
		s.Steps.Error = msg
		s.Steps.FailedAt = &now
		s.Steps.FailedStep = step
		return []models.Event{
			models.NewErrorEvent(studyID, step, msg),
			models.NewStatusChangeEvent(studyID, s.Status, prev),
		}, nil
	})
	switch {
	case errors.Is(err, errNotOwner):
		o.Logger.Warn("Dropping failure of superseded run", "study_id", studyID, "run_id", runID, "error", msg)
		return
	case err != nil:
		o.Logger.Error("Failed to record run failure", "study_id", studyID, "run_id", runID, "step", step, "cause", msg, "error", err)
		return
	}
	o.Metrics.RunFinished(ctx, string(models.InitStatusFailed))
	o.Logger.Error("Initialization failed", "study_id", studyID, "run_id", runID, "step", step, "error", msg)
}

// owns reports whether runID is the active, executing run of s.
func owns(s *models.StudyInitState, runID string) bool {
	return s.RunID == runID && (s.Status == models.InitStatusPending || s.Status == models.InitStatusInProgress)
}

func progressOf(s *models.StudyInitState) int {
	return 100 * s.Steps.Completed() / len(models.WorkflowSteps)
}

func complete(t *models.StepTiming, at time.Time, skipped bool) {
	if t.StartedAt == nil {
		start := at
		t.StartedAt = &start
	}
	end := at
	t.CompletedAt = &end
	t.ElapsedMS = at.Sub(*t.StartedAt).Milliseconds()
	t.Skipped = skipped
}
