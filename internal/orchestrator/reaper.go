package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"

	"study-init/backend/internal/repository"
	"study-init/backend/pkg/models"
)

var reapableStatuses = []models.InitStatus{models.InitStatusPending, models.InitStatusInProgress}

// ReapStuck fails every pending or in-progress run that has not been
// updated within the stuck timeout. A study that changes while being reaped
// is skipped. Reaped runs are never relaunched.
func (o *Orchestrator) ReapStuck(ctx context.Context) (int, error) {
	now := o.now()
	cutoff := now.Add(-o.cfg.StuckTimeout)
	stale, err := o.Store.ListStale(ctx, reapableStatuses, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, st := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		ok, err := o.reap(ctx, st, now)
		if err != nil {
			o.Logger.Error("Failed to reap run", "study_id", st.StudyID, "run_id", st.RunID, "error", err)
			continue
		}
		if !ok {
			o.Logger.Debug("Study changed while reaping, skipped", "study_id", st.StudyID)
			continue
		}
		reaped++
		o.Metrics.RunReaped(ctx)
		o.Metrics.RunFinished(ctx, string(models.InitStatusFailed))
		o.Logger.Warn("Reaped stuck initialization",
			"study_id", st.StudyID,
			"run_id", st.RunID,
			"status", st.Status,
			"last_update", humanize.RelTime(st.UpdatedAt, now, "ago", "from now"),
		)
	}
	return reaped, nil
}

// reap fails one stale run with a single compare-and-swap against the
// version it was listed with.
func (o *Orchestrator) reap(ctx context.Context, listed *models.StudyInitState, now time.Time) (bool, error) {
	unlock := o.locks.lock(listed.StudyID)
	defer unlock()

	next := listed.Clone()
	prev := next.Status
	next.Status = models.InitStatusFailed
	next.Steps.Error = TimeoutMessage
	next.Steps.FailedAt = &now
	next.Steps.FailedStep = runningStep(&next.Steps)
	next.UpdatedAt = now

	err := o.Store.CompareAndSwapInitState(ctx, next, listed.Version)
	switch {
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	o.Publisher.Broadcast(listed.StudyID, models.NewErrorEvent(listed.StudyID, next.Steps.FailedStep, TimeoutMessage))
	o.Publisher.Broadcast(listed.StudyID, models.NewStatusChangeEvent(listed.StudyID, next.Status, prev))
	return true, nil
}

// runningStep is the first step that has not completed.
func runningStep(steps *models.InitSteps) models.StepName {
	for _, name := range models.WorkflowSteps {
		if !steps.Done(name) {
			return name
		}
	}
	return ""
}

// RunReaper calls ReapStuck every interval until ctx ends.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.ReapStuck(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.Logger.Error("Reaper pass failed", "error", err)
				continue
			}
			if n > 0 {
				o.Logger.Info("Reaper pass finished", "reaped", n)
			}
		}
	}
}
