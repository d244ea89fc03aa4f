// Package reaper removes what an interrupted benchmark run left behind:
// labelled containers of other runs, and history rows stuck in "running".
package reaper

import (
	"context"
	"errors"
	"log/slog"

	"github.com/p-arndt/imagebench/internal/store"
)

type Reaper struct {
	store   ReaperStore
	runtime ReaperRuntime
	logger  *slog.Logger
}

// New builds a reaper. st may be nil when no run history is kept; rt may be
// nil for runtimes that leave nothing behind to list.
func New(st ReaperStore, rt ReaperRuntime, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:   st,
		runtime: rt,
		logger:  logger,
	}
}

// Sweep removes every managed container not owned by currentRunID and marks
// stale runs as crashed. An empty currentRunID sweeps everything. It returns
// the number of containers removed.
func (r *Reaper) Sweep(ctx context.Context, currentRunID string) (int, error) {
	removed, err := r.reapContainers(ctx, currentRunID)
	r.reconcile(currentRunID)
	return removed, err
}

func (r *Reaper) reapContainers(ctx context.Context, currentRunID string) (int, error) {
	if r.runtime == nil {
		return 0, nil
	}
	instances, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, inst := range instances {
		if currentRunID != "" && inst.RunID == currentRunID {
			continue
		}
		r.logger.Info("reaping leaked container", "container_id", shortID(inst.ID), "run_id", inst.RunID, "task", inst.Task)

		if err := r.runtime.RemoveContainer(ctx, inst.ID); err != nil {
			r.logger.Error("reaper: remove container", "container_id", shortID(inst.ID), "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("reaper: reaped containers", "count", removed)
	}
	return removed, errors.Join(errs...)
}

func (r *Reaper) reconcile(currentRunID string) {
	if r.store == nil {
		return
	}

	runs, err := r.store.ListRuns(0)
	if err != nil {
		r.logger.Error("reconcile: list runs", "error", err)
		return
	}

	for _, run := range runs {
		if run.Status != store.RunRunning || run.ID == currentRunID {
			continue
		}
		r.logger.Warn("reconcile: run never finished, marking crashed", "run_id", run.ID)
		if err := r.store.FinishRun(run.ID, store.RunCrashed, run.ReportDir); err != nil {
			r.logger.Error("reconcile: update run", "run_id", run.ID, "error", err)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
