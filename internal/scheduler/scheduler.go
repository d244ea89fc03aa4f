// Package scheduler fans benchmark tasks out to a bounded pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/p-arndt/imagebench/internal/bench"
)

var (
	ErrNoTasks       = errors.New("no tasks to schedule")
	ErrDuplicateTask = errors.New("duplicate task")
)

// Runner executes one task and always returns its terminal result.
type Runner interface {
	Run(ctx context.Context, task bench.Task) bench.RunResult
}

type Options struct {
	Workers int
	// CancelGrace is how long in-flight runs may keep going after the
	// scheduler's context is cancelled before they are cancelled too.
	CancelGrace time.Duration
	// OnResult observes each result as it lands. It may be called from
	// several workers at once.
	OnResult func(bench.RunResult)
}

// Outcome holds one result per started task, in task order, plus the tasks
// that were never started because of cancellation.
type Outcome struct {
	Results []bench.RunResult
	Skipped []bench.Task
}

type Scheduler struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

func New(runner Runner, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Scheduler{runner: runner, opts: opts, logger: logger}
}

// Run executes tasks until all are done or ctx is cancelled. Cancellation
// stops dispatch immediately; runs already in flight get CancelGrace to
// finish. Results of finished runs are always returned. Only an invalid
// task list is an error.
func (s *Scheduler) Run(ctx context.Context, tasks []bench.Task) (*Outcome, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, t := range tasks {
		if !seen.Add(t.Key()) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t)
		}
	}

	queue := make(chan bench.Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	// In-flight runs outlive ctx by the grace period.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	finished := make(chan struct{})
	go s.watchCancel(ctx, finished, cancelRuns)

	workers := min(s.opts.Workers, len(tasks))
	s.logger.Info("scheduler started", "tasks", len(tasks), "workers", workers)

	results := xsync.NewMapOf[string, bench.RunResult]()
	var completed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if ctx.Err() != nil {
					continue
				}
				res := s.runOne(runCtx, task)
				results.Store(task.Key(), res)
				n := completed.Add(1)
				s.logger.Debug("task done", "task", task.String(), "status", res.Status, "done", n, "total", len(tasks))
				if s.opts.OnResult != nil {
					s.opts.OnResult(res)
				}
			}
		}()
	}
	wg.Wait()
	close(finished)

	out := &Outcome{}
	for _, t := range tasks {
		if res, ok := results.Load(t.Key()); ok {
			out.Results = append(out.Results, res)
		} else {
			out.Skipped = append(out.Skipped, t)
		}
	}
	if len(out.Skipped) > 0 {
		s.logger.Warn("scheduler cancelled", "completed", len(out.Results), "skipped", len(out.Skipped))
	} else {
		s.logger.Info("scheduler finished", "completed", len(out.Results))
	}
	return out, nil
}

func (s *Scheduler) watchCancel(ctx context.Context, finished <-chan struct{}, cancelRuns context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}
	s.logger.Warn("cancellation requested, no new tasks will start", "grace", s.opts.CancelGrace)

	timer := time.NewTimer(s.opts.CancelGrace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		s.logger.Warn("grace period over, terminating in-flight runs")
		cancelRuns()
	}
}

// runOne turns a runner panic into a failed result for that task only.
func (s *Scheduler) runOne(ctx context.Context, task bench.Task) (res bench.RunResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("runner panicked", "task", task.String(), "panic", r)
			res = bench.Failed(task, start, fmt.Errorf("%w: runner panic: %v", bench.ErrExecutionFailure, r))
		}
	}()
	res = s.runner.Run(ctx, task)
	res.Task = task
	return res
}

// DefaultWorkers sizes the pool from host resources: one worker per two
// logical CPUs, capped by how many tasks of memPerTaskMB fit in available
// memory. It never returns less than 1.
func DefaultWorkers(ctx context.Context, memPerTaskMB int) int {
	workers := 1
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 1 {
		workers = n / 2
	}
	if memPerTaskMB > 0 {
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			byMem := int(vm.Available / (uint64(memPerTaskMB) * 1024 * 1024))
			workers = min(workers, byMem)
		}
	}
	return max(workers, 1)
}
