// Package executor runs a single benchmark task: it starts the workload in
// the image under test, samples it while it runs, enforces the timeout and
// always tears the container down.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/runtime"
	"github.com/p-arndt/imagebench/internal/sampler"
	"github.com/p-arndt/imagebench/internal/workload"
)

// teardownTimeout bounds Stop and Remove once the caller's context is gone.
const teardownTimeout = 30 * time.Second

const DefaultOutputCap = 64 * 1024

// Workloads resolves a workload ID to its entry point.
type Workloads interface {
	Lookup(id string) (workload.Workload, error)
}

// GPUReader reads the host's GPU state around each run.
type GPUReader interface {
	Query(ctx context.Context) ([]bench.GPUStat, error)
}

type Options struct {
	RunID          string
	SampleInterval time.Duration
	StopGrace      time.Duration
	OutputCap      int
	Limits         runtime.Limits
	// GPU is optional; nil skips the before/after device snapshots.
	GPU GPUReader
}

type Executor struct {
	driver    runtime.Driver
	workloads Workloads
	opts      Options
	logger    *slog.Logger
}

func New(driver runtime.Driver, workloads Workloads, opts Options, logger *slog.Logger) *Executor {
	if opts.OutputCap <= 0 {
		opts.OutputCap = DefaultOutputCap
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = sampler.DefaultInterval
	}
	return &Executor{
		driver:    driver,
		workloads: workloads,
		opts:      opts,
		logger:    logger,
	}
}

// outcome is what the waiter learned about how the workload ended.
type outcome struct {
	status    bench.Status
	code      int
	err       error
	outputErr error
}

// Run executes task and always returns a terminal result. Cancelling ctx
// force-stops the workload and yields StatusCancelled.
func (e *Executor) Run(ctx context.Context, task bench.Task) bench.RunResult {
	start := time.Now()
	logger := e.logger.With("image", task.ImageID, "workload", task.WorkloadID, "iteration", task.Iteration)

	wl, err := e.workloads.Lookup(task.WorkloadID)
	if err != nil {
		return bench.Failed(task, start, err)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(task, start, err)
	}

	gpuBefore := e.gpuState(ctx, logger)
	stdout := newRingBuffer(e.opts.OutputCap)
	stderr := newRingBuffer(e.opts.OutputCap)

	h, err := e.driver.Start(ctx, runtime.StartOpts{
		RunID:  e.opts.RunID,
		Name:   ContainerName(e.opts.RunID, task),
		Image:  task.ImageID,
		Cmd:    wl.Command(),
		Env:    wl.Env,
		Labels: map[string]string{runtime.LabelTask: task.Key()},
		Limits: e.opts.Limits,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(task, start, ctx.Err())
		}
		logger.Warn("workload start failed", "error", err)
		return bench.Failed(task, start, fmt.Errorf("%w: %w", bench.ErrRuntimeUnavailable, err))
	}
	start = time.Now()
	logger = logger.With("container", h.ShortID())
	logger.Debug("workload started")

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := e.driver.Remove(rmCtx, h); err != nil {
			logger.Error("teardown failed", "error", err)
		}
	}()

	collector := sampler.NewCollector()
	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()

	var out outcome
	var g errgroup.Group
	g.Go(func() error {
		sampler.New(e.driver, h, e.opts.SampleInterval, logger).Run(sampleCtx, collector)
		return nil
	})
	g.Go(func() error {
		defer stopSampling()
		// Sampling ends as soon as the run is decided, before any stop grace.
		out = e.wait(ctx, h, task.Timeout, logger, func() {
			stopSampling()
			collector.Seal()
		})
		return nil
	})
	g.Wait()

	samples, skipped := collector.Seal()
	res := bench.RunResult{
		Task:            task,
		ContainerID:     h.ID,
		StartTime:       start,
		EndTime:         time.Now(),
		Status:          out.status,
		ExitCode:        out.code,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		OutputTruncated: stdout.Truncated() || stderr.Truncated(),
		Samples:         samples,
		SkippedSamples:  skipped,
		GPUBefore:       gpuBefore,
		GPUAfter:        e.gpuState(ctx, logger),
	}
	if out.err != nil {
		res.Error = out.err.Error()
	}
	if out.outputErr != nil {
		res.OutputError = out.outputErr.Error()
		logger.Warn("output capture incomplete", "error", out.outputErr)
	}

	logger.Debug("run finished",
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration", res.Duration().Round(time.Millisecond),
		"samples", len(samples),
		"skipped_samples", skipped,
	)
	return res
}

// wait blocks until the workload exits, its timeout fires or ctx is cancelled.
// halt runs before the workload is stopped.
func (e *Executor) wait(ctx context.Context, h *runtime.Handle, timeout time.Duration, logger *slog.Logger, halt func()) outcome {
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	code, err := e.driver.Wait(waitCtx, h)
	var outputErr error
	if errors.Is(err, runtime.ErrOutputIncomplete) {
		// The exit status is valid; only the captured output is not.
		outputErr, err = err, nil
	}
	switch {
	case err == nil && code == 0:
		return outcome{status: bench.StatusSuccess, code: 0, outputErr: outputErr}
	case err == nil:
		return outcome{
			status:    bench.StatusFailure,
			code:      code,
			err:       fmt.Errorf("%w: exit code %d", bench.ErrExecutionFailure, code),
			outputErr: outputErr,
		}
	case ctx.Err() != nil:
		halt()
		logger.Warn("run cancelled, stopping workload")
		e.stop(ctx, h, logger)
		return outcome{status: bench.StatusCancelled, code: -1, err: bench.ErrCancelled}
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		halt()
		logger.Warn("run timed out, stopping workload", "timeout", timeout)
		e.stop(ctx, h, logger)
		return outcome{
			status: bench.StatusTimeout,
			code:   -1,
			err:    fmt.Errorf("%w: exceeded %s", bench.ErrTimeout, timeout),
		}
	default:
		halt()
		logger.Warn("wait failed, stopping workload", "error", err)
		e.stop(ctx, h, logger)
		return outcome{
			status: bench.StatusFailure,
			code:   -1,
			err:    fmt.Errorf("%w: %w", bench.ErrRuntimeUnavailable, err),
		}
	}
}

func (e *Executor) stop(ctx context.Context, h *runtime.Handle, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StopGrace+teardownTimeout)
	defer cancel()
	if err := e.driver.Stop(stopCtx, h, e.opts.StopGrace); err != nil {
		logger.Error("stop failed", "error", err)
	}
}

// gpuState snapshots the GPUs. A failed read is logged and yields nil.
func (e *Executor) gpuState(ctx context.Context, logger *slog.Logger) []bench.GPUStat {
	if e.opts.GPU == nil {
		return nil
	}
	stats, err := e.opts.GPU.Query(context.WithoutCancel(ctx))
	if err != nil {
		logger.Debug("gpu snapshot failed", "error", err)
		return nil
	}
	return stats
}

func cancelled(task bench.Task, start time.Time, err error) bench.RunResult {
	res := bench.Failed(task, start, fmt.Errorf("%w: %w", bench.ErrCancelled, err))
	res.Status = bench.StatusCancelled
	return res
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName builds a readable, unique container name for a task.
func ContainerName(runID string, task bench.Task) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("imagebench-%s-%s-%s-%d", short, nameSafe(task.ImageID, 40), nameSafe(task.WorkloadID, 20), task.Iteration)
}

func nameSafe(s string, max int) string {
	s = strings.Trim(nameUnsafe.ReplaceAllString(s, "_"), "_.-")
	if len(s) > max {
		s = s[:max]
	}
	return s
}
