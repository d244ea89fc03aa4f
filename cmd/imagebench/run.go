package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/p-arndt/imagebench/internal/aggregate"
	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/config"
	"github.com/p-arndt/imagebench/internal/executor"
	"github.com/p-arndt/imagebench/internal/gpu"
	"github.com/p-arndt/imagebench/internal/image"
	"github.com/p-arndt/imagebench/internal/reaper"
	"github.com/p-arndt/imagebench/internal/report"
	"github.com/p-arndt/imagebench/internal/runtime"
	"github.com/p-arndt/imagebench/internal/scheduler"
	"github.com/p-arndt/imagebench/internal/sink"
	"github.com/p-arndt/imagebench/internal/store"
	"github.com/p-arndt/imagebench/internal/workload"
)

// Parallel image pulls during preparation.
const pullParallelism = 4

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "benchmark every image against every workload",
		Flags:  runFlags(),
		Action: runBench,
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "image", Aliases: []string{"i"}, Usage: "image reference to benchmark (repeatable)"},
		&cli.StringSliceFlag{Name: "workload", Aliases: []string{"w"}, Usage: "workload ID to run (repeatable, default all)"},
		&cli.StringFlag{Name: "workloads-file", Usage: "TOML catalog of extra workloads"},
		&cli.IntFlag{Name: "iterations", Aliases: []string{"n"}, Usage: "runs per image and workload"},
		&cli.IntFlag{Name: "concurrency", Aliases: []string{"j"}, Usage: "parallel runs (0 = derive from host)"},
		&cli.IntFlag{Name: "timeout", Usage: "per-run timeout in seconds"},
		&cli.StringFlag{Name: "runtime", Usage: "docker or process"},
		&cli.StringFlag{Name: "pull", Usage: "pull policy: missing, always or never"},
		&cli.StringFlag{Name: "gpus", Usage: "GPUs per container: auto, all, none or a count"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "report output directory"},
		&cli.BoolFlag{Name: "compress", Usage: "also write report.json.zst"},
	}
}

// applyFlags overrides configuration with the flags set on the command line.
func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if cmd.IsSet("image") {
		cfg.Images = cmd.StringSlice("image")
	}
	if cmd.IsSet("workload") {
		cfg.Workloads = cmd.StringSlice("workload")
	}
	if cmd.IsSet("workloads-file") {
		cfg.WorkloadsFile = cmd.String("workloads-file")
	}
	if cmd.IsSet("iterations") {
		cfg.Iterations = cmd.Int("iterations")
	}
	if cmd.IsSet("concurrency") {
		cfg.Concurrency = cmd.Int("concurrency")
	}
	if cmd.IsSet("timeout") {
		cfg.TimeoutSeconds = cmd.Int("timeout")
	}
	if cmd.IsSet("runtime") {
		cfg.Runtime = cmd.String("runtime")
	}
	if cmd.IsSet("pull") {
		cfg.Pull = cmd.String("pull")
	}
	if cmd.IsSet("gpus") {
		cfg.Limits.GPUs = cmd.String("gpus")
	}
	if cmd.IsSet("output") {
		cfg.OutputDir = cmd.String("output")
	}
	if cmd.IsSet("compress") {
		cfg.CompressReport = cmd.Bool("compress")
	}
}

func runBench(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	outputCap, _ := cfg.OutputCap()

	runID := uuid.NewString()
	logger = logger.With("run_id", runID[:8])
	started := time.Now()

	workloads, err := loadWorkloads(cfg)
	if err != nil {
		return err
	}
	images, err := image.New(cfg.Images, cfg.AllowedImages)
	if err != nil {
		return err
	}

	eng, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", bench.ErrRuntimeUnavailable, err)
	}
	defer eng.cleanup()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	sweep(ctx, st, eng, runID, logger)

	var pullErrs map[string]error
	if eng.docker != nil {
		pullErrs = images.Prepare(ctx, eng.docker, image.PullPolicy(cfg.Pull), pullParallelism, logger)
	}

	smi := gpu.New()
	devices, err := smi.Query(ctx)
	if err != nil {
		logger.Debug("no gpu snapshot", "error", err)
	}
	gpus := resolveGPUs(cfg, len(devices))
	var gpuReader executor.GPUReader
	if len(devices) > 0 {
		gpuReader = smi
	}

	tasks := bench.Tasks(images.IDs(), workloads.IDs(), cfg.Iterations, cfg.Timeout())
	workers := cfg.Concurrency
	if workers == 0 {
		workers = scheduler.DefaultWorkers(ctx, cfg.Limits.MemLimitMB)
	}

	if st != nil {
		err := st.CreateRun(&store.Run{
			ID:         runID,
			Status:     store.RunRunning,
			Runtime:    cfg.Runtime,
			Images:     images.IDs(),
			Workloads:  workloads.IDs(),
			Iterations: cfg.Iterations,
			StartedAt:  started,
		})
		if err != nil {
			logger.Warn("run history unavailable", "error", err)
		}
	}

	logger.Info("benchmark starting",
		"images", images.Len(), "workloads", len(workloads.IDs()),
		"tasks", len(tasks), "workers", workers, "runtime", cfg.Runtime, "gpus", gpus)

	exec := executor.New(eng.driver, workloads, executor.Options{
		RunID:          runID,
		SampleInterval: cfg.SampleInterval(),
		StopGrace:      cfg.StopGrace(),
		OutputCap:      outputCap,
		Limits: runtime.Limits{
			CPULimit:    cfg.Limits.CPULimit,
			MemLimitMB:  cfg.Limits.MemLimitMB,
			PidsLimit:   cfg.Limits.PidsLimit,
			NetworkMode: cfg.Limits.NetworkMode,
			GPUs:        gpus,
		},
		GPU: gpuReader,
	}, logger)

	sched := scheduler.New(exec, scheduler.Options{
		Workers:     workers,
		CancelGrace: cfg.CancelGrace(),
		OnResult:    resultRecorder(st, runID, logger),
	}, logger)

	outcome, err := sched.Run(ctx, tasks)
	if err != nil {
		finishRun(st, runID, store.RunFailed, "", logger)
		return err
	}
	cancelled := ctx.Err() != nil

	// Reporting must finish even after an interrupt.
	rctx := context.WithoutCancel(ctx)

	weights := aggregate.Weights{
		CPU:      cfg.Scoring.CPUWeight,
		Memory:   cfg.Scoring.MemoryWeight,
		IO:       cfg.Scoring.IOWeight,
		Duration: cfg.Scoring.DurationWeight,
	}
	agg := aggregate.Aggregate(outcome.Results, aggregate.WeightedScore(weights))

	doc := report.NewDocument(runID, started, outcome.Results, agg)
	doc.Cancelled = cancelled
	doc.Skipped = outcome.Skipped
	doc.Host = report.HostInfo(rctx)
	doc.Host.GPUs = devices
	doc.Settings = report.Settings{
		Runtime:        cfg.Runtime,
		Images:         images.IDs(),
		Workloads:      workloads.IDs(),
		Iterations:     cfg.Iterations,
		Concurrency:    workers,
		TimeoutSeconds: cfg.Timeout().Seconds(),
		SampleInterval: cfg.SampleInterval().String(),
		GPUs:           gpus,
		Weights:        weights,
		PullErrors:     errorStrings(pullErrs),
	}

	dir, err := report.Write(doc, report.Options{
		Dir:      cfg.OutputDir,
		Compress: cfg.CompressReport,
		Stdout:   os.Stdout,
	})
	if err != nil {
		finishRun(st, runID, store.RunFailed, "", logger)
		return fmt.Errorf("writing report: %w", err)
	}
	logger.Info("report written", "dir", dir)

	targets, closeSinks := openSinks(rctx, cfg, st, logger)
	for _, ps := range report.Push(rctx, targets, runID, outcome.Results, cfg.SinkTimeout(), logger) {
		if ps.Abandoned || ps.Failed > 0 {
			fmt.Fprintf(os.Stderr, "sink %s: %d written, %d failed\n", ps.Sink, ps.Written, ps.Failed)
		}
	}
	closeSinks()

	status := store.RunCompleted
	if cancelled {
		status = store.RunCancelled
	}
	finishRun(st, runID, status, dir, logger)

	if cancelled {
		return cli.Exit("run cancelled", 130)
	}
	return nil
}

// resolveGPUs turns limits.gpus into the runtime's device count. auto
// requests every device when nvidia-smi reported any.
func resolveGPUs(cfg *config.Config, detected int) int {
	count, auto, _ := cfg.GPURequest()
	if !auto {
		return count
	}
	if detected > 0 {
		return -1
	}
	return 0
}

func loadWorkloads(cfg *config.Config) (*workload.Registry, error) {
	reg := workload.Builtin()
	if cfg.WorkloadsFile != "" {
		extra, err := workload.LoadCatalog(cfg.WorkloadsFile)
		if err != nil {
			return nil, err
		}
		if reg, err = reg.Merge(extra); err != nil {
			return nil, err
		}
	}
	return reg.Select(cfg.Workloads)
}

// sweep clears leftovers of earlier runs. Failures only cost disk space and
// are logged.
func sweep(ctx context.Context, st *store.Store, eng *engine, runID string, logger *slog.Logger) {
	var rs reaper.ReaperStore
	if st != nil {
		rs = st
	}
	var rt reaper.ReaperRuntime
	if eng.docker != nil {
		rt = eng.docker
	}
	if _, err := reaper.New(rs, rt, logger).Sweep(ctx, runID); err != nil {
		logger.Warn("sweep incomplete", "error", err)
	}
}

func resultRecorder(st *store.Store, runID string, logger *slog.Logger) func(bench.RunResult) {
	return func(r bench.RunResult) {
		attrs := []any{"task", r.Task.String(), "status", r.Status, "duration", r.Duration().Round(time.Millisecond)}
		if r.Error != "" {
			attrs = append(attrs, "error", r.Error)
		}
		if r.Status == bench.StatusSuccess {
			logger.Info("task finished", attrs...)
		} else {
			logger.Warn("task finished", attrs...)
		}

		if st == nil {
			return
		}
		if err := st.SaveResult(runID, r); err != nil {
			logger.Warn("saving result failed", "task", r.Task.Key(), "error", err)
		}
	}
}

func finishRun(st *store.Store, runID, status, dir string, logger *slog.Logger) {
	if st == nil {
		return
	}
	if err := st.FinishRun(runID, status, dir); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("updating run history failed", "error", err)
	}
}

// openSinks connects every configured metrics sink. A sink that cannot be
// reached is logged and left out; the local store is always included when
// history is enabled.
func openSinks(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) ([]report.Target, func()) {
	var targets []report.Target
	var closers []sink.Writer

	if st != nil {
		targets = append(targets, report.Target{Name: "sqlite", Writer: st})
	}
	if cfg.Sink.NATSURL != "" {
		nc, err := sink.DialNATS(cfg.Sink.NATSURL, cfg.Sink.NATSSubject, cfg.SinkTimeout())
		if err != nil {
			logger.Warn("nats sink unavailable", "url", cfg.Sink.NATSURL, "error", err)
		} else {
			targets = append(targets, report.Target{Name: "nats", Writer: nc})
			closers = append(closers, nc)
		}
	}
	if cfg.Sink.SQSQueueURL != "" {
		q, err := sink.NewSQS(ctx, cfg.Sink.SQSQueueURL, cfg.Sink.SQSRegion)
		if err != nil {
			logger.Warn("sqs sink unavailable", "queue", cfg.Sink.SQSQueueURL, "error", err)
		} else {
			targets = append(targets, report.Target{Name: "sqs", Writer: q})
			closers = append(closers, q)
		}
	}

	return targets, func() {
		if err := sink.Multi(closers).Close(); err != nil {
			logger.Warn("closing sinks", "error", err)
		}
	}
}

func errorStrings(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, err := range errs {
		out[k] = err.Error()
	}
	return out
}
