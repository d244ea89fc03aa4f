package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/p-arndt/imagebench/internal/config"
	"github.com/p-arndt/imagebench/internal/docker"
	"github.com/p-arndt/imagebench/internal/runtime"
	"github.com/p-arndt/imagebench/internal/runtime/process"
	"github.com/p-arndt/imagebench/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// A second signal kills the process outright.
		<-ctx.Done()
		stop()
	}()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "imagebench:", err)
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			os.Exit(exit.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "imagebench",
		Usage: "benchmark container images across resource-stress workloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to imagebench.yaml",
				Sources: cli.EnvVars("IMAGEBENCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the configuration",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			workloadsCommand(),
			sweepCommand(),
			historyCommand(),
			showCommand(),
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

// setup loads the dotenv file and the configuration shared by every command.
func setup(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	logger := newLogger(cmd.Bool("debug"))

	if path := cmd.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}

// engine is the container runtime chosen by the configuration. docker is nil
// for the process runtime, which has no images to pull or containers to sweep.
type engine struct {
	driver  runtime.Driver
	docker  *docker.Client
	cleanup func()
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	switch cfg.Runtime {
	case "process":
		drv := process.NewDriver(logger)
		return &engine{driver: drv, cleanup: func() { drv.Close() }}, nil
	default:
		dc, err := docker.New()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if err := dc.Ping(ctx); err != nil {
			dc.Close()
			return nil, fmt.Errorf("docker ping failed, is Docker running? %w", err)
		}
		logger.Debug("docker connection OK")
		return &engine{driver: dc, docker: dc, cleanup: func() { dc.Close() }}, nil
	}
}

// openStore returns nil when run history is disabled (empty db_path).
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.DBPath == "" {
		return nil, nil
	}
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
