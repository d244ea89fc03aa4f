package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/config"
	"github.com/p-arndt/imagebench/internal/store"
)

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestConfig returns a Config for the process runtime that keeps every
// artifact under dir.
func TestConfig(dir string) *config.Config {
	return &config.Config{
		Images:             []string{"local"},
		Iterations:         1,
		Concurrency:        2,
		TimeoutSeconds:     10,
		SampleIntervalMs:   50,
		StopGraceSeconds:   1,
		CancelGraceSeconds: 1,
		MaxOutputBytes:     "4KiB",
		Runtime:            "process",
		Pull:               "never",
		Limits: config.Limits{
			MemLimitMB:  64,
			PidsLimit:   64,
			NetworkMode: "none",
		},
		OutputDir: filepath.Join(dir, "reports"),
		DBPath:    filepath.Join(dir, "imagebench.db"),
		Scoring: config.Scoring{
			CPUWeight:    1,
			MemoryWeight: 1,
			IOWeight:     1,
		},
		Sink: config.SinkConfig{
			NATSSubject: "imagebench.samples",
			TimeoutMs:   200,
		},
	}
}

// WriteConfig stores cfg as imagebench.yaml in dir and returns its path.
func WriteConfig(t *testing.T, dir string, cfg *config.Config) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encoding config: %v", err)
	}
	path := filepath.Join(dir, "imagebench.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// NewTestStore opens a SQLite store in a temporary directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestRun returns a run row that started at the given time.
func TestRun(id, status string, started time.Time) *store.Run {
	return &store.Run{
		ID:         id,
		Status:     status,
		Runtime:    "docker",
		Images:     []string{"alpine:3.20"},
		Workloads:  []string{"cpu"},
		Iterations: 1,
		StartedAt:  started.UTC(),
	}
}

// TestResult returns a successful result with n one-second samples.
func TestResult(img, wl string, iter, n int) bench.RunResult {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := bench.RunResult{
		Task:      bench.Task{ImageID: img, WorkloadID: wl, Iteration: iter, Timeout: time.Minute},
		StartTime: start,
		EndTime:   start.Add(time.Duration(n) * time.Second),
		Status:    bench.StatusSuccess,
	}
	for i := range n {
		r.Samples = append(r.Samples, bench.Sample{
			Timestamp:   start.Add(time.Duration(i) * time.Second),
			CPUPercent:  float64(10 * (i + 1)),
			MemoryBytes: uint64(i+1) << 20,
		})
	}
	return r
}
