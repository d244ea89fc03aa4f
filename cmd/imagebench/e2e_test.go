package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/report"
	"github.com/p-arndt/imagebench/internal/store"
	"github.com/p-arndt/imagebench/internal/testutil"
)

const quickCatalog = `
[[workloads]]
id = "quick"
description = "short busy loop"
script = "i=0; while [ $i -lt 20000 ]; do i=$((i+1)); done; echo done"

[[workloads]]
id = "broken"
script = "echo failing >&2; exit 7"
`

// Runs the whole pipeline on host processes: schedule, execute, sample,
// aggregate, write the report and record history.
func TestRunEndToEndOnHostProcesses(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "workloads.toml")
	require.NoError(t, os.WriteFile(catalog, []byte(quickCatalog), 0o644))

	cfg := testutil.TestConfig(dir)
	cfg.Images = []string{"host-a", "host-b"}
	cfg.Workloads = []string{"quick", "broken"}
	cfg.WorkloadsFile = catalog
	cfg.CompressReport = true
	cfgPath := testutil.WriteConfig(t, dir, cfg)

	err := newApp().Run(context.Background(), []string{"imagebench", "--config", cfgPath, "--env-file", "", "run"})
	require.NoError(t, err)

	st, err := store.New(cfg.DBPath, 1)
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 4, run.Results)
	assert.Equal(t, 2, run.Succeeded)
	require.NotEmpty(t, run.ReportDir)

	doc, err := report.Read(filepath.Join(run.ReportDir, report.ZstdFile))
	require.NoError(t, err)
	assert.Equal(t, run.ID, doc.RunID)
	require.Len(t, doc.Results, 4)
	assert.Empty(t, doc.Skipped)
	assert.False(t, doc.Cancelled)

	for _, r := range doc.Results {
		switch r.Task.WorkloadID {
		case "quick":
			assert.Equal(t, bench.StatusSuccess, r.Status, r.Task.String())
			assert.Contains(t, r.Stdout, "done")
		case "broken":
			assert.Equal(t, bench.StatusFailure, r.Status)
			assert.Equal(t, 7, r.ExitCode)
			assert.Contains(t, r.Stderr, "failing")
		}
	}

	require.Len(t, doc.Ranking.Workloads, 2)
	require.Len(t, doc.Ranking.Overall, 2)
	assert.FileExists(t, filepath.Join(run.ReportDir, report.SummaryFile))
}

func TestRunRejectsUnknownWorkload(t *testing.T) {
	dir := t.TempDir()
	cfg := testutil.TestConfig(dir)
	cfg.Workloads = []string{"does-not-exist"}
	cfgPath := testutil.WriteConfig(t, dir, cfg)

	err := newApp().Run(context.Background(), []string{"imagebench", "--config", cfgPath, "--env-file", "", "run"})
	assert.Error(t, err)
	assert.NoDirExists(t, cfg.OutputDir)
}

func TestResultRecorderPersists(t *testing.T) {
	st := testutil.NewTestStore(t)
	require.NoError(t, st.CreateRun(testutil.TestRun("run-1", store.RunRunning, testutil.TestResult("a", "cpu", 1, 1).StartTime)))

	record := resultRecorder(st, "run-1", testutil.Logger())
	record(testutil.TestResult("alpine:3.20", "cpu", 1, 3))
	failed := testutil.TestResult("alpine:3.20", "io", 1, 0)
	failed.Status = bench.StatusTimeout
	record(failed)

	got, err := st.ListResults("run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bench.StatusSuccess, got[0].Status)
	assert.Equal(t, bench.StatusTimeout, got[1].Status)

	// History disabled.
	require.NotPanics(t, func() { resultRecorder(nil, "run-1", testutil.Logger())(failed) })
}
