// Package report turns the aggregated results of a benchmark run into files
// under <output_dir>/<run_id>/ and forwards raw samples to metrics sinks.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/p-arndt/imagebench/internal/aggregate"
	"github.com/p-arndt/imagebench/internal/bench"
)

const (
	JSONFile    = "report.json"
	ZstdFile    = "report.json.zst"
	SummaryFile = "summary.txt"
)

type Host struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	CPUs            int    `json:"cpus"`
	MemoryTotal     uint64 `json:"memory_total"`
	// GPUs as reported by nvidia-smi when the run started.
	GPUs []bench.GPUStat `json:"gpus,omitempty"`
}

// HostInfo describes the machine the benchmark ran on. Fields that cannot be
// read are left empty.
func HostInfo(ctx context.Context) Host {
	var h Host
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		h.OS = info.OS
		h.Platform = info.Platform
		h.PlatformVersion = info.PlatformVersion
		h.KernelVersion = info.KernelVersion
		h.Arch = info.KernelArch
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		h.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryTotal = vm.Total
	}
	return h
}

// Settings is the part of the configuration that shaped the run.
type Settings struct {
	Runtime        string            `json:"runtime"`
	Images         []string          `json:"images"`
	Workloads      []string          `json:"workloads"`
	Iterations     int               `json:"iterations"`
	Concurrency    int               `json:"concurrency"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	SampleInterval string            `json:"sample_interval"`
	GPUs           int               `json:"gpus"`
	Weights        aggregate.Weights `json:"weights"`
	PullErrors     map[string]string `json:"pull_errors,omitempty"`
}

// Document is the full structured report of one run.
type Document struct {
	RunID      string              `json:"run_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Cancelled  bool                `json:"cancelled"`
	Host       Host                `json:"host"`
	Settings   Settings            `json:"settings"`
	Summaries  []aggregate.Summary `json:"summaries"`
	Ranking    aggregate.Ranking   `json:"ranking"`
	Skipped    []bench.Task        `json:"skipped,omitempty"`
	Results    []bench.RunResult   `json:"results"`
}

// NewDocument assembles a document from the run's results and aggregation.
func NewDocument(runID string, started time.Time, results []bench.RunResult, agg aggregate.Report) *Document {
	return &Document{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Summaries:  agg.Summaries,
		Ranking:    agg.Ranking,
		Results:    results,
	}
}

// Counts tallies results by status.
func (d *Document) Counts() map[bench.Status]int {
	out := make(map[bench.Status]int, 4)
	for _, r := range d.Results {
		out[r.Status]++
	}
	return out
}

type Options struct {
	Dir      string
	Compress bool
	// Stdout receives the rendered summary with a colored headline. Nil
	// disables printing.
	Stdout io.Writer
}

// Write stores the document under opts.Dir/<run_id>/ and returns that
// directory.
func Write(doc *Document, opts Options) (string, error) {
	dir := filepath.Join(opts.Dir, doc.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	if err := writeFile(filepath.Join(dir, JSONFile), data); err != nil {
		return "", err
	}

	if opts.Compress {
		if err := writeZstd(filepath.Join(dir, ZstdFile), data); err != nil {
			return "", err
		}
	}

	f, err := os.Create(filepath.Join(dir, SummaryFile))
	if err != nil {
		return "", fmt.Errorf("creating summary: %w", err)
	}
	fmt.Fprintln(f, Headline(doc))
	Render(f, doc)
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}

	if opts.Stdout != nil {
		PrintHeadline(opts.Stdout, doc)
		Render(opts.Stdout, doc)
	}
	return dir, nil
}

// Read loads a report.json or report.json.zst document.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".zst" {
		d, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer d.Close()
		r = d
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", path, err)
	}
	return &doc, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeZstd(path string, data []byte) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer enc.Close()
	return writeFile(path, enc.EncodeAll(data, nil))
}
