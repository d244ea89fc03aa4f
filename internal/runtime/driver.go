package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound means the container (or process) no longer exists.
	ErrNotFound = errors.New("container not found")
	// ErrStatsUnavailable means stats exist but are not readable yet, e.g. right after start.
	ErrStatsUnavailable = errors.New("stats not available")
	// ErrUnavailable means the runtime itself could not be reached.
	ErrUnavailable = errors.New("runtime unavailable")
	// ErrOutputIncomplete is returned by Wait together with a valid exit
	// code when the workload's output could not be captured in full.
	ErrOutputIncomplete = errors.New("output capture incomplete")
)

const (
	LabelPrefix  = "imagebench."
	LabelManaged = LabelPrefix + "managed"
	LabelRunID   = LabelPrefix + "run_id"
	LabelTask    = LabelPrefix + "task"
)

type Limits struct {
	CPULimit    float64 // CPUs (e.g. 1.5); 0 = unlimited
	MemLimitMB  int
	PidsLimit   int
	NetworkMode string
	// GPUs requested from the runtime: 0 none, -1 all.
	GPUs int
}

type StartOpts struct {
	RunID  string
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	Limits Limits

	// Stdout and Stderr receive the workload's output until it exits.
	Stdout io.Writer
	Stderr io.Writer
}

type Handle struct {
	ID    string
	Name  string
	Image string
}

// ShortID returns the first 12 characters of the handle ID.
func (h *Handle) ShortID() string {
	if len(h.ID) > 12 {
		return h.ID[:12]
	}
	return h.ID
}

// Snapshot carries cumulative counters; CPU percent is derived from two snapshots.
type Snapshot struct {
	Read             time.Time
	CPUUsageNs       uint64
	SystemUsageNs    uint64
	PreCPUUsageNs    uint64
	PreSystemUsageNs uint64
	// HasBaseline marks the Pre* counters as valid even when they are zero.
	HasBaseline    bool
	OnlineCPUs     uint32
	MemoryBytes    uint64
	BlockIOBytes   uint64
	NetworkIOBytes uint64
}

// Instance describes a container left behind by the runtime, for sweeping.
type Instance struct {
	ID    string
	RunID string
	Task  string
}

type Driver interface {
	Start(ctx context.Context, opts StartOpts) (*Handle, error)
	// Wait blocks until the workload exits and its output is drained.
	Wait(ctx context.Context, h *Handle) (int, error)
	Stats(ctx context.Context, h *Handle) (*Snapshot, error)
	// Stop terminates the workload, killing it after grace.
	Stop(ctx context.Context, h *Handle, grace time.Duration) error
	// Remove releases every resource behind h. Safe to call more than once.
	Remove(ctx context.Context, h *Handle) error
	Ping(ctx context.Context) error
	Close() error
}

// CPUPercent computes usage between two snapshots the way `docker stats`
// does: 100% equals one fully busy CPU. A nil prev falls back to the Pre*
// counters carried by cur. ok is false when there is no usable baseline.
func CPUPercent(prev, cur *Snapshot) (pct float64, ok bool) {
	if cur == nil {
		return 0, false
	}
	var prevCPU, prevSys uint64
	switch {
	case prev != nil:
		prevCPU, prevSys = prev.CPUUsageNs, prev.SystemUsageNs
	case cur.HasBaseline || cur.PreSystemUsageNs > 0:
		prevCPU, prevSys = cur.PreCPUUsageNs, cur.PreSystemUsageNs
	default:
		return 0, false
	}
	if cur.SystemUsageNs <= prevSys || cur.CPUUsageNs < prevCPU {
		return 0, false
	}
	cpus := cur.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	cpuDelta := float64(cur.CPUUsageNs - prevCPU)
	sysDelta := float64(cur.SystemUsageNs - prevSys)
	return min(cpuDelta/sysDelta*float64(cpus)*100.0, float64(cpus)*100.0), true
}
