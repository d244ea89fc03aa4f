// Package bench defines the data model shared by the benchmark engine:
// tasks, run results, resource samples and their status taxonomy.
package bench

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Per-task failures are recorded in a RunResult and never
// escape the scheduler; only enumeration errors abort a run.
var (
	ErrExecutionFailure   = errors.New("execution failure")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
	ErrSamplerTransient   = errors.New("sample skipped")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrSinkUnavailable    = errors.New("metrics sink unavailable")
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Task is one (image, workload, iteration) unit of work. Treat it as immutable.
type Task struct {
	ImageID    string        `json:"image_id"`
	WorkloadID string        `json:"workload_id"`
	Iteration  int           `json:"iteration"`
	Timeout    time.Duration `json:"timeout"`
}

// Key uniquely identifies the task within a benchmark run.
func (t Task) Key() string {
	return fmt.Sprintf("%s|%s|%d", t.ImageID, t.WorkloadID, t.Iteration)
}

func (t Task) String() string {
	if t.Iteration > 1 {
		return fmt.Sprintf("%s [%s] #%d", t.ImageID, t.WorkloadID, t.Iteration)
	}
	return fmt.Sprintf("%s [%s]", t.ImageID, t.WorkloadID)
}

// Sample is one resource snapshot. I/O counters are cumulative since start.
// CPUUnknown marks a sample taken without a CPU baseline; its CPUPercent is
// not a measurement.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	CPUUnknown     bool      `json:"cpu_unknown,omitempty"`
	MemoryBytes    uint64    `json:"memory_bytes"`
	BlockIOBytes   uint64    `json:"block_io_bytes"`
	NetworkIOBytes uint64    `json:"network_io_bytes"`
}

// GPUStat is one device as reported by nvidia-smi. Nil fields were reported
// as not available.
type GPUStat struct {
	Index             int      `json:"index"`
	Name              string   `json:"name"`
	UtilizationGPU    *float64 `json:"utilization_gpu"`
	UtilizationMemory *float64 `json:"utilization_memory"`
	MemoryUsedMiB     *float64 `json:"memory_used_mib"`
	MemoryTotalMiB    *float64 `json:"memory_total_mib"`
	PowerDrawWatts    *float64 `json:"power_draw_watts"`
	TemperatureC      *float64 `json:"temperature_c"`
}

// RunResult is the terminal outcome of one Task.
type RunResult struct {
	Task            Task      `json:"task"`
	ContainerID     string    `json:"container_id,omitempty"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Status          Status    `json:"status"`
	ExitCode        int       `json:"exit_code"`
	Error           string    `json:"error,omitempty"`
	Stdout          string    `json:"stdout,omitempty"`
	Stderr          string    `json:"stderr,omitempty"`
	OutputTruncated bool      `json:"output_truncated,omitempty"`
	// OutputError notes a capture failure that left the exit status intact.
	OutputError    string   `json:"output_error,omitempty"`
	Samples        []Sample `json:"samples"`
	SkippedSamples int      `json:"skipped_samples,omitempty"`
	// GPU device state right before the workload started and after it ended.
	GPUBefore []GPUStat `json:"gpu_before,omitempty"`
	GPUAfter  []GPUStat `json:"gpu_after,omitempty"`
}

func (r RunResult) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Failed builds a terminal failure result for a task that never got to run.
func Failed(task Task, start time.Time, err error) RunResult {
	return RunResult{
		Task:      task,
		StartTime: start,
		EndTime:   time.Now(),
		Status:    StatusFailure,
		ExitCode:  -1,
		Error:     err.Error(),
	}
}

// Tasks expands images × workloads × iterations in a stable order.
func Tasks(images, workloads []string, iterations int, timeout time.Duration) []Task {
	if iterations < 1 {
		iterations = 1
	}
	tasks := make([]Task, 0, len(images)*len(workloads)*iterations)
	for _, img := range images {
		for _, wl := range workloads {
			for i := 1; i <= iterations; i++ {
				tasks = append(tasks, Task{ImageID: img, WorkloadID: wl, Iteration: i, Timeout: timeout})
			}
		}
	}
	return tasks
}
