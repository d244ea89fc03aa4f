// Package sink forwards raw samples to external time-series backends.
// Every backend is append-only and keyed by task and timestamp, so pushing
// the same point twice is harmless.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/p-arndt/imagebench/internal/bench"
)

// Point is one sample of one task in one benchmark run.
type Point struct {
	RunID      string `json:"run_id"`
	TaskKey    string `json:"task_key"`
	ImageID    string `json:"image_id"`
	WorkloadID string `json:"workload_id"`
	Iteration  int    `json:"iteration"`
	bench.Sample
}

// ID is the idempotency key of the point: task key and timestamp.
func (p Point) ID() string {
	return p.RunID + "/" + p.TaskKey + "@" + strconv.FormatInt(p.Timestamp.UnixNano(), 10)
}

// Points expands a result into its sink points.
func Points(runID string, r bench.RunResult) []Point {
	out := make([]Point, 0, len(r.Samples))
	for _, s := range r.Samples {
		out = append(out, Point{
			RunID:      runID,
			TaskKey:    r.Task.Key(),
			ImageID:    r.Task.ImageID,
			WorkloadID: r.Task.WorkloadID,
			Iteration:  r.Task.Iteration,
			Sample:     s,
		})
	}
	return out
}

type Writer interface {
	Write(ctx context.Context, p Point) error
	Close() error
}

// Multi writes every point to all writers and joins their errors.
type Multi []Writer

func (m Multi) Write(ctx context.Context, p Point) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every point.
type Discard struct{}

func (Discard) Write(context.Context, Point) error { return nil }
func (Discard) Close() error                       { return nil }

func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", bench.ErrSinkUnavailable, backend, err)
}
