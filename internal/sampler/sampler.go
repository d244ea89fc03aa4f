// Package sampler polls the container runtime for resource usage while a
// single run is active.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/runtime"
)

const DefaultInterval = time.Second

// Collector is the append-only sample series of one run. It is safe for
// concurrent use; once sealed it rejects further appends.
type Collector struct {
	mu      sync.Mutex
	samples []bench.Sample
	skipped int
	sealed  bool
}

func NewCollector() *Collector {
	return &Collector{}
}

// Append adds s if the collector is open and s is strictly newer than the
// last sample. It reports whether s was kept.
func (c *Collector) Append(s bench.Sample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return false
	}
	if n := len(c.samples); n > 0 && !s.Timestamp.After(c.samples[n-1].Timestamp) {
		return false
	}
	c.samples = append(c.samples, s)
	return true
}

// Skip records a sample lost to a transient runtime error.
func (c *Collector) Skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.skipped++
	}
}

// Seal closes the collector and returns a copy of the series and the skip count.
func (c *Collector) Seal() ([]bench.Sample, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make([]bench.Sample, len(c.samples))
	copy(out, c.samples)
	return out, c.skipped
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// StatsSource is the part of runtime.Driver the sampler needs.
type StatsSource interface {
	Stats(ctx context.Context, h *runtime.Handle) (*runtime.Snapshot, error)
}

type Sampler struct {
	src      StatsSource
	handle   *runtime.Handle
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(src StatsSource, h *runtime.Handle, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		src:      src,
		handle:   h,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run samples immediately and then once per interval until ctx is done.
// Runtime errors never end the loop.
func (s *Sampler) Run(ctx context.Context, c *Collector) {
	prev := s.sample(ctx, c, nil)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev = s.sample(ctx, c, prev)
		}
	}
}

// sample takes one snapshot and returns the new CPU baseline.
func (s *Sampler) sample(ctx context.Context, c *Collector, prev *runtime.Snapshot) *runtime.Snapshot {
	snap, err := s.src.Stats(ctx, s.handle)
	if ctx.Err() != nil {
		return prev
	}
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			// Container already gone: nothing to measure.
			s.logger.Debug("sample: container gone", "container", s.handle.ShortID())
			return prev
		}
		c.Skip()
		s.logger.Debug("sample skipped", "container", s.handle.ShortID(),
			"error", fmt.Errorf("%w: %w", bench.ErrSamplerTransient, err))
		return prev
	}

	ts := snap.Read
	if ts.IsZero() {
		ts = s.now()
	}
	cpu, ok := runtime.CPUPercent(prev, snap)
	c.Append(bench.Sample{
		Timestamp:      ts,
		CPUPercent:     cpu,
		CPUUnknown:     !ok,
		MemoryBytes:    snap.MemoryBytes,
		BlockIOBytes:   snap.BlockIOBytes,
		NetworkIOBytes: snap.NetworkIOBytes,
	})
	return snap
}
