package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/sink"
)

// maxConsecutiveFailures abandons the push to one sink for the rest of the run.
const maxConsecutiveFailures = 3

// Target is one named sink.
type Target struct {
	Name   string
	Writer sink.Writer
}

type PushStats struct {
	Sink      string `json:"sink"`
	Written   int    `json:"written"`
	Failed    int    `json:"failed"`
	Abandoned bool   `json:"abandoned"`
}

// Push forwards every sample of results to each target independently.
// Failures are logged and counted but never returned.
func Push(ctx context.Context, targets []Target, runID string, results []bench.RunResult, timeout time.Duration, logger *slog.Logger) []PushStats {
	var points []sink.Point
	for _, r := range results {
		points = append(points, sink.Points(runID, r)...)
	}

	stats := make([]PushStats, 0, len(targets))
	for _, t := range targets {
		stats = append(stats, pushOne(ctx, t, points, timeout, logger))
	}
	return stats
}

func pushOne(ctx context.Context, t Target, points []sink.Point, timeout time.Duration, logger *slog.Logger) PushStats {
	st := PushStats{Sink: t.Name}
	consecutive := 0
	for _, p := range points {
		if ctx.Err() != nil {
			st.Abandoned = true
			break
		}
		err := writeWithTimeout(ctx, t.Writer, p, timeout)
		if err == nil {
			st.Written++
			consecutive = 0
			continue
		}
		st.Failed++
		consecutive++
		logger.Warn("sink write failed", "sink", t.Name, "task", p.TaskKey, "error", err)
		if consecutive >= maxConsecutiveFailures {
			st.Abandoned = true
			logger.Error("sink unavailable, abandoning push", "sink", t.Name,
				"written", st.Written, "remaining", len(points)-st.Written-st.Failed)
			break
		}
	}
	if !st.Abandoned && len(points) > 0 {
		logger.Info("samples pushed", "sink", t.Name, "written", st.Written, "failed", st.Failed)
	}
	return st
}

func writeWithTimeout(ctx context.Context, w sink.Writer, p sink.Point, timeout time.Duration) error {
	if timeout <= 0 {
		return w.Write(ctx, p)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.Write(ctx, p)
}
