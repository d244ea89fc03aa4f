package reaper

import (
	"context"

	"github.com/p-arndt/imagebench/internal/runtime"
	"github.com/p-arndt/imagebench/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListRuns(limit int) ([]*store.Run, error)
	FinishRun(id, status, reportDir string) error
}

// ReaperRuntime abstracts container operations needed by the reaper.
type ReaperRuntime interface {
	ListManaged(ctx context.Context) ([]runtime.Instance, error)
	RemoveContainer(ctx context.Context, containerID string) error
}
