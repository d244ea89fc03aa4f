package reaper

import (
	"context"

	"github.com/p-arndt/imagebench/internal/runtime"
	"github.com/p-arndt/imagebench/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRuns(limit int) ([]*store.Run, error) {
	args := m.Called(limit)
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) FinishRun(id, status, reportDir string) error {
	args := m.Called(id, status, reportDir)
	return args.Error(0)
}

// MockReaperRuntime mocks the ReaperRuntime interface.
type MockReaperRuntime struct {
	mock.Mock
}

func (m *MockReaperRuntime) ListManaged(ctx context.Context) ([]runtime.Instance, error) {
	args := m.Called(ctx)
	if instances := args.Get(0); instances != nil {
		return instances.([]runtime.Instance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}
