package executor

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/imagebench/internal/runtime"
)

// MockDriver mocks the runtime.Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Start(ctx context.Context, opts runtime.StartOpts) (*runtime.Handle, error) {
	args := m.Called(ctx, opts)
	if h := args.Get(0); h != nil {
		return h.(*runtime.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) Wait(ctx context.Context, h *runtime.Handle) (int, error) {
	args := m.Called(ctx, h)
	return args.Int(0), args.Error(1)
}

func (m *MockDriver) Stats(ctx context.Context, h *runtime.Handle) (*runtime.Snapshot, error) {
	args := m.Called(ctx, h)
	if s := args.Get(0); s != nil {
		return s.(*runtime.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) Stop(ctx context.Context, h *runtime.Handle, grace time.Duration) error {
	args := m.Called(ctx, h, grace)
	return args.Error(0)
}

func (m *MockDriver) Remove(ctx context.Context, h *runtime.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockDriver) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDriver) Close() error {
	args := m.Called()
	return args.Error(0)
}
