package report

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/imagebench/internal/sink"
)

// MockWriter mocks the sink.Writer interface.
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Write(ctx context.Context, p sink.Point) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}
