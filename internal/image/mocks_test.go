package image

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPuller mocks the Puller interface.
type MockPuller struct {
	mock.Mock
}

func (m *MockPuller) HasImage(ctx context.Context, ref string) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockPuller) Pull(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}
