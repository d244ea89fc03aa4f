package sink

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/mock"
)

// MockWriter mocks the Writer interface.
type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Write(ctx context.Context, p Point) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSQS mocks the SendMessage call of the SQS client.
type MockSQS struct {
	mock.Mock
}

func (m *MockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, in)
	if out := args.Get(0); out != nil {
		return out.(*sqs.SendMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}
