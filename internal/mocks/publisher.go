package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// PublisherMock stands in for the AMQP publisher.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ExpectPublish expects one record on routingKey. Pass mock.Anything as
// event to skip matching the body; context and headers are never matched.
func (m *PublisherMock) ExpectPublish(routingKey string, event any) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey, event, mock.Anything)
}
