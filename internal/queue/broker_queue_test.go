package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gyrex/internal/message_broaker/mocks"
	"gyrex/internal/models"
)

func TestBrokerService_Queue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	broker := mocks.NewMockMessageBroker()
	s := NewBrokerService(broker, zap.NewNop())

	_, err := s.GetQueue(ctx, "jobs", Options{})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	q, err := s.CreateQueue(ctx, "jobs", Options{})
	require.NoError(t, err)
	require.NoError(t, q.Send(ctx, models.NewEventMessage("1", "t", []byte("x"))))
	require.NoError(t, q.Send(ctx, models.NewEventMessage("2", "t", nil)))

	d, err := q.TryReceive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Message.ID)
	assert.Equal(t, []byte("x"), d.Message.Payload)
	require.NoError(t, d.Nack(ctx))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", d.Message.ID)
	require.NoError(t, d.Ack(ctx))

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", d.Message.ID)
	require.NoError(t, d.Ack(ctx))

	_, err = q.TryReceive(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, s.DeleteQueue(ctx, "jobs"))
	_, err = s.GetQueue(ctx, "jobs", Options{})
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestBrokerQueue_DropsMalformed(t *testing.T) {
	ctx := context.Background()
	broker := mocks.NewMockMessageBroker()
	s := NewBrokerService(broker, zap.NewNop())
	q, err := s.CreateQueue(ctx, "jobs", Options{})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "jobs", []byte("{")))
	_, err = q.TryReceive(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
