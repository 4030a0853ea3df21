package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrex/internal/message_broaker"
)

func TestMockMessageBroker_NackRequeues(t *testing.T) {
	ctx := context.Background()
	b := NewMockMessageBroker()

	assert.ErrorIs(t, b.Publish(ctx, "q", []byte("x")), message_broaker.ErrQueueNotDeclared)

	require.NoError(t, b.DeclareQueue(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte("1")))
	require.NoError(t, b.Publish(ctx, "q", []byte("2")))

	d, ok, err := b.Get(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), d.Body)
	require.NoError(t, d.Nack(true))

	d, ok, err = b.Get(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), d.Body)
	require.NoError(t, d.Ack())
	assert.Equal(t, 0, b.Unacked)
}

func TestMockMessageBroker_Consume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b := NewMockMessageBroker()
	require.NoError(t, b.DeclareQueue(ctx, "q"))

	ch, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", []byte("late")))

	select {
	case d := <-ch:
		assert.Equal(t, []byte("late"), d.Body)
		require.NoError(t, d.Ack())
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}
