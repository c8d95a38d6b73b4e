package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDisconnectedPool(t *testing.T) *ChannelPool {
	t.Helper()
	conn, err := NewConnection("amqp://localhost:5672/")
	require.NoError(t, err)
	pool, err := NewChannelPool(conn)
	require.NoError(t, err)
	return pool
}

func TestConsumerChannel(t *testing.T) {
	assert.Equal(t, "consumer:orders-queue", ConsumerChannel("orders-queue"))
	assert.NotEqual(t, ConsumerChannel("a"), ConsumerChannel("b"))
}

func TestChannelPool(t *testing.T) {
	t.Run("nil connection is rejected", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("empty channel name is rejected", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		_, err := pool.Get("")
		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("get while disconnected fails", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		_, err := pool.Get(PublisherChannel)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Zero(t, pool.Size())
	})

	t.Run("invalidate unknown channel is a no-op", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		assert.NotPanics(t, func() {
			pool.Invalidate(RPCChannel)
		})
	})

	t.Run("closed pool refuses further channels", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		require.NoError(t, pool.CloseAll())

		_, err := pool.Get(PublisherChannel)
		assert.ErrorIs(t, err, ErrPoolClosed)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		require.NoError(t, pool.CloseAll())
		assert.NoError(t, pool.CloseAll())
	})

	t.Run("reconnect after close fails", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		require.NoError(t, pool.CloseAll())
		assert.ErrorIs(t, pool.Reconnect(context.Background()), ErrPoolClosed)
	})

	t.Run("connection state is surfaced", func(t *testing.T) {
		pool := newDisconnectedPool(t)
		assert.False(t, pool.IsConnected())
	})
}
