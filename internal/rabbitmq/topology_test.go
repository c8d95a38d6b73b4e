package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDefaults(t *testing.T) {
	t.Run("zero values inherit defaults", func(t *testing.T) {
		args := Queue{Name: "orders-queue"}.arguments()
		assert.Equal(t, DeadLetterExchange, args["x-dead-letter-exchange"])
		assert.Equal(t, DefaultMessageTTL.Milliseconds(), args["x-message-ttl"])
		assert.Equal(t, int32(DefaultMaxPriority), args["x-max-priority"])
	})

	t.Run("explicit values survive", func(t *testing.T) {
		q := Queue{
			Name:               "audit-queue",
			DeadLetterExchange: "audit-dlx",
			MessageTTL:         time.Hour,
			MaxPriority:        3,
		}
		args := q.arguments()
		assert.Equal(t, "audit-dlx", args["x-dead-letter-exchange"])
		assert.Equal(t, time.Hour.Milliseconds(), args["x-message-ttl"])
		assert.Equal(t, int32(3), args["x-max-priority"])
	})
}

func TestDescriptorValidate(t *testing.T) {
	t.Run("valid descriptor", func(t *testing.T) {
		d := Descriptor{
			Exchanges: []Exchange{
				{Name: "orders", Kind: ExchangeTopic},
				{Name: "audit", Kind: ExchangeFanout},
				{Name: "commands", Kind: ExchangeDirect},
			},
			Queues:   []Queue{{Name: "orders-queue"}},
			Bindings: []Binding{{Queue: "orders-queue", Exchange: "orders", RoutingKey: "order.*"}},
		}
		assert.NoError(t, d.Validate())
	})

	t.Run("identical redeclaration is tolerated", func(t *testing.T) {
		d := Descriptor{
			Exchanges: []Exchange{
				{Name: "orders", Kind: ExchangeTopic},
				{Name: "orders", Kind: ExchangeTopic},
			},
			Queues: []Queue{
				{Name: "orders-queue"},
				{Name: "orders-queue", DeadLetterExchange: DeadLetterExchange},
			},
		}
		assert.NoError(t, d.Validate())
	})

	t.Run("conflicting exchange kind", func(t *testing.T) {
		d := Descriptor{
			Exchanges: []Exchange{
				{Name: "orders", Kind: ExchangeTopic},
				{Name: "orders", Kind: ExchangeFanout},
			},
		}
		err := d.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTopologyConflict)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Kind)
		assert.Equal(t, "orders", topoErr.Name)
	})

	t.Run("conflicting queue arguments", func(t *testing.T) {
		d := Descriptor{
			Queues: []Queue{
				{Name: "orders-queue", MessageTTL: time.Hour},
				{Name: "orders-queue", MessageTTL: time.Minute},
			},
		}
		assert.ErrorIs(t, d.Validate(), ErrTopologyConflict)
	})

	t.Run("unknown exchange kind", func(t *testing.T) {
		d := Descriptor{Exchanges: []Exchange{{Name: "orders", Kind: "headers"}}}
		assert.ErrorIs(t, d.Validate(), ErrInvalidTopology)
	})

	t.Run("unnamed entities", func(t *testing.T) {
		assert.ErrorIs(t, Descriptor{Exchanges: []Exchange{{Kind: ExchangeTopic}}}.Validate(), ErrInvalidTopology)
		assert.ErrorIs(t, Descriptor{Queues: []Queue{{}}}.Validate(), ErrInvalidTopology)
		assert.ErrorIs(t, Descriptor{Bindings: []Binding{{Queue: "q"}}}.Validate(), ErrInvalidTopology)
	})
}

func TestDescriptorDeduplicated(t *testing.T) {
	d := Descriptor{
		Exchanges: []Exchange{
			{Name: "orders", Kind: ExchangeTopic},
			{Name: "orders", Kind: ExchangeTopic},
			{Name: "audit", Kind: ExchangeFanout},
		},
		Queues: []Queue{
			{Name: "orders-queue"},
			{Name: "orders-queue"},
		},
		Bindings: []Binding{
			{Queue: "orders-queue", Exchange: "orders", RoutingKey: "order.*"},
			{Queue: "orders-queue", Exchange: "orders", RoutingKey: "order.*"},
			{Queue: "orders-queue", Exchange: "audit", RoutingKey: ""},
		},
	}
	require.NoError(t, d.Validate())

	out := d.deduplicated()
	assert.Len(t, out.Exchanges, 2)
	assert.Equal(t, "orders", out.Exchanges[0].Name)
	assert.Len(t, out.Queues, 1)
	assert.Len(t, out.Bindings, 2)
}

func TestDeclareTopologyValidatesFirst(t *testing.T) {
	conn, err := NewConnection("amqp://localhost:5672/")
	require.NoError(t, err)
	pool, err := NewChannelPool(conn)
	require.NoError(t, err)
	tm := NewTopologyManager(pool)

	// Local validation fails before any broker interaction is attempted.
	err = tm.DeclareTopology(context.Background(), Descriptor{
		Exchanges: []Exchange{{Name: "orders", Kind: "headers"}},
	})
	assert.ErrorIs(t, err, ErrInvalidTopology)
}
