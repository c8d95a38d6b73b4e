package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/veloxpay/relay-go/contracts"
)

// stubPublisher captures the outgoing request so tests can answer it.
type stubPublisher struct {
	mu       sync.Mutex
	queue    string
	request  *contracts.Envelope
	accepted bool
	err      error
}

func (s *stubPublisher) PublishToExchange(_ context.Context, exchange, routingKey string, env *contracts.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = routingKey
	s.request = env
	return s.accepted, s.err
}

func (s *stubPublisher) PublishToQueue(ctx context.Context, queue string, env *contracts.Envelope) (bool, error) {
	return s.PublishToExchange(ctx, "", queue, env)
}

func (s *stubPublisher) sent() *contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// fakeReplyTransport hands tests the delivery channel behind the reply queue.
type fakeReplyTransport struct {
	queue   *fakeReplyQueue
	openErr error
}

type fakeReplyQueue struct {
	name       string
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeReplyTransport() *fakeReplyTransport {
	return &fakeReplyTransport{
		queue: &fakeReplyQueue{
			name:       "amq.gen-reply-1",
			deliveries: make(chan amqp.Delivery, 8),
		},
	}
}

func (t *fakeReplyTransport) OpenReplyQueue(context.Context) (ReplyQueue, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	return t.queue, nil
}

func (q *fakeReplyQueue) Name() string { return q.name }

func (q *fakeReplyQueue) Deliveries() <-chan amqp.Delivery { return q.deliveries }

func (q *fakeReplyQueue) Close() error {
	q.closed = true
	return nil
}

func replyDelivery(t *testing.T, correlationID string, env *contracts.Envelope) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger:  &fakeAcknowledger{},
		CorrelationId: correlationID,
		Body:          body,
	}
}

func TestRPCClient_Call(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("correlated reply settles the call", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		reply, err := contracts.NewEnvelope("balance.result", map[string]int{"balance": 100})
		require.NoError(t, err)
		transport.queue.deliveries <- replyDelivery(t, request.ID, reply)

		got, err := client.Call(context.Background(), "balances", request, time.Second)
		require.NoError(t, err)
		assert.Equal(t, reply.ID, got.ID)
		assert.Equal(t, "balance.result", got.Type)

		sent := publisher.sent()
		require.NotNil(t, sent)
		assert.Equal(t, request.ID, sent.Meta().CorrelationID)
		assert.Equal(t, "amq.gen-reply-1", sent.Meta().ReplyTo)
		assert.True(t, transport.queue.closed)
	})

	t.Run("uncorrelated replies are discarded", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		stale, err := contracts.NewEnvelope("balance.result", map[string]int{"balance": -1})
		require.NoError(t, err)
		expected, err := contracts.NewEnvelope("balance.result", map[string]int{"balance": 100})
		require.NoError(t, err)

		transport.queue.deliveries <- replyDelivery(t, "someone-else", stale)
		transport.queue.deliveries <- replyDelivery(t, request.ID, expected)

		got, err := client.Call(context.Background(), "balances", request, time.Second)
		require.NoError(t, err)
		assert.Equal(t, expected.ID, got.ID)
	})

	t.Run("timeout yields RPCTimeoutError", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), "balances", request, 20*time.Millisecond)
		var timeoutErr *RPCTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "balances", timeoutErr.Queue)
		assert.Equal(t, request.ID, timeoutErr.CorrelationID)
		assert.True(t, transport.queue.closed)
	})

	t.Run("reply arriving after the timeout is a no-op", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), "balances", request, 20*time.Millisecond)
		var timeoutErr *RPCTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		require.True(t, transport.queue.closed)

		reply, err := contracts.NewEnvelope("balance.result", map[string]int{"balance": 100})
		require.NoError(t, err)
		late := replyDelivery(t, request.ID, reply)

		// The call has settled; a correlated reply arriving now must not
		// resolve anything, panic, or be acknowledged.
		assert.NotPanics(t, func() {
			transport.queue.deliveries <- late
		})
		assert.False(t, late.Acknowledger.(*fakeAcknowledger).acked)
	})

	t.Run("rejected request fails without waiting", func(t *testing.T) {
		publisher := &stubPublisher{accepted: false}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		start := time.Now()
		_, err = client.Call(context.Background(), "balances", request, time.Minute)
		assert.ErrorIs(t, err, ErrRequestNotAccepted)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("context cancellation ends the wait", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err = client.Call(ctx, "balances", request, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed reply channel is an error", func(t *testing.T) {
		publisher := &stubPublisher{accepted: true}
		transport := newFakeReplyTransport()
		client := NewRPCClient(publisher, transport)

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		close(transport.queue.deliveries)

		_, err = client.Call(context.Background(), "balances", request, time.Second)
		assert.ErrorIs(t, err, ErrReplyQueueClosed)
	})

	t.Run("validation", func(t *testing.T) {
		client := NewRPCClient(&stubPublisher{accepted: true}, newFakeReplyTransport())

		request, err := contracts.NewEnvelope("balance.query", map[string]string{"account": "a-1"})
		require.NoError(t, err)

		_, err = client.Call(context.Background(), "", request, time.Second)
		assert.ErrorIs(t, err, ErrEmptyQueue)

		_, err = client.Call(context.Background(), "balances", &contracts.Envelope{}, time.Second)
		assert.Error(t, err)
	})
}
