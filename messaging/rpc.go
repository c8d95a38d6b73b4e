package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veloxpay/relay-go/contracts"
	"github.com/veloxpay/relay-go/internal/metrics"
	"github.com/veloxpay/relay-go/internal/rabbitmq"
)

// DefaultRPCTimeout bounds calls that pass no explicit timeout.
const DefaultRPCTimeout = 30 * time.Second

// ReplyQueue is one ephemeral, private reply subscription. The broker
// reclaims the queue after Close; callers must not assume it survives the
// call that opened it.
type ReplyQueue interface {
	Name() string
	Deliveries() <-chan amqp.Delivery
	Close() error
}

// ReplyTransport opens reply queues for RPC calls.
type ReplyTransport interface {
	OpenReplyQueue(ctx context.Context) (ReplyQueue, error)
}

// RPCClient layers request/reply over a Publisher and transient reply
// subscriptions, matched by correlation ID under a deadline.
type RPCClient struct {
	publisher Publisher
	transport ReplyTransport
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// RPCOption configures the RPC client.
type RPCOption func(*RPCClient)

// WithRPCLogger sets the logger.
func WithRPCLogger(logger *slog.Logger) RPCOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithRPCMetrics sets the metrics collector.
func WithRPCMetrics(collector *metrics.Collector) RPCOption {
	return func(c *RPCClient) {
		c.metrics = collector
	}
}

// NewRPCClient creates an RPC client.
func NewRPCClient(publisher Publisher, transport ReplyTransport, options ...RPCOption) *RPCClient {
	c := &RPCClient{
		publisher: publisher,
		transport: transport,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Call publishes request to queue and waits up to timeout for the correlated
// reply. Exactly one outcome is produced: the reply, an *RPCTimeoutError, or
// a transport error. Replies that arrive for other correlation IDs are
// acknowledged and discarded; replies that arrive after the deadline are
// dropped by the broker along with the ephemeral reply queue.
func (c *RPCClient) Call(ctx context.Context, queue string, request *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error) {
	if queue == "" {
		return nil, ErrEmptyQueue
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}

	correlationID := request.ID
	start := time.Now()

	replies, err := c.transport.OpenReplyQueue(ctx)
	if err != nil {
		c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	defer replies.Close()

	outgoing := request.WithCorrelationID(correlationID).WithReplyTo(replies.Name())
	accepted, err := c.publisher.PublishToQueue(ctx, queue, outgoing)
	if err != nil {
		c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	if !accepted {
		c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
		return nil, ErrRequestNotAccepted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case delivery, ok := <-replies.Deliveries():
			if !ok {
				c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
				return nil, ErrReplyQueueClosed
			}

			// Every reply delivery is acknowledged; only the matching one
			// settles the call. Anything else is a stale or duplicate reply
			// from earlier infrastructure and is dropped as a no-op.
			if err := delivery.Ack(false); err != nil {
				c.logger.Warn("failed to ack reply", "queue", queue, "error", err)
			}
			if delivery.CorrelationId != correlationID {
				c.logger.Debug("discarding uncorrelated reply",
					"queue", queue,
					"expected", correlationID,
					"got", delivery.CorrelationId,
				)
				continue
			}

			reply, perr := contracts.ParseEnvelope(delivery.Body)
			if perr != nil {
				c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
				return nil, perr
			}

			c.metrics.RPCCompleted(metrics.OutcomeReply, time.Since(start))
			return reply, nil

		case <-timer.C:
			c.metrics.RPCCompleted(metrics.OutcomeTimeout, time.Since(start))
			return nil, &RPCTimeoutError{Queue: queue, CorrelationID: correlationID, Timeout: timeout}

		case <-ctx.Done():
			c.metrics.RPCCompleted(metrics.OutcomeError, time.Since(start))
			return nil, ctx.Err()
		}
	}
}

// PoolReplyTransport opens exclusive, auto-delete, broker-named reply queues
// on the pool's rpc channel.
type PoolReplyTransport struct {
	pool *rabbitmq.ChannelPool
}

// NewPoolReplyTransport creates a reply transport over the pool.
func NewPoolReplyTransport(pool *rabbitmq.ChannelPool) *PoolReplyTransport {
	return &PoolReplyTransport{pool: pool}
}

// OpenReplyQueue implements ReplyTransport.
func (t *PoolReplyTransport) OpenReplyQueue(ctx context.Context) (ReplyQueue, error) {
	ch, err := t.pool.Get(rabbitmq.RPCChannel)
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // broker-assigned name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		t.pool.Invalidate(rabbitmq.RPCChannel)
		return nil, err
	}

	tag := "rpc-" + uuid.New().String()[:8]
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		t.pool.Invalidate(rabbitmq.RPCChannel)
		return nil, err
	}

	return &poolReplyQueue{channel: ch, name: q.Name, tag: tag, deliveries: deliveries}, nil
}

type poolReplyQueue struct {
	channel    *rabbitmq.PooledChannel
	name       string
	tag        string
	deliveries <-chan amqp.Delivery
}

func (q *poolReplyQueue) Name() string {
	return q.name
}

func (q *poolReplyQueue) Deliveries() <-chan amqp.Delivery {
	return q.deliveries
}

// Close cancels the reply subscription; the exclusive auto-delete queue is
// reclaimed by the broker.
func (q *poolReplyQueue) Close() error {
	return q.channel.Cancel(q.tag, false)
}
