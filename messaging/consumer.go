package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/veloxpay/relay-go/contracts"
	"github.com/veloxpay/relay-go/internal/metrics"
	"github.com/veloxpay/relay-go/internal/rabbitmq"
)

// DefaultRedeliveryLimit caps how many times a failing delivery is requeued
// before it is routed to the dead-letter path.
const DefaultRedeliveryLimit = 5

// WireConsumer subscribes raw delivery handlers to queues. Implemented by
// the rabbitmq transport consumer.
type WireConsumer interface {
	Subscribe(ctx context.Context, queue string, prefetch int, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
	ActiveQueues() []string
}

// ConsumeOptions configures one subscription.
type ConsumeOptions struct {
	Prefetch        int
	RedeliveryLimit int
}

// ConsumeOption configures consumption behavior.
type ConsumeOption func(*ConsumeOptions)

// WithConsumePrefetch bounds unacknowledged deliveries on the queue's
// channel.
func WithConsumePrefetch(prefetch int) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Prefetch = prefetch
	}
}

// WithRedeliveryLimit caps requeues of a failing message before it is
// dead-lettered.
func WithRedeliveryLimit(limit int) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.RedeliveryLimit = limit
	}
}

// EnvelopeConsumer subscribes envelope handlers to queues and applies the
// acknowledgment policy:
//
//   - deserialization failure: nack without requeue; the message is
//     structurally invalid and lands in the dead-letter queue
//   - handler success: ack
//   - handler failure: nack with requeue, until the redelivery limit is
//     reached, then nack without requeue so the dead-letter routing takes it
//
// Handler failures are contained per message and never end the
// subscription.
type EnvelopeConsumer struct {
	wire    WireConsumer
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	attempts map[string]int // failed deliveries per queue and message id
}

// EnvelopeConsumerOption configures the consumer.
type EnvelopeConsumerOption func(*EnvelopeConsumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) EnvelopeConsumerOption {
	return func(c *EnvelopeConsumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector.
func WithConsumerMetrics(collector *metrics.Collector) EnvelopeConsumerOption {
	return func(c *EnvelopeConsumer) {
		c.metrics = collector
	}
}

// NewEnvelopeConsumer creates a consumer over the wire transport.
func NewEnvelopeConsumer(wire WireConsumer, options ...EnvelopeConsumerOption) *EnvelopeConsumer {
	c := &EnvelopeConsumer{
		wire:     wire,
		logger:   slog.Default(),
		attempts: make(map[string]int),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume subscribes handler to queue with a bounded prefetch.
func (c *EnvelopeConsumer) Consume(ctx context.Context, queue string, handler Handler, options ...ConsumeOption) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	if handler == nil {
		return ErrNilHandler
	}

	opts := ConsumeOptions{
		Prefetch:        rabbitmq.DefaultPrefetch,
		RedeliveryLimit: DefaultRedeliveryLimit,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.RedeliveryLimit < 1 {
		opts.RedeliveryLimit = 1
	}

	return c.wire.Subscribe(ctx, queue, opts.Prefetch, func(ctx context.Context, delivery amqp.Delivery) {
		c.handleDelivery(ctx, queue, delivery, handler, opts.RedeliveryLimit)
	})
}

// handleDelivery applies the acknowledgment policy to one delivery.
func (c *EnvelopeConsumer) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler Handler, limit int) {
	env, err := contracts.ParseEnvelope(delivery.Body)
	if err != nil {
		// Structurally invalid; retrying will not help.
		c.logger.Warn("discarding malformed message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err,
		)
		c.nack(queue, delivery, false, metrics.OutcomeDeadLetter)
		return
	}

	if err := c.invoke(ctx, handler, env); err != nil {
		failures := c.recordFailure(queue, env.ID)
		if failures >= limit {
			c.logger.Error("redelivery limit reached, dead-lettering message",
				"queue", queue,
				"messageId", env.ID,
				"messageType", env.Type,
				"failures", failures,
				"error", err,
			)
			c.clearFailures(queue, env.ID)
			c.nack(queue, delivery, false, metrics.OutcomeDeadLetter)
			return
		}

		c.logger.Warn("handler failed, requeueing message",
			"queue", queue,
			"messageId", env.ID,
			"messageType", env.Type,
			"failures", failures,
			"error", err,
		)
		c.nack(queue, delivery, true, metrics.OutcomeRequeue)
		return
	}

	c.clearFailures(queue, env.ID)
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "queue", queue, "messageId", env.ID, "error", ackErr)
		return
	}
	c.metrics.Consumed(queue, metrics.OutcomeAck)
}

// invoke runs the handler, converting a panic into an error so one message
// can never take the subscription down.
func (c *EnvelopeConsumer) invoke(ctx context.Context, handler Handler, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (c *EnvelopeConsumer) nack(queue string, delivery amqp.Delivery, requeue bool, outcome string) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("failed to nack message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"requeue", requeue,
			"error", err,
		)
		return
	}
	c.metrics.Consumed(queue, outcome)
}

func (c *EnvelopeConsumer) recordFailure(queue, messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := queue + "\x00" + messageID
	c.attempts[key]++
	return c.attempts[key]
}

func (c *EnvelopeConsumer) clearFailures(queue, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, queue+"\x00"+messageID)
}

// Stop ends the subscription for queue and drops its redelivery counters.
func (c *EnvelopeConsumer) Stop(queue string) error {
	err := c.wire.Unsubscribe(queue)
	c.clearQueue(queue)
	return err
}

// StopAll ends every active subscription, in parallel.
func (c *EnvelopeConsumer) StopAll() error {
	g := new(errgroup.Group)
	for _, queue := range c.wire.ActiveQueues() {
		queue := queue
		g.Go(func() error {
			return c.Stop(queue)
		})
	}
	return g.Wait()
}

// clearQueue forgets the failure counts of a stopped queue so they cannot
// accumulate across subscriptions.
func (c *EnvelopeConsumer) clearQueue(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := queue + "\x00"
	for key := range c.attempts {
		if strings.HasPrefix(key, prefix) {
			delete(c.attempts, key)
		}
	}
}
