package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one raw delivery. Acknowledgment is the
// handler's responsibility.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// DefaultPrefetch bounds unacknowledged deliveries per consuming channel.
const DefaultPrefetch = 10

// Consumer subscribes delivery handlers to queues. Every queue consumes on
// its own dedicated channel, so queues proceed concurrently and
// independently while each stays bounded by its channel's prefetch.
type Consumer struct {
	pool     *ChannelPool
	prefetch int
	logger   *slog.Logger

	subscriptions sync.Map // queue -> *subscription
}

type subscription struct {
	queue  string
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the per-channel prefetch limit.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = prefetch
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:     pool,
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue on a dedicated channel, invoking handler
// for every delivery, message by message. prefetch overrides the consumer
// default when positive.
func (c *Consumer) Subscribe(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error {
	if queue == "" || handler == nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}
	if _, active := c.subscriptions.Load(queue); active {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadySubscribed, Timestamp: time.Now()}
	}

	if prefetch <= 0 {
		prefetch = c.prefetch
	}

	ch, err := c.pool.GetWithPrefetch(ConsumerChannel(queue), prefetch)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	tag := "relay-" + uuid.New().String()[:8]
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Invalidate(ch.Name())
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:  queue,
		tag:    tag,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subscriptions.Store(queue, sub)

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetch", prefetch,
	)
	return nil
}

// run dispatches deliveries until the subscription is cancelled or the
// delivery stream closes.
func (c *Consumer) run(ctx context.Context, sub *subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		c.subscriptions.Delete(sub.queue)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(sub.tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", sub.queue, "error", err)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Unsubscribe stops consuming from queue and waits for its dispatch loop to
// exit.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.subscriptions.Load(queue)
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrNotSubscribed, Timestamp: time.Now()}
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// ActiveQueues returns the queues with an active subscription.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.subscriptions.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
