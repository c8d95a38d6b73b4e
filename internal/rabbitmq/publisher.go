package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher writes messages to the broker over the pool's publisher channel.
// A publish that the broker cannot currently buffer is reported as not
// accepted rather than as an error: backpressure is the caller's decision to
// retry, buffer or drop.
type Publisher struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish writes msg to exchange with routingKey. It returns (false, nil)
// when the broker has paused flow on the channel, and an error only when the
// channel is unusable. No local state is retained.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	ch, err := p.pool.Get(PublisherChannel)
	if err != nil {
		return false, &ConnectionError{Op: "publish", Err: err, Timestamp: time.Now()}
	}

	if ch.FlowPaused() {
		p.logger.Debug("publish rejected by flow control",
			"exchange", exchange,
			"routingKey", routingKey,
		)
		return false, nil
	}

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		p.pool.Invalidate(PublisherChannel)
		return false, &ChannelError{Op: "publish", Name: PublisherChannel, Err: err, Timestamp: time.Now()}
	}

	return true, nil
}

// PublishToQueue writes msg directly to a queue through the default
// exchange.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, msg amqp.Publishing) (bool, error) {
	return p.Publish(ctx, "", queue, msg)
}
