package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/veloxpay/relay-go/contracts"
	"github.com/veloxpay/relay-go/internal/metrics"
)

// WirePublisher writes a prepared AMQP message to the broker. Implemented by
// the rabbitmq transport publisher.
type WirePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error)
}

// EnvelopePublisher maps envelopes onto persistent broker messages. The
// broker-level message id, timestamp and type are always stamped from the
// envelope so consumers and operators see the same identity on both layers.
type EnvelopePublisher struct {
	wire    WirePublisher
	logger  *slog.Logger
	metrics *metrics.Collector
}

// EnvelopePublisherOption configures the publisher.
type EnvelopePublisherOption func(*EnvelopePublisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) EnvelopePublisherOption {
	return func(p *EnvelopePublisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector.
func WithPublisherMetrics(collector *metrics.Collector) EnvelopePublisherOption {
	return func(p *EnvelopePublisher) {
		p.metrics = collector
	}
}

// NewEnvelopePublisher creates a publisher over the wire transport.
func NewEnvelopePublisher(wire WirePublisher, options ...EnvelopePublisherOption) *EnvelopePublisher {
	p := &EnvelopePublisher{
		wire:   wire,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishToExchange sends env to exchange with routingKey. It returns
// (false, nil) when the broker signalled backpressure.
func (p *EnvelopePublisher) PublishToExchange(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) (bool, error) {
	if err := env.Validate(); err != nil {
		return false, err
	}

	msg, err := toPublishing(env)
	if err != nil {
		return false, err
	}

	accepted, err := p.wire.Publish(ctx, exchange, routingKey, msg)
	if err != nil {
		p.logger.Error("publish failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return false, err
	}

	if !accepted {
		p.metrics.PublishRejected(exchange)
		p.logger.Debug("publish rejected by backpressure",
			"messageId", env.ID,
			"exchange", exchange,
			"routingKey", routingKey,
		)
		return false, nil
	}

	p.metrics.PublishAccepted(exchange)
	p.logger.Debug("message published",
		"messageId", env.ID,
		"messageType", env.Type,
		"exchange", exchange,
		"routingKey", routingKey,
	)
	return true, nil
}

// PublishToQueue sends env directly to a queue through the default exchange.
func (p *EnvelopePublisher) PublishToQueue(ctx context.Context, queue string, env *contracts.Envelope) (bool, error) {
	if queue == "" {
		return false, ErrEmptyQueue
	}
	return p.PublishToExchange(ctx, "", queue, env)
}

// toPublishing serializes an envelope into a persistent AMQP message with
// broker metadata stamped from the envelope.
func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("messaging: failed to serialize envelope %s: %w", env.ID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Type,
		Timestamp:    time.UnixMilli(env.Timestamp),
		Body:         body,
	}

	meta := env.Meta()
	msg.CorrelationId = meta.CorrelationID
	msg.ReplyTo = meta.ReplyTo
	msg.Priority = meta.Priority
	if meta.TTL > 0 {
		msg.Expiration = strconv.FormatInt(meta.TTL, 10)
	}

	return msg, nil
}
