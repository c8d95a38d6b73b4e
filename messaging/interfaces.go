package messaging

import (
	"context"

	"github.com/veloxpay/relay-go/contracts"
)

// Publisher sends envelopes to the broker. accepted=false signals
// backpressure: not an error, the caller decides whether to retry, buffer or
// drop.
type Publisher interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) (accepted bool, err error)
	PublishToQueue(ctx context.Context, queue string, env *contracts.Envelope) (accepted bool, err error)
}

// Handler processes one consumed envelope. Returning nil acknowledges the
// message; returning an error requeues it for redelivery.
type Handler func(ctx context.Context, env *contracts.Envelope) error

// Consumer subscribes envelope handlers to queues.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler Handler, options ...ConsumeOption) error
	Stop(queue string) error
	StopAll() error
}
