package messaging

import (
	"context"
	"log/slog"

	"github.com/veloxpay/relay-go/contracts"
)

// RequestHandler processes one RPC request and returns the reply envelope.
// Returning an error requeues the request under the consumer's redelivery
// policy. A nil reply acknowledges the request without answering.
type RequestHandler func(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error)

// RPCServer consumes requests from a queue and publishes correlated replies
// to each request's reply queue.
type RPCServer struct {
	publisher Publisher
	consumer  Consumer
	logger    *slog.Logger
}

// RPCServerOption configures the server.
type RPCServerOption func(*RPCServer)

// WithRPCServerLogger sets the logger.
func WithRPCServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = logger
	}
}

// NewRPCServer creates an RPC responder.
func NewRPCServer(publisher Publisher, consumer Consumer, options ...RPCServerOption) *RPCServer {
	s := &RPCServer{
		publisher: publisher,
		consumer:  consumer,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Serve subscribes handler to queue. Each reply inherits the request's
// correlation ID (falling back to the request ID) and is published directly
// to the request's replyTo queue.
func (s *RPCServer) Serve(ctx context.Context, queue string, handler RequestHandler, options ...ConsumeOption) error {
	if handler == nil {
		return ErrNilHandler
	}

	return s.consumer.Consume(ctx, queue, func(ctx context.Context, request *contracts.Envelope) error {
		meta := request.Meta()
		if meta.ReplyTo == "" {
			// Not an RPC request; nothing to answer.
			s.logger.Warn("request without replyTo, acknowledging",
				"queue", queue,
				"messageId", request.ID,
			)
			return nil
		}

		reply, err := handler(ctx, request)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}

		correlationID := meta.CorrelationID
		if correlationID == "" {
			correlationID = request.ID
		}

		accepted, err := s.publisher.PublishToQueue(ctx, meta.ReplyTo, reply.WithCorrelationID(correlationID))
		if err != nil {
			return err
		}
		if !accepted {
			return ErrReplyNotAccepted
		}
		return nil
	}, options...)
}

// Stop ends the subscription for queue.
func (s *RPCServer) Stop(queue string) error {
	return s.consumer.Stop(queue)
}
