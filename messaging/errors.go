package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyQueue is returned when an operation names no queue.
	ErrEmptyQueue = errors.New("messaging: queue name is empty")

	// ErrNilHandler is returned when a subscription has no handler.
	ErrNilHandler = errors.New("messaging: handler is nil")

	// ErrRequestNotAccepted is returned when the broker rejected an RPC
	// request with backpressure. The call was never in flight and may be
	// retried.
	ErrRequestNotAccepted = errors.New("messaging: rpc request not accepted by broker")

	// ErrReplyNotAccepted is returned by a responder when the reply publish
	// was rejected with backpressure.
	ErrReplyNotAccepted = errors.New("messaging: rpc reply not accepted by broker")

	// ErrReplyQueueClosed is returned when the reply subscription ends
	// before a matching reply or the deadline.
	ErrReplyQueueClosed = errors.New("messaging: reply queue closed")
)

// RPCTimeoutError is the expected outcome of an RPC race lost to the
// deadline. It is not a defect: callers treat it as an ordinary result.
type RPCTimeoutError struct {
	Queue         string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("messaging: rpc call to %q timed out after %v (correlationId=%s)",
		e.Queue, e.Timeout, e.CorrelationID)
}
