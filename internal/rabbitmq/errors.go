package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")
	ErrPoolClosed    = errors.New("rabbitmq: channel pool is closed")

	// Consumer errors
	ErrAlreadySubscribed = errors.New("rabbitmq: queue already has an active subscription")
	ErrNotSubscribed     = errors.New("rabbitmq: no active subscription for queue")

	// Topology errors
	ErrTopologyConflict = errors.New("rabbitmq: entity redeclared with conflicting arguments")
	ErrInvalidTopology  = errors.New("rabbitmq: invalid topology descriptor")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-level failure. It is fatal to the
// calling operation and recoverable only by an external Reconnect.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure on a named logical channel.
type ChannelError struct {
	Op        string
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %q: %v", e.Op, e.Name, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a subscription-level failure. Per-message
// handler failures are contained by the consuming layer and never surface
// here.
type ConsumerError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a configuration-level declaration failure. It is
// fatal and never retried automatically: a conflicting redeclaration or an
// unreachable transport at declare time indicates a deployment bug.
type TopologyError struct {
	Kind      string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v", e.Op, e.Kind, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an operation that failed with err may succeed
// when retried. Topology and configuration failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidTopology),
		errors.Is(err, ErrTopologyConflict),
		errors.Is(err, ErrPoolClosed):
		return false
	}

	var topoErr *TopologyError
	return !errors.As(err, &topoErr)
}

// isPreconditionFailed reports whether err is the broker's answer to an
// entity redeclared with conflicting arguments.
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// SanitizeURL strips credentials from a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
