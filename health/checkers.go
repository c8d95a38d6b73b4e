package health

import (
	"context"
	"fmt"
	"time"

	"github.com/veloxpay/relay-go/internal/rabbitmq"
)

// ConnectionChecker reports whether the broker connection is up and can
// still open channels.
type ConnectionChecker struct {
	conn *rabbitmq.Connection
}

// NewConnectionChecker creates a checker for conn.
func NewConnectionChecker(conn *rabbitmq.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

// Check verifies the connection state and that a channel can be opened. A
// connection that reports connected but refuses channels is unhealthy: it
// will fail the next publish.
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "connected"
	result.Duration = time.Since(start)
	return result
}

// QueueChecker reports whether a queue exists and how loaded it is.
type QueueChecker struct {
	queue          string
	pool           *rabbitmq.ChannelPool
	depthThreshold int
}

// QueueCheckerOption configures the checker.
type QueueCheckerOption func(*QueueChecker)

// WithDepthThreshold marks the queue degraded when its backlog exceeds n
// messages. Default 10000.
func WithDepthThreshold(n int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.depthThreshold = n
	}
}

// NewQueueChecker creates a checker for queue over the pool.
func NewQueueChecker(queue string, pool *rabbitmq.ChannelPool, options ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{
		queue:          queue,
		pool:           pool,
		depthThreshold: 10000,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.pool.Get(rabbitmq.TopologyChannel)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	q, err := ch.QueueInspect(c.queue)
	if err != nil {
		// A passive inspect on a missing queue closes the channel.
		c.pool.Invalidate(rabbitmq.TopologyChannel)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %q not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["messages"] = q.Messages
	result.Details["consumers"] = q.Consumers

	if q.Messages > c.depthThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %q backlog is high", c.queue)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("queue %q is accessible", c.queue)
	}

	result.Duration = time.Since(start)
	return result
}
