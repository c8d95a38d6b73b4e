// Package metrics exposes Prometheus instrumentation for the messaging
// client. A nil *Collector is valid and records nothing, so instrumentation
// stays optional for every component.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Consume outcomes.
const (
	OutcomeAck        = "ack"
	OutcomeRequeue    = "requeue"
	OutcomeDeadLetter = "dead_letter"
)

// RPC outcomes.
const (
	OutcomeReply   = "reply"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Collector holds the relay metric families.
type Collector struct {
	published       *prometheus.CounterVec
	publishRejected *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	rpcCalls        *prometheus.CounterVec
	rpcDuration     prometheus.Histogram
}

// NewCollector creates and registers the relay metrics with reg. Passing
// prometheus.DefaultRegisterer wires them into the process default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_published_total",
			Help:      "Messages accepted by the broker, by exchange.",
		}, []string{"exchange"}),
		publishRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "publish_rejected_total",
			Help:      "Publishes rejected by broker flow control, by exchange.",
		}, []string{"exchange"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_consumed_total",
			Help:      "Deliveries processed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rpc_calls_total",
			Help:      "RPC calls, by outcome.",
		}, []string{"outcome"}),
		rpcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "rpc_duration_seconds",
			Help:      "RPC round-trip duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(c.published, c.publishRejected, c.consumed, c.rpcCalls, c.rpcDuration)
	return c
}

// PublishAccepted counts a publish the broker accepted.
func (c *Collector) PublishAccepted(exchange string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(exchangeLabel(exchange)).Inc()
}

// PublishRejected counts a publish rejected by flow control.
func (c *Collector) PublishRejected(exchange string) {
	if c == nil {
		return
	}
	c.publishRejected.WithLabelValues(exchangeLabel(exchange)).Inc()
}

// Consumed counts a processed delivery with its acknowledgment outcome.
func (c *Collector) Consumed(queue, outcome string) {
	if c == nil {
		return
	}
	c.consumed.WithLabelValues(queue, outcome).Inc()
}

// RPCCompleted counts an RPC call and records its duration.
func (c *Collector) RPCCompleted(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.rpcCalls.WithLabelValues(outcome).Inc()
	c.rpcDuration.Observe(elapsed.Seconds())
}

// exchangeLabel keeps the default exchange addressable in label values.
func exchangeLabel(exchange string) string {
	if exchange == "" {
		return "(default)"
	}
	return exchange
}
