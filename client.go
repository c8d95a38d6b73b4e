// Package relay is an asynchronous messaging client for RabbitMQ. It wraps
// connection management, topology declaration, envelope publishing and
// consuming, and request/reply into one explicitly constructed client: no
// global state, and no hidden reconnect loops. Reconnection is driven by a
// supervisor the client starts on Connect.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/veloxpay/relay-go/contracts"
	"github.com/veloxpay/relay-go/health"
	"github.com/veloxpay/relay-go/internal/metrics"
	"github.com/veloxpay/relay-go/internal/rabbitmq"
	"github.com/veloxpay/relay-go/internal/reliability"
	"github.com/veloxpay/relay-go/messaging"
)

// Client is the entry point. Construct it with NewClient, declare topology,
// then publish, consume and call.
type Client struct {
	conn       *rabbitmq.Connection
	pool       *rabbitmq.ChannelPool
	topology   *rabbitmq.TopologyManager
	publisher  *messaging.EnvelopePublisher
	consumer   *messaging.EnvelopeConsumer
	rpc        *messaging.RPCClient
	supervisor *messaging.ReconnectSupervisor
	logger     *slog.Logger

	superviseCancel context.CancelFunc
	superviseOnce   sync.Once
	closeOnce       sync.Once
	closeErr        error
}

type clientConfig struct {
	logger         *slog.Logger
	registerer     prometheus.Registerer
	connectTimeout time.Duration
	dial           rabbitmq.DialFunc

	reconnectInitial  time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int
}

// Option configures the client.
type Option func(*clientConfig)

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics registers the client's metrics on reg. Without this option no
// metrics are collected.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithReconnectBackoff tunes the supervised reconnect loop: the first delay,
// the cap it grows toward, and how many attempts are made per disconnect.
func WithReconnectBackoff(initial, max time.Duration, maxAttempts int) Option {
	return func(cfg *clientConfig) {
		cfg.reconnectInitial = initial
		cfg.reconnectMax = max
		cfg.reconnectAttempts = maxAttempts
	}
}

// WithDialFunc overrides how the broker connection is dialed.
func WithDialFunc(dial func(url string) (*amqp.Connection, error)) Option {
	return func(cfg *clientConfig) {
		cfg.dial = dial
	}
}

// NewClient creates a client for the broker at url. It does not connect;
// call Connect.
func NewClient(url string, options ...Option) (*Client, error) {
	cfg := &clientConfig{
		logger:            slog.Default(),
		connectTimeout:    30 * time.Second,
		reconnectInitial:  time.Second,
		reconnectMax:      time.Minute,
		reconnectAttempts: 10,
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithConnectTimeout(cfg.connectTimeout),
	}
	if cfg.dial != nil {
		connOpts = append(connOpts, rabbitmq.WithDialFunc(cfg.dial))
	}

	conn, err := rabbitmq.NewConnection(url, connOpts...)
	if err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(conn, rabbitmq.WithPoolLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.registerer != nil {
		collector = metrics.NewCollector(cfg.registerer)
	}

	publisher := messaging.NewEnvelopePublisher(
		rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(cfg.logger)),
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherMetrics(collector),
	)
	consumer := messaging.NewEnvelopeConsumer(
		rabbitmq.NewConsumer(pool, rabbitmq.WithConsumerLogger(cfg.logger)),
		messaging.WithConsumerLogger(cfg.logger),
		messaging.WithConsumerMetrics(collector),
	)
	rpc := messaging.NewRPCClient(
		publisher,
		messaging.NewPoolReplyTransport(pool),
		messaging.WithRPCLogger(cfg.logger),
		messaging.WithRPCMetrics(collector),
	)
	supervisor := messaging.NewReconnectSupervisor(pool,
		messaging.WithSupervisorLogger(cfg.logger),
		messaging.WithSupervisorPolicy(reliability.NewExponentialBackoff(
			cfg.reconnectInitial, cfg.reconnectMax, 2.0, cfg.reconnectAttempts,
		)),
	)
	conn.AddStateListener(supervisor)

	return &Client{
		conn:       conn,
		pool:       pool,
		topology:   rabbitmq.NewTopologyManager(pool, rabbitmq.WithTopologyLogger(cfg.logger)),
		publisher:  publisher,
		consumer:   consumer,
		rpc:        rpc,
		supervisor: supervisor,
		logger:     cfg.logger,
	}, nil
}

// Connect dials the broker and starts the reconnect supervisor.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	c.superviseOnce.Do(func() {
		superviseCtx, cancel := context.WithCancel(context.Background())
		c.superviseCancel = cancel
		c.supervisor.Start(superviseCtx)
	})
	return nil
}

// DeclareTopology declares the exchanges, queues and bindings in d, plus the
// shared dead-letter infrastructure.
func (c *Client) DeclareTopology(ctx context.Context, d rabbitmq.Descriptor) error {
	return c.topology.DeclareTopology(ctx, d)
}

// Publish sends env to exchange with routingKey. It reports (false, nil)
// when the broker signalled backpressure; retry with
// messaging.PublishWithRetry if the message must go out.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) (bool, error) {
	return c.publisher.PublishToExchange(ctx, exchange, routingKey, env)
}

// Publisher returns the envelope publisher.
func (c *Client) Publisher() *messaging.EnvelopePublisher {
	return c.publisher
}

// Consumer returns the envelope consumer.
func (c *Client) Consumer() *messaging.EnvelopeConsumer {
	return c.consumer
}

// RPC returns the request/reply client.
func (c *Client) RPC() *messaging.RPCClient {
	return c.rpc
}

// RPCServer creates a responder that serves requests over this client.
func (c *Client) RPCServer() *messaging.RPCServer {
	return messaging.NewRPCServer(c.publisher, c.consumer,
		messaging.WithRPCServerLogger(c.logger),
	)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Health checks the broker connection and each named queue.
func (c *Client) Health(ctx context.Context, queues ...string) []health.CheckResult {
	reg := health.NewRegistry()
	reg.Register(health.NewConnectionChecker(c.conn))
	for _, q := range queues {
		reg.Register(health.NewQueueChecker(q, c.pool))
	}
	return reg.Run(ctx)
}

// Close stops consuming, the supervisor, and the connection. It is
// idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		g := new(errgroup.Group)
		g.Go(c.consumer.StopAll)

		if c.superviseCancel != nil {
			c.superviseCancel()
		}
		c.supervisor.Stop()

		stopErr := g.Wait()
		if err := c.pool.CloseAll(); err != nil && stopErr == nil {
			stopErr = err
		}
		if err := c.conn.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
		c.closeErr = stopErr
	})
	return c.closeErr
}
