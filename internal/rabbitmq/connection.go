package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StateListener receives connection state change notifications. Listeners
// are registered at construction and invoked synchronously, in registration
// order, so state transitions are observed before any dependent operation
// proceeds.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// DialFunc opens an AMQP connection. It exists so tests can substitute the
// network dial.
type DialFunc func(url string) (*amqp.Connection, error)

// Connection owns a single broker connection with an explicit lifecycle.
// It never reconnects on its own: a detected failure only flips the
// connection into the disconnected state, and recovery happens when an
// external supervisor calls Reconnect.
type Connection struct {
	url            string
	connectTimeout time.Duration
	dial           DialFunc
	discard        func(*amqp.Connection) // closes a connection that lost the dial race
	logger         *slog.Logger
	listeners      []StateListener

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closed    bool
	epoch     int
}

// ConnectionOption configures the Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithConnectTimeout bounds how long a single dial may take.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.connectTimeout = timeout
	}
}

// WithStateListener registers a connection state listener.
func WithStateListener(listener StateListener) ConnectionOption {
	return func(c *Connection) {
		c.listeners = append(c.listeners, listener)
	}
}

// WithDialFunc overrides the AMQP dial function.
func WithDialFunc(dial DialFunc) ConnectionOption {
	return func(c *Connection) {
		c.dial = dial
	}
}

// NewConnection creates an unconnected Connection for the given broker URL.
func NewConnection(url string, options ...ConnectionOption) (*Connection, error) {
	if url == "" {
		return nil, ErrInvalidConfiguration
	}

	c := &Connection{
		url:            url,
		connectTimeout: 30 * time.Second,
		dial:           amqp.Dial,
		discard:        func(conn *amqp.Connection) { conn.Close() },
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Connect establishes the connection. Calling Connect on an already
// connected instance is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	err := c.connectLocked(ctx)
	c.mu.Unlock()

	if err == nil {
		c.notifyConnected()
	}
	return err
}

// Reconnect tears down any stale connection and dials again. It performs a
// single attempt; backoff between attempts belongs to the caller.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	c.conn = nil
	c.connected = false

	err := c.connectLocked(ctx)
	c.mu.Unlock()

	if err == nil {
		c.notifyConnected()
	}
	return err
}

// connectLocked dials the broker. Callers hold c.mu.
func (c *Connection) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := c.dial(c.url)
		if err != nil {
			errChan <- err
			return
		}
		// A dial that outlives the deadline loses the race below; its
		// connection must be closed, not abandoned with heartbeats running.
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			c.discard(conn)
		}
	}()

	select {
	case conn := <-connChan:
		c.conn = conn
		c.connected = true
		c.epoch++

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		go c.watch(c.epoch, notifyClose)

		c.logger.Info("connected to broker", "url", SanitizeURL(c.url))
		return nil

	case err := <-errChan:
		return &ConnectionError{Op: "connect", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}

	case <-dialCtx.Done():
		err := dialCtx.Err()
		if ctx.Err() == nil {
			err = ErrConnectionTimeout
		}
		return &ConnectionError{Op: "connect", URL: SanitizeURL(c.url), Err: err, Timestamp: time.Now()}
	}
}

// watch marks the connection disconnected when the broker closes it. One
// watcher runs per successful dial; the epoch guards against a stale watcher
// clobbering the state of a newer connection.
func (c *Connection) watch(epoch int, notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok {
		// Orderly local Close.
		return
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	c.logger.Error("connection lost", "url", SanitizeURL(c.url), "error", amqpErr)
	c.notifyDisconnected(amqpErr)
}

// Channel opens a raw channel over the current connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn.Channel()
}

// IsConnected reports the current connection state.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// Close shuts the connection down permanently.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// AddStateListener registers a listener after construction.
func (c *Connection) AddStateListener(listener StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *Connection) notifyConnected() {
	for _, l := range c.snapshotListeners() {
		l.OnConnected()
	}
}

func (c *Connection) notifyDisconnected(err error) {
	for _, l := range c.snapshotListeners() {
		l.OnDisconnected(err)
	}
}

func (c *Connection) snapshotListeners() []StateListener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]StateListener(nil), c.listeners...)
}
