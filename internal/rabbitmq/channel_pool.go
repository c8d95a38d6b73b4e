package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Well-known logical channel names.
const (
	PublisherChannel = "publisher"
	RPCChannel       = "rpc"
	TopologyChannel  = "topology"
)

// ConsumerChannel returns the logical channel name dedicated to a queue's
// consumer.
func ConsumerChannel(queue string) string {
	return "consumer:" + queue
}

// PooledChannel wraps an AMQP channel with its logical name and the broker
// flow state observed on it.
type PooledChannel struct {
	*amqp.Channel
	name   string
	mu     sync.RWMutex
	paused bool
}

// Name returns the logical channel name.
func (pc *PooledChannel) Name() string {
	return pc.name
}

// FlowPaused reports whether the broker has paused flow on this channel,
// i.e. its internal buffer is full and further writes should be rejected as
// backpressure rather than attempted.
func (pc *PooledChannel) FlowPaused() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.paused
}

func (pc *PooledChannel) setPaused(paused bool) {
	pc.mu.Lock()
	pc.paused = paused
	pc.mu.Unlock()
}

// ChannelPool multiplexes named logical channels over one shared connection.
// Channels are created lazily on first use, cached for the process lifetime
// and recreated when a failure is detected. The channel map is the only
// shared mutable state: lookups and misses run under a single mutex so two
// concurrent lookups can never race into creating two channels for the same
// name.
type ChannelPool struct {
	conn   *Connection
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*PooledChannel
	closed   bool
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool over the given connection.
func NewChannelPool(conn *Connection, options ...ChannelPoolOption) (*ChannelPool, error) {
	if conn == nil {
		return nil, ErrInvalidConfiguration
	}

	cp := &ChannelPool{
		conn:     conn,
		logger:   slog.Default(),
		channels: make(map[string]*PooledChannel),
	}

	for _, opt := range options {
		opt(cp)
	}

	return cp, nil
}

// Get returns the cached channel for name, opening one if necessary.
func (cp *ChannelPool) Get(name string) (*PooledChannel, error) {
	return cp.get(name, 0)
}

// GetWithPrefetch returns the cached channel for name, opening it with the
// given prefetch limit if necessary. The prefetch bounds how many
// unacknowledged messages the broker delivers to this channel at once; it is
// the sole concurrency throttle for consumers sharing the channel.
func (cp *ChannelPool) GetWithPrefetch(name string, prefetch int) (*PooledChannel, error) {
	return cp.get(name, prefetch)
}

func (cp *ChannelPool) get(name string, prefetch int) (*PooledChannel, error) {
	if name == "" {
		return nil, &ChannelError{Op: "get", Name: name, Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, ErrPoolClosed
	}

	if pc, ok := cp.channels[name]; ok && !pc.IsClosed() {
		return pc, nil
	}

	pc, err := cp.open(name, prefetch)
	if err != nil {
		return nil, err
	}
	cp.channels[name] = pc
	return pc, nil
}

// open creates a channel over the shared connection. Callers hold cp.mu.
func (cp *ChannelPool) open(name string, prefetch int) (*PooledChannel, error) {
	ch, err := cp.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Name: name, Err: err, Timestamp: time.Now()}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "set prefetch", Name: name, Err: err, Timestamp: time.Now()}
		}
	}

	pc := &PooledChannel{Channel: ch, name: name}

	flow := ch.NotifyFlow(make(chan bool, 1))
	go func() {
		for active := range flow {
			pc.setPaused(!active)
		}
	}()

	cp.logger.Debug("channel opened", "name", name, "prefetch", prefetch)
	return pc, nil
}

// Invalidate drops the cached channel for name so the next Get opens a fresh
// one. Used when a caller detects a channel-level failure.
func (cp *ChannelPool) Invalidate(name string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if pc, ok := cp.channels[name]; ok {
		if !pc.IsClosed() {
			pc.Channel.Close()
		}
		delete(cp.channels, name)
	}
}

// IsConnected reports whether the underlying connection is usable.
func (cp *ChannelPool) IsConnected() bool {
	return cp.conn.IsConnected()
}

// Reconnect drops every cached channel and re-establishes the underlying
// connection. It performs a single attempt: retry policy belongs to the
// supervising caller.
func (cp *ChannelPool) Reconnect(ctx context.Context) error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return ErrPoolClosed
	}
	for name, pc := range cp.channels {
		if !pc.IsClosed() {
			pc.Channel.Close()
		}
		delete(cp.channels, name)
	}
	cp.mu.Unlock()

	return cp.conn.Reconnect(ctx)
}

// CloseAll closes every channel and the underlying connection. The pool is
// unusable afterwards.
func (cp *ChannelPool) CloseAll() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true

	for name, pc := range cp.channels {
		if !pc.IsClosed() {
			if err := pc.Channel.Close(); err != nil {
				cp.logger.Warn("failed to close channel", "name", name, "error", err)
			}
		}
		delete(cp.channels, name)
	}
	cp.mu.Unlock()

	return cp.conn.Close()
}

// Size returns the number of cached channels.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.channels)
}

// String identifies the pool in logs.
func (cp *ChannelPool) String() string {
	return fmt.Sprintf("ChannelPool(%d channels)", cp.Size())
}
