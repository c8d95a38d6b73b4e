package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing behavior of an exchange.
type ExchangeKind string

const (
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeFanout ExchangeKind = "fanout"
	ExchangeDirect ExchangeKind = "direct"
)

// Dead-letter routing shared by every queue declared through the topology
// manager, plus the per-queue defaults inherited with it.
const (
	DeadLetterExchange = "dead-letter"
	DeadLetterQueue    = "dead-letter-queue"

	DefaultMessageTTL  = 24 * time.Hour
	DefaultMaxPriority = 10
)

// Exchange describes a named exchange to declare.
type Exchange struct {
	Name string
	Kind ExchangeKind
}

// Queue describes a durable queue to declare. Zero values inherit the
// defaults: the shared dead-letter exchange, a 24h message TTL and a max
// priority of 10.
type Queue struct {
	Name               string
	DeadLetterExchange string
	MessageTTL         time.Duration
	MaxPriority        uint8
}

// normalized returns the queue with defaults applied.
func (q Queue) normalized() Queue {
	if q.DeadLetterExchange == "" {
		q.DeadLetterExchange = DeadLetterExchange
	}
	if q.MessageTTL == 0 {
		q.MessageTTL = DefaultMessageTTL
	}
	if q.MaxPriority == 0 {
		q.MaxPriority = DefaultMaxPriority
	}
	return q
}

// arguments returns the broker declaration arguments for the queue.
func (q Queue) arguments() amqp.Table {
	n := q.normalized()
	return amqp.Table{
		"x-dead-letter-exchange": n.DeadLetterExchange,
		"x-message-ttl":          n.MessageTTL.Milliseconds(),
		"x-max-priority":         int32(n.MaxPriority),
	}
}

// Binding routes messages from an exchange to a queue.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Descriptor is the static description of the complete messaging topology.
type Descriptor struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// Validate checks the descriptor locally. Declaring the same named entity
// twice with identical arguments is tolerated and deduplicated; declaring it
// with conflicting arguments is a configuration error.
func (d Descriptor) Validate() error {
	exchanges := make(map[string]Exchange, len(d.Exchanges))
	for _, ex := range d.Exchanges {
		if ex.Name == "" {
			return &TopologyError{Kind: "exchange", Op: "validate", Err: ErrInvalidTopology, Timestamp: time.Now()}
		}
		switch ex.Kind {
		case ExchangeTopic, ExchangeFanout, ExchangeDirect:
		default:
			return &TopologyError{Kind: "exchange", Name: ex.Name, Op: "validate",
				Err: fmt.Errorf("%w: unknown exchange kind %q", ErrInvalidTopology, ex.Kind), Timestamp: time.Now()}
		}
		if prev, ok := exchanges[ex.Name]; ok && prev != ex {
			return &TopologyError{Kind: "exchange", Name: ex.Name, Op: "validate", Err: ErrTopologyConflict, Timestamp: time.Now()}
		}
		exchanges[ex.Name] = ex
	}

	queues := make(map[string]Queue, len(d.Queues))
	for _, q := range d.Queues {
		if q.Name == "" {
			return &TopologyError{Kind: "queue", Op: "validate", Err: ErrInvalidTopology, Timestamp: time.Now()}
		}
		n := q.normalized()
		if prev, ok := queues[q.Name]; ok && prev != n {
			return &TopologyError{Kind: "queue", Name: q.Name, Op: "validate", Err: ErrTopologyConflict, Timestamp: time.Now()}
		}
		queues[q.Name] = n
	}

	for _, b := range d.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return &TopologyError{Kind: "binding", Name: b.Queue, Op: "validate", Err: ErrInvalidTopology, Timestamp: time.Now()}
		}
	}

	return nil
}

// deduplicated returns a copy of the descriptor with repeated identical
// entities collapsed, preserving first-seen order. Validate must have
// passed.
func (d Descriptor) deduplicated() Descriptor {
	out := Descriptor{}
	seenEx := make(map[string]bool, len(d.Exchanges))
	for _, ex := range d.Exchanges {
		if !seenEx[ex.Name] {
			seenEx[ex.Name] = true
			out.Exchanges = append(out.Exchanges, ex)
		}
	}
	seenQ := make(map[string]bool, len(d.Queues))
	for _, q := range d.Queues {
		if !seenQ[q.Name] {
			seenQ[q.Name] = true
			out.Queues = append(out.Queues, q)
		}
	}
	seenB := make(map[Binding]bool, len(d.Bindings))
	for _, b := range d.Bindings {
		if !seenB[b] {
			seenB[b] = true
			out.Bindings = append(out.Bindings, b)
		}
	}
	return out
}

// TopologyManager declares exchanges, queues and bindings. Declarations are
// idempotent: the broker treats redeclaration with identical arguments as a
// no-op and answers a conflicting redeclaration with a precondition failure,
// which surfaces as a fatal *TopologyError.
type TopologyManager struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// TopologyOption configures the topology manager.
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger.
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a topology manager over the pool.
func NewTopologyManager(pool *ChannelPool, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// DeclareTopology declares every entity in the descriptor, then the shared
// dead-letter exchange and queue with a catch-all binding. It is safe to
// call repeatedly and concurrently with publish/consume traffic on already
// declared entities.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d = d.deduplicated()

	ch, err := tm.pool.Get(TopologyChannel)
	if err != nil {
		return &TopologyError{Kind: "topology", Op: "declare", Err: err, Timestamp: time.Now()}
	}

	for _, ex := range d.Exchanges {
		if err := tm.declareExchange(ch, ex); err != nil {
			return err
		}
	}
	for _, q := range d.Queues {
		if err := tm.declareQueue(ch, q); err != nil {
			return err
		}
	}

	if err := tm.declareDeadLetter(ch); err != nil {
		return err
	}

	for _, b := range d.Bindings {
		if err := tm.bindQueue(ch, b); err != nil {
			return err
		}
	}

	tm.logger.Info("topology declared",
		"exchanges", len(d.Exchanges),
		"queues", len(d.Queues),
		"bindings", len(d.Bindings),
	)
	return nil
}

// declareDeadLetter declares the shared fanout dead-letter exchange, its
// queue, and the catch-all binding between them.
func (tm *TopologyManager) declareDeadLetter(ch *PooledChannel) error {
	if err := tm.declareExchange(ch, Exchange{Name: DeadLetterExchange, Kind: ExchangeFanout}); err != nil {
		return err
	}

	// The dead-letter queue is terminal: no TTL, no further dead-lettering.
	_, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		tm.pool.Invalidate(ch.Name())
		return tm.wrap("queue", DeadLetterQueue, "declare", err)
	}

	return tm.bindQueue(ch, Binding{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: "#"})
}

func (tm *TopologyManager) declareExchange(ch *PooledChannel, ex Exchange) error {
	err := ch.ExchangeDeclare(
		ex.Name,
		string(ex.Kind),
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		// A failed declaration closes the channel server-side.
		tm.pool.Invalidate(ch.Name())
		return tm.wrap("exchange", ex.Name, "declare", err)
	}
	return nil
}

func (tm *TopologyManager) declareQueue(ch *PooledChannel, q Queue) error {
	_, err := ch.QueueDeclare(
		q.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		q.arguments(),
	)
	if err != nil {
		tm.pool.Invalidate(ch.Name())
		return tm.wrap("queue", q.Name, "declare", err)
	}
	return nil
}

func (tm *TopologyManager) bindQueue(ch *PooledChannel, b Binding) error {
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
		tm.pool.Invalidate(ch.Name())
		return tm.wrap("binding", b.Queue, "bind", err)
	}
	return nil
}

// wrap converts a broker error into a *TopologyError, mapping a
// precondition failure onto ErrTopologyConflict.
func (tm *TopologyManager) wrap(kind, name, op string, err error) error {
	if isPreconditionFailed(err) {
		err = fmt.Errorf("%w: %v", ErrTopologyConflict, err)
	}
	return &TopologyError{Kind: kind, Name: name, Op: op, Err: err, Timestamp: time.Now()}
}
