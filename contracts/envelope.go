package contracts

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Metadata carries optional routing and delivery attributes of an envelope.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`
	Priority      uint8  `json:"priority,omitempty"`
	// TTL is the message time-to-live in milliseconds.
	TTL int64 `json:"ttl,omitempty"`
}

// Envelope wraps a message for transport. It is treated as an immutable
// value once published: mutating helpers return copies.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// lastTimestamp is the per-process high-water mark for envelope timestamps.
var lastTimestamp atomic.Int64

// NowMillis returns the current time in milliseconds since the epoch,
// adjusted so that successive calls within this process never go backwards.
func NowMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastTimestamp.Load()
		if now < last {
			now = last
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// NewEnvelope creates an envelope of the given type with a generated ID and
// the current timestamp. data may be any JSON-serializable value.
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	if msgType == "" {
		return nil, ErrEmptyType
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("contracts: failed to serialize envelope data: %w", err)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: NowMillis(),
		Data:      body,
	}, nil
}

// Validate checks the envelope invariants: id and type are never empty.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.Type == "" {
		return ErrEmptyType
	}
	return nil
}

// Meta returns the envelope metadata, or a zero value if none is set.
func (e *Envelope) Meta() Metadata {
	if e.Metadata == nil {
		return Metadata{}
	}
	return *e.Metadata
}

// WithCorrelationID returns a copy of the envelope with the correlation ID set.
func (e *Envelope) WithCorrelationID(correlationID string) *Envelope {
	return e.withMeta(func(m *Metadata) { m.CorrelationID = correlationID })
}

// WithReplyTo returns a copy of the envelope with the reply queue set.
func (e *Envelope) WithReplyTo(replyTo string) *Envelope {
	return e.withMeta(func(m *Metadata) { m.ReplyTo = replyTo })
}

// WithPriority returns a copy of the envelope with the priority set.
func (e *Envelope) WithPriority(priority uint8) *Envelope {
	return e.withMeta(func(m *Metadata) { m.Priority = priority })
}

// WithTTL returns a copy of the envelope with the time-to-live set.
func (e *Envelope) WithTTL(ttl time.Duration) *Envelope {
	return e.withMeta(func(m *Metadata) { m.TTL = ttl.Milliseconds() })
}

func (e *Envelope) withMeta(apply func(*Metadata)) *Envelope {
	clone := *e
	meta := clone.Meta()
	apply(&meta)
	clone.Metadata = &meta
	return &clone
}

// UnmarshalData deserializes the envelope payload into v.
func (e *Envelope) UnmarshalData(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrEmptyData
	}
	return json.Unmarshal(e.Data, v)
}

// ParseEnvelope deserializes and validates an envelope from its wire form.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}
