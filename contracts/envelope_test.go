package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("creates envelope with generated id and timestamp", func(t *testing.T) {
		before := time.Now().UnixMilli()
		env, err := NewEnvelope("payment.confirmed", map[string]int{"amount": 10})
		require.NoError(t, err)

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "payment.confirmed", env.Type)
		assert.GreaterOrEqual(t, env.Timestamp, before)
		assert.JSONEq(t, `{"amount":10}`, string(env.Data))
		assert.Nil(t, env.Metadata)
	})

	t.Run("rejects empty type", func(t *testing.T) {
		env, err := NewEnvelope("", nil)
		assert.Nil(t, env)
		assert.ErrorIs(t, err, ErrEmptyType)
	})

	t.Run("rejects unserializable data", func(t *testing.T) {
		_, err := NewEnvelope("payment.confirmed", make(chan int))
		assert.Error(t, err)
	})

	t.Run("timestamps never decrease within the process", func(t *testing.T) {
		var prev int64
		for i := 0; i < 1000; i++ {
			env, err := NewEnvelope("tick", nil)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, env.Timestamp, prev)
			prev = env.Timestamp
		}
	})
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr error
	}{
		{"valid", &Envelope{ID: "p1", Type: "payment.confirmed"}, nil},
		{"nil envelope", nil, ErrNilEnvelope},
		{"missing id", &Envelope{Type: "payment.confirmed"}, ErrEmptyID},
		{"missing type", &Envelope{ID: "p1"}, ErrEmptyType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Run("preserves every field including nested metadata", func(t *testing.T) {
		original := &Envelope{
			ID:        "p1",
			Type:      "payment.confirmed",
			Timestamp: 1700000000000,
			Data:      json.RawMessage(`{"amount":10}`),
			Metadata: &Metadata{
				CorrelationID: "corr-42",
				ReplyTo:       "amq.gen-reply",
				Priority:      7,
				TTL:           60000,
			},
		}

		body, err := json.Marshal(original)
		require.NoError(t, err)

		parsed, err := ParseEnvelope(body)
		require.NoError(t, err)
		assert.Equal(t, original, parsed)
	})

	t.Run("omits absent metadata from the wire form", func(t *testing.T) {
		env := &Envelope{ID: "p1", Type: "payment.confirmed", Timestamp: 1}
		body, err := json.Marshal(env)
		require.NoError(t, err)
		assert.NotContains(t, string(body), "metadata")
	})
}

func TestParseEnvelope(t *testing.T) {
	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := ParseEnvelope([]byte("{not json"))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("rejects structurally invalid envelope", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"id":"","type":"x"}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}

func TestEnvelopeMetaHelpers(t *testing.T) {
	t.Run("With helpers return copies", func(t *testing.T) {
		env, err := NewEnvelope("payment.query", nil)
		require.NoError(t, err)

		withCorr := env.WithCorrelationID("corr-1").WithReplyTo("reply-q")
		assert.Nil(t, env.Metadata, "original must not be mutated")
		assert.Equal(t, "corr-1", withCorr.Meta().CorrelationID)
		assert.Equal(t, "reply-q", withCorr.Meta().ReplyTo)
		assert.Equal(t, env.ID, withCorr.ID)
	})

	t.Run("WithTTL stores milliseconds", func(t *testing.T) {
		env := &Envelope{ID: "p1", Type: "t"}
		assert.Equal(t, int64(1500), env.WithTTL(1500*time.Millisecond).Meta().TTL)
	})

	t.Run("UnmarshalData on empty payload", func(t *testing.T) {
		env := &Envelope{ID: "p1", Type: "t"}
		var out map[string]interface{}
		assert.True(t, errors.Is(env.UnmarshalData(&out), ErrEmptyData))
	})
}
