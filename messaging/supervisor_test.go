package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxpay/relay-go/internal/reliability"
)

// fakeReconnector fails a scripted number of attempts before succeeding.
type fakeReconnector struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	connected bool
	done      chan struct{}
}

func newFakeReconnector(failures int) *fakeReconnector {
	return &fakeReconnector{failures: failures, done: make(chan struct{})}
}

func (f *fakeReconnector) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("broker unreachable")
	}
	f.connected = true
	close(f.done)
	return nil
}

func (f *fakeReconnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeReconnector) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestReconnectSupervisor(t *testing.T) {
	t.Run("retries until the target reconnects", func(t *testing.T) {
		target := newFakeReconnector(2)
		supervisor := NewReconnectSupervisor(target,
			WithSupervisorPolicy(reliability.NewFixedDelay(time.Millisecond, 10)),
		)
		defer supervisor.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		supervisor.Start(ctx)

		supervisor.OnDisconnected(errors.New("connection reset"))

		select {
		case <-target.done:
		case <-ctx.Done():
			t.Fatal("supervisor never reconnected the target")
		}
		assert.Equal(t, 3, target.attemptCount())
	})

	t.Run("already connected target is left alone", func(t *testing.T) {
		target := newFakeReconnector(0)
		target.connected = true
		supervisor := NewReconnectSupervisor(target,
			WithSupervisorPolicy(reliability.NewFixedDelay(time.Millisecond, 10)),
		)
		defer supervisor.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		supervisor.Start(ctx)

		supervisor.OnDisconnected(errors.New("stale notification"))

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, target.attemptCount())
	})

	t.Run("coalesces duplicate disconnect signals", func(t *testing.T) {
		target := newFakeReconnector(0)
		supervisor := NewReconnectSupervisor(target,
			WithSupervisorPolicy(reliability.NewFixedDelay(time.Millisecond, 10)),
		)
		defer supervisor.Stop()

		// Loop not started yet; both signals land before any attempt.
		supervisor.OnDisconnected(errors.New("first"))
		supervisor.OnDisconnected(errors.New("second"))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		supervisor.Start(ctx)

		select {
		case <-target.done:
		case <-ctx.Done():
			t.Fatal("supervisor never reconnected the target")
		}

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, target.attemptCount())
	})

	t.Run("gives up when the policy is exhausted", func(t *testing.T) {
		target := newFakeReconnector(100)
		supervisor := NewReconnectSupervisor(target,
			WithSupervisorPolicy(reliability.NewFixedDelay(time.Millisecond, 2)),
		)
		defer supervisor.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		supervisor.Start(ctx)

		supervisor.OnDisconnected(errors.New("connection reset"))

		require.Eventually(t, func() bool {
			return target.attemptCount() == 3
		}, 5*time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 3, target.attemptCount())
	})

	t.Run("stop ends the loop", func(t *testing.T) {
		target := newFakeReconnector(100)
		supervisor := NewReconnectSupervisor(target,
			WithSupervisorPolicy(reliability.NewFixedDelay(time.Hour, 10)),
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		supervisor.Start(ctx)
		supervisor.Stop()
		supervisor.Stop() // idempotent
	})
}
