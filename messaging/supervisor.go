package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veloxpay/relay-go/internal/reliability"
)

// Reconnector is a transport that can be re-established after a detected
// failure. Implemented by the rabbitmq channel pool.
type Reconnector interface {
	Reconnect(ctx context.Context) error
	IsConnected() bool
}

// ReconnectSupervisor drives reconnection from outside the transport.
// Failure detection only flips the connection state; this supervisor is the
// one place that retries, with its own backoff policy, so a flapping broker
// cannot cause hidden retry storms inside the pool.
//
// It implements rabbitmq.StateListener: register it on the connection and
// call Start.
type ReconnectSupervisor struct {
	target  Reconnector
	policy  reliability.RetryPolicy
	logger  *slog.Logger
	trigger chan struct{}
	done    chan struct{}
	stop    sync.Once
}

// SupervisorOption configures the supervisor.
type SupervisorOption func(*ReconnectSupervisor)

// WithSupervisorPolicy sets the backoff policy between attempts.
func WithSupervisorPolicy(policy reliability.RetryPolicy) SupervisorOption {
	return func(s *ReconnectSupervisor) {
		s.policy = policy
	}
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *ReconnectSupervisor) {
		s.logger = logger
	}
}

// NewReconnectSupervisor creates a supervisor for target.
func NewReconnectSupervisor(target Reconnector, options ...SupervisorOption) *ReconnectSupervisor {
	s := &ReconnectSupervisor{
		target:  target,
		policy:  reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 10),
		logger:  slog.Default(),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// OnConnected implements rabbitmq.StateListener.
func (s *ReconnectSupervisor) OnConnected() {}

// OnDisconnected implements rabbitmq.StateListener. It only signals the
// supervision loop; the listener callback itself never blocks or dials.
func (s *ReconnectSupervisor) OnDisconnected(err error) {
	s.logger.Warn("disconnect detected, scheduling reconnect", "error", err)
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the supervision loop until ctx is cancelled or Stop is called.
func (s *ReconnectSupervisor) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop ends the supervision loop.
func (s *ReconnectSupervisor) Stop() {
	s.stop.Do(func() { close(s.done) })
}

func (s *ReconnectSupervisor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.trigger:
			s.reconnect(ctx)
		}
	}
}

// reconnect attempts to re-establish the target, backing off between
// attempts until the policy is exhausted.
func (s *ReconnectSupervisor) reconnect(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		if s.target.IsConnected() {
			return
		}

		err := s.target.Reconnect(ctx)
		if err == nil {
			s.logger.Info("reconnected", "attempts", attempt+1)
			return
		}

		shouldRetry, delay := s.policy.ShouldRetry(attempt)
		if !shouldRetry {
			s.logger.Error("giving up on reconnect", "attempts", attempt+1, "error", err)
			return
		}

		s.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"nextRetryIn", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
