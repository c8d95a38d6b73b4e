package messaging

import (
	"context"
	"time"

	"github.com/veloxpay/relay-go/internal/reliability"
)

// PublishOp performs one publish attempt and reports whether the broker
// accepted it.
type PublishOp func(ctx context.Context) (accepted bool, err error)

// PublishWithRetry invokes op until it is accepted, waiting
// baseDelay*2^(attempt-1) between attempts, up to maxAttempts. Exhausting
// the attempts returns (false, nil) when the last attempt was rejected with
// backpressure and (false, err) when it failed hard, so callers can tell
// "gave up due to backpressure" from "gave up due to an error".
func PublishWithRetry(ctx context.Context, op PublishOp, maxAttempts int, baseDelay time.Duration) (bool, error) {
	if op == nil {
		return false, ErrNilHandler
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := &reliability.ExponentialBackoff{
		InitialInterval: baseDelay,
		Multiplier:      2.0,
		MaxAttempts:     maxAttempts,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		accepted, err := op(ctx)
		if err == nil && accepted {
			return true, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(backoff.NextDelay(attempt - 1)):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return false, lastErr
}
