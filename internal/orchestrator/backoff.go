package orchestrator

import (
	"context"
	"time"
)

// DefaultDelay separates loop iterations
const DefaultDelay = 200 * time.Millisecond

// Backoff decides how long to wait before the next loop iteration.
// consecutiveErrors is zero after a successful call.
type Backoff interface {
	Next(consecutiveErrors int) time.Duration
}

// BackoffFunc adapts a function to Backoff
type BackoffFunc func(consecutiveErrors int) time.Duration

// Next implements Backoff
func (f BackoffFunc) Next(consecutiveErrors int) time.Duration {
	return f(consecutiveErrors)
}

// FixedBackoff always waits d
func FixedBackoff(d time.Duration) Backoff {
	return BackoffFunc(func(int) time.Duration { return d })
}

// NoBackoff never waits
func NoBackoff() Backoff {
	return FixedBackoff(0)
}

// ExponentialBackoff waits base between successes and doubles per consecutive error, capped at limit
func ExponentialBackoff(base, limit time.Duration) Backoff {
	return BackoffFunc(func(errs int) time.Duration {
		d := base
		for i := 0; i < errs && d < limit; i++ {
			d *= 2
		}
		if limit > 0 && d > limit {
			return limit
		}
		return d
	})
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
