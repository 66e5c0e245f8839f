// Package retrypolicy provides the bounded retry loop shared by the
// multiplexer detection loop, lenient command execution, and reconnect
// attempts.
package retrypolicy

import (
	"context"
	"time"
)

// Policy bounds a retry loop by attempt count and, optionally, by wall
// clock. Delay receives the 1-based attempt number that just failed and
// the error it failed with, so callers can back off differently for
// different failure classes.
type Policy struct {
	MaxAttempts int
	Budget      time.Duration
	Delay       func(attempt int, err error) time.Duration
}

// Permanent wraps an error that must stop the loop immediately.
type Permanent struct {
	Err error
}

// Error implements error.
func (p *Permanent) Error() string { return p.Err.Error() }

// Unwrap returns the wrapped error.
func (p *Permanent) Unwrap() error { return p.Err }

// Stop marks err as non-retryable.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs op until it succeeds, the attempt budget is exhausted, the
// wall-clock budget elapses, or ctx is done. The last error is returned
// on exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var deadline time.Time
	if p.Budget > 0 {
		deadline = time.Now().Add(p.Budget)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if perm, ok := err.(*Permanent); ok {
			return perm.Err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		var delay time.Duration
		if p.Delay != nil {
			delay = p.Delay(attempt, err)
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Fixed returns a delay function that always waits d.
func Fixed(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// Linear returns a delay function that waits base multiplied by the
// attempt number.
func Linear(base time.Duration) func(int, error) time.Duration {
	return func(attempt int, _ error) time.Duration {
		return base * time.Duration(attempt)
	}
}
