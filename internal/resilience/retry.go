// Package resilience holds the failure-handling primitives the reply
// pipeline leans on: a bounded retry policy with exponential backoff for
// transient collaborator errors, and a circuit breaker that takes a
// persistently failing collaborator out of rotation.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTerminal wraps errors the retry policy refuses to retry, such as an
// authentication failure that no amount of waiting will fix.
var ErrTerminal = errors.New("resilience: terminal error")

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; each further failure
	// doubles it. Zero disables waiting (useful in tests).
	BaseDelay time.Duration

	// Terminal, when non-nil, reports whether err should stop the loop
	// immediately. Errors wrapped with [Terminal] always stop it.
	Terminal func(error) bool
}

// Do runs fn up to p.MaxAttempts times, sleeping BaseDelay·2^n between
// failures. It returns nil on the first success, the error unchanged when it
// is terminal, and the last error when attempts run out. Context
// cancellation interrupts the backoff sleep.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.BaseDelay > 0 {
			delay := p.BaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrTerminal) || (p.Terminal != nil && p.Terminal(lastErr)) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// DoWithResult is [Policy.Do] for functions that return a value. It is a
// package-level function because Go does not support method-level type
// parameters.
func DoWithResult[R any](ctx context.Context, p Policy, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := p.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
