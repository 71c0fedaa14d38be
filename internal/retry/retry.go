// Package retry provides bounded retries with exponential backoff for
// startup-time calls to external systems.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Defaults applied by Do when Policy fields are zero.
const (
	DefaultAttempts       = 4
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultJitter         = 0.25
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, the first included.
	Attempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the grown delay.
	MaxBackoff time.Duration

	// Jitter in [0, 1] randomizes each delay upward to spread
	// simultaneous retriers apart.
	Jitter float64
}

// OnRetry is called before each wait with the attempt that failed
// (1-based), its error, and the coming delay.
type OnRetry func(attempt int, err error, delay time.Duration)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so Do stops without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is
// done. An error wrapped with Permanent stops immediately and is
// returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, notify OnRetry) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == attempts {
			break
		}

		delay := p.delay(attempt)
		if notify != nil {
			notify(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// delay returns the backoff after failed attempt n, doubling from
// InitialBackoff, jittered upward, and capped at MaxBackoff.
func (p Policy) delay(n int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = DefaultJitter
	}
	if jitter > 1 {
		jitter = 1
	}

	d := float64(initial) * math.Pow(2, float64(n-1))
	d += d * jitter * rand.Float64()
	if d > float64(limit) {
		d = float64(limit)
	}
	return time.Duration(d)
}
