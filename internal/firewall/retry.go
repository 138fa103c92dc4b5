package firewall

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff controls how often a failing store operation is retried.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter adds up to a quarter of the delay at random.
	Jitter bool
}

// DefaultBackoff is used when opening netlink sockets at startup, where the
// kernel modules may still be loading.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 5,
		Initial:  200 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for range attempt {
		d *= b.Factor
	}
	if b.Jitter {
		d += d * 0.25 * rand.Float64()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a [Permanent] error, the
// attempts run out, or ctx ends. The last error is returned unwrapped.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	_, err := RetryValue(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, b Backoff, fn func() (T, error)) (T, error) {
	var zero T
	attempts := max(b.Attempts, 1)

	var lastErr error
	for attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, lastErr
}
