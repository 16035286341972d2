package pg

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/xerrors"
)

// retryPolicy bounds how long a caller will keep retrying a transient store
// error before giving up, matching the "transient store error" kind from the
// error handling design: retry with bounded backoff, never retry forever.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetryPolicy = retryPolicy{
	maxAttempts: 5,
	baseDelay:   50 * time.Millisecond,
	maxDelay:    2 * time.Second,
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay || d <= 0 {
		return p.maxDelay
	}
	return d
}

// withRetry runs fn, retrying transient errors (as classified by isTransient)
// up to p.maxAttempts times with exponentially increasing backoff. The
// circuit breaker wraps the whole call so a sustained outage fails fast
// instead of hammering the database with retries from many goroutines at
// once.
func withRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, p retryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return xerrors.Errorf("exhausted %d retries: %w", p.maxAttempts, lastErr)
}

// isTransient reports whether err is worth retrying: connection resets,
// serialization failures, deadline exceeded against the pool, or an open
// circuit breaker. Anything else (constraint violations, missing rows) is
// permanent and must propagate immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if xerrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr interface{ SQLState() string }
	if xerrors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01", "08006", "08003", "57P03":
			// serialization_failure, deadlock_detected, connection_failure,
			// connection_does_not_exist, cannot_connect_now
			return true
		}
	}
	return false
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}
