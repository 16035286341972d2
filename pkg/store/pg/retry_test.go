package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/xerrors"
)

type sqlStateErr string

func (e sqlStateErr) Error() string    { return string(e) }
func (e sqlStateErr) SQLState() string { return string(e) }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"serialization failure", sqlStateErr("40001"), true},
		{"deadlock", sqlStateErr("40P01"), true},
		{"unique violation", sqlStateErr("23505"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	cb := newBreaker("test")
	policy := retryPolicy{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}

	attempts := 0
	err := withRetry(context.Background(), cb, policy, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return sqlStateErr("40001")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	cb := newBreaker("test-permanent")
	policy := retryPolicy{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}

	wantErr := sqlStateErr("23505")
	attempts := 0
	err := withRetry(context.Background(), cb, policy, func(ctx context.Context) error {
		attempts++
		return wantErr
	})
	if !xerrors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent errors must not retry)", attempts)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	cb := newBreaker("test-exhaust")
	policy := retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

	attempts := 0
	err := withRetry(context.Background(), cb, policy, func(ctx context.Context) error {
		attempts++
		return sqlStateErr("40001")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
