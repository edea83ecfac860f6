package orchestrator

import (
	"context"
	"errors"
	"time"
)

// #region constants

const maxBackoff = 30 * time.Second

// #endregion

// #region policy

// RetryPolicy decides whether a failed generation attempt is retried and how
// long to wait first.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// ShouldRetry returns whether attempt (1-based) may be followed by another,
// and the linear backoff before it. Caller cancellation is never retried.
func (r RetryPolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= r.MaxAttempts {
		return false, 0
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	wait := r.Backoff * time.Duration(attempt)
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return true, wait
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion
