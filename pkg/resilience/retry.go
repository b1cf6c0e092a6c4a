package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy defines retry behavior for transient failures. Each wait is
// Backoff multiplied by the attempt number.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration

	// Retryable filters errors worth another attempt. Nil retries everything
	// except ErrCircuitOpen and context cancellation.
	Retryable func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == r.MaxRetries || !r.retryable(err) {
			return err
		}
		timer := time.NewTimer(r.Backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

func (r RetryPolicy) retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.Retryable != nil {
		return r.Retryable(err)
	}
	return true
}
