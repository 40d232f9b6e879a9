package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nikhilbhutani/jobpipeline/internal/joberr"
)

// RetryPolicy is capped exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 20 * time.Second}
}

// Delay returns the wait before the given retry (1-based). The result lies
// in [d/2, d] where d = min(MaxDelay, BaseDelay*2^(retry-1)).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.BaseDelay
	for i := 1; i < retry && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

// Retry calls fn until it succeeds, returns an error that is not transient,
// or MaxAttempts is reached.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := p.Delay(attempt - 1)
			slog.Debug("retrying external call", "op", op, "attempt", attempt, "wait", wait, "error", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !joberr.Retryable(err) {
			return zero, err
		}
	}

	slog.Warn("retries exhausted", "op", op, "attempts", attempts, "error", lastErr)
	return zero, lastErr
}
