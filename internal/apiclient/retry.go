package apiclient

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy controls Retry. The zero value performs a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration

	// Limiter paces attempts across every caller sharing the policy.
	Limiter *rate.Limiter
}

// DefaultRetryPolicy retries transient failures three times with
// exponential backoff, at most five attempts per second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Limiter:     rate.NewLimiter(rate.Limit(5), 1),
	}
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. Only *NetworkError values that
// report Temporary are retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Limiter != nil {
			if werr := p.Limiter.Wait(ctx); werr != nil {
				if err != nil {
					return err
				}
				return werr
			}
		}

		err = fn(ctx)
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return err
}

func retryable(err error) bool {
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		return false
	}
	return nerr.Temporary()
}
