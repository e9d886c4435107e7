package utils

import (
	"context"
	"math"
	"time"
)

// RetryPolicy describes how a single call site retries a failing operation.
// Retryable decides per error whether another attempt is worthwhile; nil
// means every error is retried.
type RetryPolicy struct {
	Name          string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Retryable     func(error) bool
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Name:          "default",
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// WithRetryable returns a copy of p using the given predicate.
func (p RetryPolicy) WithRetryable(fn func(error) bool) RetryPolicy {
	p.Retryable = fn
	return p
}

// Delay returns the sleep before the attempt following attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}
	return CalculateBackoff(n-1, p.BaseDelay, maxDelay, p.BackoffFactor)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. fn receives the 1-based attempt number. The number
// of attempts made is returned alongside the last error.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) (int, error) {
	var lastErr error
	max := p.attempts()

	for attempt := 1; attempt <= max; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}

		// Don't sleep after the last attempt
		if attempt == max {
			break
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, lastErr
		}
	}

	return max, lastErr
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, p RetryPolicy, fn func(attempt int) (T, error)) (T, int, error) {
	var result T
	attempts, err := Retry(ctx, p, func(attempt int) error {
		r, err := fn(attempt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, attempts, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		factor = 1
	}
	delay := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
