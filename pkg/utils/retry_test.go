package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func fastPolicy(max int) RetryPolicy {
	return RetryPolicy{
		Name:          "test",
		MaxAttempts:   max,
		BaseDelay:     time.Microsecond,
		MaxDelay:      10 * time.Microsecond,
		BackoffFactor: 2,
		Retryable:     func(err error) bool { return errors.Is(err, errTransient) },
	}
}

// TestRetryNeverExceedsBudget checks the attempt count stays within MaxAttempts.
func TestRetryNeverExceedsBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("calls <= MaxAttempts and attempts are increasing", prop.ForAll(
		func(max, failures int) bool {
			calls := 0
			last := 0
			attempts, err := Retry(context.Background(), fastPolicy(max), func(attempt int) error {
				calls++
				if attempt <= last {
					return errPermanent
				}
				last = attempt
				if attempt <= failures {
					return errTransient
				}
				return nil
			})
			if calls > max || attempts != calls {
				return false
			}
			if failures >= max {
				return errors.Is(err, errTransient)
			}
			return err == nil && calls == failures+1
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy(5), func(int) error {
		calls++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult(t *testing.T) {
	v, attempts, err := RetryWithResult(context.Background(), fastPolicy(3), func(attempt int) (float64, error) {
		if attempt < 2 {
			return 0, errTransient
		}
		return 42.5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42.5, v)
	assert.Equal(t, 2, attempts)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := fastPolicy(5)
	p.BaseDelay = time.Second
	calls := 0
	_, err := Retry(ctx, p, func(int) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$1,234,567.50", FormatMoney(1234567.5))
	assert.Equal(t, "-$999.00", FormatMoney(-999))
	assert.Equal(t, "+$10.00", FormatPnL(10))
	assert.Equal(t, "12,000", FormatQuantity(12000))
}
