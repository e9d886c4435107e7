package errors

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"broker category wins", NewBrokerError(CategoryRateLimit, "429", "slow down", ErrServerError), CategoryRateLimit},
		{"wrapped auth", fmt.Errorf("place order: %w", ErrNotAuthenticated), CategoryAuth},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"rejected", fmt.Errorf("buy AAPL: %w", ErrInsufficientFunds), CategoryRejected},
		{"data", NewDataError("candles", "AAPL", "empty", nil), CategoryData},
		{"net op", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}, CategoryConnection},
		{"message", fmt.Errorf("upstream said: Too Many Requests"), CategoryRateLimit},
		{"corrupt", Wrap(ErrStateCorrupt, "load"), CategoryCorruption},
		{"unconfirmed", fmt.Errorf("cancel AAPL: connection reset: %w", ErrOrderUnconfirmed), CategoryUnconfirmed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrConnectionFailed))
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.True(t, IsRetryable(ErrServerError))
	assert.False(t, IsRetryable(ErrOrderRejected))
	assert.False(t, IsRetryable(ErrNotAuthenticated))
	assert.False(t, IsRetryable(NewBrokerError(CategoryUnconfirmed, "CANCEL_UNCONFIRMED", "request timed out", ErrTimeout)))

	assert.True(t, IsFatal(NewBrokerError(CategoryAuth, "TokenException", "token expired", nil)))
	assert.False(t, IsFatal(ErrTimeout))
}

func TestCategoryFromStatus(t *testing.T) {
	assert.Equal(t, CategoryRateLimit, CategoryFromStatus(429))
	assert.Equal(t, CategoryTimeout, CategoryFromStatus(408))
	assert.Equal(t, CategoryAuth, CategoryFromStatus(401))
	assert.Equal(t, CategoryServer, CategoryFromStatus(503))
	assert.Equal(t, CategoryRejected, CategoryFromStatus(422))
	assert.Equal(t, CategoryUnknown, CategoryFromStatus(200))
}
