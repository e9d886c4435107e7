package errors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// Category is the failure class of an error. Retry policy, emergency stop and
// data fallbacks all key off it.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryTimeout
	CategoryConnection
	CategoryRateLimit
	CategoryServer
	CategoryAuth
	CategoryRejected
	CategoryData
	CategoryCorruption
	// An order may still be working at the broker. Never retried: a new
	// submission could fill alongside it.
	CategoryUnconfirmed
)

func (c Category) String() string {
	switch c {
	case CategoryTimeout:
		return "timeout"
	case CategoryConnection:
		return "connection"
	case CategoryRateLimit:
		return "rate_limit"
	case CategoryServer:
		return "server_error"
	case CategoryAuth:
		return "auth"
	case CategoryRejected:
		return "rejected"
	case CategoryData:
		return "data"
	case CategoryCorruption:
		return "corruption"
	case CategoryUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this category are worth retrying.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryConnection, CategoryRateLimit, CategoryServer:
		return true
	}
	return false
}

// Classify maps an error to its category. Typed broker errors win, then
// sentinels, then network and context errors from the standard library.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var be *BrokerError
	if errors.As(err, &be) && be.Category != CategoryUnknown {
		return be.Category
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionExpired):
		return CategoryAuth
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrConnectionFailed):
		return CategoryConnection
	case errors.Is(err, ErrServerError):
		return CategoryServer
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidOrder):
		return CategoryRejected
	case errors.Is(err, ErrStateCorrupt):
		return CategoryCorruption
	case errors.Is(err, ErrOrderUnconfirmed):
		return CategoryUnconfirmed
	case errors.Is(err, ErrDataNotFound), errors.Is(err, ErrSymbolNotFound):
		return CategoryData
	}

	var de *DataError
	if errors.As(err, &de) {
		return CategoryData
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "rate limit"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return CategoryConnection
	}
	return CategoryUnknown
}

// CategoryFromStatus maps an HTTP status code to a category.
func CategoryFromStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CategoryAuth
	case status >= 500:
		return CategoryServer
	case status >= 400:
		return CategoryRejected
	}
	return CategoryUnknown
}

// IsRetryable reports whether err belongs to a transient category.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsFatal reports whether err should halt trading until an operator intervenes.
func IsFatal(err error) bool {
	return Classify(err) == CategoryAuth
}

// IsRateLimit reports whether err is a throttling response.
func IsRateLimit(err error) bool {
	return Classify(err) == CategoryRateLimit
}
