// Package errors provides the domain error types and the failure taxonomy
// used to decide whether a broker call is retried, skipped, or fatal.
package errors

import (
	"errors"
	"fmt"
)

// Broker and session failures. Classify maps these to categories.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrServerError      = errors.New("server error")
)

// Order outcomes the broker reports as final.
var (
	ErrOrderRejected     = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrPositionNotFound  = errors.New("position not found")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrDataNotFound      = errors.New("data not found")
	ErrOrderUnconfirmed  = errors.New("order not confirmed final")
)

// Local failures.
var (
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDatabaseError       = errors.New("database error")
	ErrStateCorrupt        = errors.New("state file corrupt")
	ErrEmergencyStop       = errors.New("emergency stop active")
	ErrRebalanceInProgress = errors.New("rebalance already in progress")
)

// BrokerError is a broker API failure with the category its adapter
// assigned. Code is the broker's own error code or HTTP status.
type BrokerError struct {
	Code     string
	Message  string
	Category Category
	Err      error
}

func NewBrokerError(category Category, code, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Category: category, Err: err}
}

func (e *BrokerError) Error() string {
	s := fmt.Sprintf("broker error [%s/%s]: %s", e.Category, e.Code, e.Message)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *BrokerError) Unwrap() error { return e.Err }

// DataError is missing or malformed market or fundamentals data for one
// symbol. It never stops a screening run, only drops the symbol.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{DataType: dataType, Symbol: symbol, Message: message, Err: err}
}

func (e *DataError) Error() string {
	s := fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DataError) Unwrap() error { return e.Err }

// Wrap prefixes err with message. A nil err stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and New mirror the standard library so callers need one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }
func New(text string) error     { return errors.New(text) }
