// Package broker defines the brokerage contract the engine trades through and
// the adapters that implement it.
package broker

import (
	"context"
	"time"

	"factor-trader/internal/models"
)

// MarketData is the quote and history half of a broker.
type MarketData interface {
	// GetPrice returns the last traded price.
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetDailyCandles returns daily bars in ascending time order.
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)
}

// Client is the brokerage contract. Implementations report failures as
// *errors.BrokerError carrying a Category so callers can pick a retry policy.
// Adapters never retry on their own.
type Client interface {
	MarketData

	// PlaceOrder submits an order and waits until it is filled, rejected, or
	// the adapter's fill timeout passes. A timed out order is cancelled before
	// PlaceOrder returns; a result with partial fills may accompany an error.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetBalance returns cash, holdings value and broker-side positions.
	GetBalance(ctx context.Context) (*models.Balance, error)
	// Name identifies the adapter in logs.
	Name() string
}

// cancelPolls bounds the status reads after a cancel request.
const cancelPolls = 10

// OrderRequest is a single order submission.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Quantity      int
	Price         float64 // limit price; ignored for market orders
}

// OrderResult is the broker's answer to PlaceOrder.
type OrderResult struct {
	OrderID     string
	FilledQty   int
	FilledPrice float64
	Success     bool
	Message     string
}

// Filled reports whether any quantity executed.
func (r *OrderResult) Filled() bool {
	return r != nil && r.FilledQty > 0 && r.FilledPrice > 0
}
