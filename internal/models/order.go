package models

import "time"

// OrderStatus is the lifecycle state of a PendingOrder.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusFailed            OrderStatus = "FAILED"
	OrderStatusPermanentlyFailed OrderStatus = "PERMANENTLY_FAILED"
)

// OrderSource records what generated an order.
type OrderSource string

const (
	SourceRebalance OrderSource = "rebalance"
	SourceExit      OrderSource = "exit"
	SourceManual    OrderSource = "manual"
)

// PendingOrder is an order the engine intends to place and has persisted so
// it survives a restart.
type PendingOrder struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Name         string      `json:"name,omitempty"`
	Sector       string      `json:"sector,omitempty"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Quantity     int         `json:"quantity"`
	Price        float64     `json:"price"`
	Reason       string      `json:"reason"`
	Source       OrderSource `json:"source"`
	StopLoss     float64     `json:"stop_loss,omitempty"`
	TakeProfit1  float64     `json:"take_profit_1,omitempty"`
	TakeProfit2  float64     `json:"take_profit_2,omitempty"`
	ATR          float64     `json:"atr,omitempty"`
	RetryCount   int         `json:"retry_count"`
	RequeueCount int         `json:"requeue_count"`
	LastError    string      `json:"last_error,omitempty"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// IsMarket reports whether the order carries no limit price.
func (o *PendingOrder) IsMarket() bool {
	return o.Type != OrderTypeLimit || o.Price <= 0
}

// Fill is a confirmed execution reported by the broker.
type Fill struct {
	OrderID       string    `json:"order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      int       `json:"quantity"`
	Price         float64   `json:"price"`
	Reason        string    `json:"reason"`
	Time          time.Time `json:"time"`
}

// Amount is the gross traded value.
func (f Fill) Amount() float64 {
	return float64(f.Quantity) * f.Price
}
