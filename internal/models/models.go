// Package models provides domain models for the trading engine.
package models

import (
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Closes extracts closing prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// BrokerPosition is a holding as reported by the broker.
type BrokerPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
}

// Value returns the market value of the holding.
func (p BrokerPosition) Value() float64 {
	return float64(p.Quantity) * p.LastPrice
}

// Balance is the broker's view of the account.
type Balance struct {
	Cash          float64          `json:"cash"`
	HoldingsValue float64          `json:"holdings_value"`
	TotalEquity   float64          `json:"total_equity"`
	Positions     []BrokerPosition `json:"positions"`
}
