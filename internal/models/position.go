package models

import "time"

// Position is an open holding managed by the engine.
type Position struct {
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name,omitempty"`
	Sector       string    `json:"sector,omitempty"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Quantity     int       `json:"quantity"`
	EntryTime    time.Time `json:"entry_time"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit1  float64   `json:"take_profit_1"`
	TakeProfit2  float64   `json:"take_profit_2"`
	HighestPrice float64   `json:"highest_price_since_entry"`
	ATR          float64   `json:"atr"`
	TP1Executed  bool      `json:"tp1_executed"`
	TP2Executed  bool      `json:"tp2_executed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ObservePrice records a new quote. HighestPrice only moves up.
func (p *Position) ObservePrice(price float64) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
}

// RaiseStop moves StopLoss to candidate if that is higher. It reports whether
// the stop moved.
func (p *Position) RaiseStop(candidate float64) bool {
	if candidate > p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	return false
}

// MarketValue returns quantity times the last observed price.
func (p *Position) MarketValue() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return float64(p.Quantity) * price
}

// CostBasis returns quantity times entry price.
func (p *Position) CostBasis() float64 {
	return float64(p.Quantity) * p.EntryPrice
}

// UnrealizedPnL returns the open profit or loss.
func (p *Position) UnrealizedPnL() float64 {
	return p.MarketValue() - p.CostBasis()
}

// PnLPercent returns the open return in percent of entry.
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}
