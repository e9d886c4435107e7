package models

import "time"

// Exit reasons.
const (
	ExitStopLoss     = "stop_loss"
	ExitBreakeven    = "breakeven"
	ExitTrailingStop = "trailing_stop"
	ExitTakeProfit1  = "take_profit_1"
	ExitTakeProfit2  = "take_profit_2"
	ExitRebalance    = "rebalance"
	ExitManual       = "manual"
)

// ClosedTrade is a realized round trip (or partial) used by the risk monitor.
type ClosedTrade struct {
	Symbol     string    `json:"symbol"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	PnLPercent float64   `json:"pnl_percent"`
	Reason     string    `json:"reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// IsLoss reports whether the trade lost money.
func (t ClosedTrade) IsLoss() bool {
	return t.PnL < 0
}

// TransactionRecord is one fill written to the ledger.
type TransactionRecord struct {
	ID            int64     `json:"id"`
	OrderID       string    `json:"order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      int       `json:"quantity"`
	Price         float64   `json:"price"`
	Amount        float64   `json:"amount"`
	RealizedPnL   float64   `json:"realized_pnl"`
	Reason        string    `json:"reason"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// DailySnapshot is the end-of-day account record.
type DailySnapshot struct {
	Date          time.Time `json:"date"`
	Cash          float64   `json:"cash"`
	HoldingsValue float64   `json:"holdings_value"`
	TotalEquity   float64   `json:"total_equity"`
	DailyPnL      float64   `json:"daily_pnl"`
	DailyReturn   float64   `json:"daily_return"`
	PeakEquity    float64   `json:"peak_equity"`
	Drawdown      float64   `json:"drawdown"`
	PositionCount int       `json:"position_count"`
	BrokerCash    float64   `json:"broker_cash"`
	BrokerEquity  float64   `json:"broker_equity"`
	Discrepancy   string    `json:"discrepancy,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
