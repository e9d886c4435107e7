package models

import "time"

// Fundamentals is one row of the fundamentals snapshot for a symbol.
// Ratios are plain fractions (0.15 = 15%) except PER/PBR/PSR which are
// multiples.
type Fundamentals struct {
	Symbol          string  `json:"symbol" csv:"symbol"`
	Name            string  `json:"name" csv:"name"`
	Sector          string  `json:"sector" csv:"sector"`
	MarketCap       float64 `json:"market_cap" csv:"market_cap"`
	PER             float64 `json:"per" csv:"per"`
	PBR             float64 `json:"pbr" csv:"pbr"`
	PSR             float64 `json:"psr" csv:"psr"`
	DividendYield   float64 `json:"dividend_yield" csv:"dividend_yield"`
	ROE             float64 `json:"roe" csv:"roe"`
	OperatingMargin float64 `json:"operating_margin" csv:"operating_margin"`
	DebtRatio       float64 `json:"debt_ratio" csv:"debt_ratio"`
	EPSGrowth       float64 `json:"eps_growth" csv:"eps_growth"`
}

// CompositeScore is the per-symbol output of the factor engine.
type CompositeScore struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name,omitempty"`
	Sector       string  `json:"sector,omitempty"`
	Value        float64 `json:"value"`
	Momentum     float64 `json:"momentum"`
	Quality      float64 `json:"quality"`
	Composite    float64 `json:"composite"`
	Passed       bool    `json:"passed"`
	FilterReason string  `json:"filter_reason,omitempty"`
	Rank         int     `json:"rank,omitempty"`
	LastPrice    float64 `json:"last_price"`
	ATR          float64 `json:"atr"`
	MarketCap    float64 `json:"market_cap"`
}

// ScreeningResult is the outcome of one screening run.
type ScreeningResult struct {
	RunID         string           `json:"run_id"`
	UniverseSize  int              `json:"universe_size"`
	FilteredCount int              `json:"filtered_count"`
	Selected      []CompositeScore `json:"selected"`
	Rejected      []CompositeScore `json:"rejected"`
	Timestamp     time.Time        `json:"timestamp"`
	Elapsed       time.Duration    `json:"elapsed"`
}

// Symbols returns the selected symbols in rank order.
func (r *ScreeningResult) Symbols() []string {
	out := make([]string, len(r.Selected))
	for i, s := range r.Selected {
		out[i] = s.Symbol
	}
	return out
}
