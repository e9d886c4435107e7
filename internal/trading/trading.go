// Package trading places orders and manages open positions: rebalance
// planning, order execution with retry and a durable failed queue, exit
// monitoring, and reconciliation against the broker.
package trading

import (
	"context"
	"math"

	"factor-trader/internal/config"
	"factor-trader/internal/models"
)

// Ledger records executed fills.
type Ledger interface {
	RecordTransaction(ctx context.Context, rec models.TransactionRecord) error
}

// RiskGate is the part of the risk monitor the executor consults.
type RiskGate interface {
	CanTrade() (bool, string)
	RecordTrade(t models.ClosedTrade) *models.RiskAlert
}

// ExitRules hold the stop and take-profit parameters shared by entry sizing
// and the position monitor.
type ExitRules struct {
	ATRMultiplier      float64
	TrailingPercent    float64
	TakeProfit1        float64
	TakeProfit2        float64
	TP1Fraction        float64
	TP2Fraction        float64
	BreakevenAfterTP1  bool
	BreakevenTolerance float64
}

// RulesFromConfig extracts the exit rules from the monitor config.
func RulesFromConfig(cfg config.MonitorConfig) ExitRules {
	return ExitRules{
		ATRMultiplier:      cfg.ATRMultiplier,
		TrailingPercent:    cfg.TrailingPercent,
		TakeProfit1:        cfg.TakeProfit1,
		TakeProfit2:        cfg.TakeProfit2,
		TP1Fraction:        cfg.TP1Fraction,
		TP2Fraction:        cfg.TP2Fraction,
		BreakevenAfterTP1:  cfg.BreakevenAfterTP1,
		BreakevenTolerance: cfg.BreakevenTolerance,
	}
}

// TrailingCandidate returns the stop implied by the highest price seen. ATR
// mode applies when atr is positive.
func (r ExitRules) TrailingCandidate(highest, atr float64) float64 {
	if atr > 0 && r.ATRMultiplier > 0 {
		return highest - atr*r.ATRMultiplier
	}
	return highest * (1 - r.TrailingPercent)
}

// Levels are the protective prices attached to a new position.
type Levels struct {
	StopLoss    float64
	TakeProfit1 float64
	TakeProfit2 float64
}

// InitialLevels derives stop and targets from an entry price.
func (r ExitRules) InitialLevels(entry, atr float64) Levels {
	stop := r.TrailingCandidate(entry, atr)
	if stop < 0 || math.IsNaN(stop) {
		stop = 0
	}
	return Levels{
		StopLoss:    stop,
		TakeProfit1: entry * (1 + r.TakeProfit1),
		TakeProfit2: entry * (1 + r.TakeProfit2),
	}
}

// atBreakeven reports whether stop sits on the entry price.
func (r ExitRules) atBreakeven(stop, entry float64) bool {
	tol := r.BreakevenTolerance
	if tol <= 0 {
		tol = 1e-6
	}
	return math.Abs(stop-entry) <= entry*tol
}
