package trading

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/analysis/indicators"
	"factor-trader/internal/broker"
	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/state"
	"factor-trader/pkg/utils"
)

// ExitDecision is a sell the monitor wants to place.
type ExitDecision struct {
	Symbol   string
	Quantity int
	Reason   string
	Full     bool
	Price    float64 // price that triggered the decision
}

// EvaluatePosition applies one price observation to p and returns the
// updated position with at most one exit. The stop only ratchets upward.
func EvaluatePosition(p models.Position, price float64, rules ExitRules) (models.Position, *ExitDecision) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) || p.Quantity <= 0 {
		return p, nil
	}

	p.ObservePrice(price)
	p.RaiseStop(rules.TrailingCandidate(p.HighestPrice, p.ATR))

	switch {
	case p.StopLoss > 0 && price <= p.StopLoss:
		reason := models.ExitTrailingStop
		switch {
		case rules.atBreakeven(p.StopLoss, p.EntryPrice):
			reason = models.ExitBreakeven
		case p.StopLoss < p.EntryPrice:
			reason = models.ExitStopLoss
		}
		return p, &ExitDecision{Symbol: p.Symbol, Quantity: p.Quantity, Reason: reason, Full: true, Price: price}

	case !p.TP1Executed && p.TakeProfit1 > 0 && price >= p.TakeProfit1:
		return p, partialExit(p, rules.TP1Fraction, models.ExitTakeProfit1, price)

	case p.TP1Executed && !p.TP2Executed && p.TakeProfit2 > 0 && price >= p.TakeProfit2:
		return p, partialExit(p, rules.TP2Fraction, models.ExitTakeProfit2, price)
	}

	return p, nil
}

func partialExit(p models.Position, fraction float64, reason string, price float64) *ExitDecision {
	qty := int(math.Floor(float64(p.Quantity) * fraction))
	if qty < 1 {
		qty = 1
	}
	d := &ExitDecision{Symbol: p.Symbol, Quantity: qty, Reason: reason, Price: price}
	if qty >= p.Quantity {
		d.Quantity = p.Quantity
		d.Full = true
	}
	return d
}

// Exiter submits exits. *Executor implements it.
type Exiter interface {
	SubmitExit(ctx context.Context, symbol string, qty int, reason string) (ExitResult, error)
}

// TickReport summarizes one monitoring pass.
type TickReport struct {
	Checked     int
	StopsRaised int
	Exits       int
	ExitErrors  int
	PriceErrors int
}

// PositionMonitor refreshes prices of open positions, ratchets their stops
// and submits exits.
type PositionMonitor struct {
	prices   broker.MarketData
	store    *state.Store
	exits    Exiter
	rules    ExitRules
	retry    utils.RetryPolicy
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// NewPositionMonitor creates a PositionMonitor.
func NewPositionMonitor(prices broker.MarketData, st *state.Store, exits Exiter, cfg config.MonitorConfig, logger zerolog.Logger) *PositionMonitor {
	return &PositionMonitor{
		prices:   prices,
		store:    st,
		exits:    exits,
		rules:    RulesFromConfig(cfg),
		retry:    cfg.PriceRetry.Policy("price", errors.IsRetryable),
		interval: cfg.Interval,
		logger:   logging.WithComponent(logger, "monitor"),
	}
}

// Due reports whether a pass should run at now.
func (m *PositionMonitor) Due(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun.IsZero() || now.Sub(m.lastRun) >= m.interval
}

// Tick runs one pass over every open position. Per-symbol failures are
// counted and logged; only an auth failure is returned.
func (m *PositionMonitor) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	m.mu.Lock()
	m.lastRun = now
	m.mu.Unlock()

	var rep TickReport
	for _, pos := range m.store.Positions() {
		rep.Checked++
		log := logging.WithSymbol(m.logger, pos.Symbol)

		price, _, err := utils.RetryWithResult(ctx, m.retry, func(int) (float64, error) {
			return m.prices.GetPrice(ctx, pos.Symbol)
		})
		if err != nil {
			rep.PriceErrors++
			if errors.Classify(err) == errors.CategoryAuth {
				return rep, fmt.Errorf("price %s: %w", pos.Symbol, err)
			}
			log.Warn().Err(err).Msg("Price refresh failed")
			continue
		}

		updated, decision := EvaluatePosition(pos, price, m.rules)
		m.store.UpdatePosition(pos.Symbol, func(cur *models.Position) {
			cur.ObservePrice(price)
			cur.RaiseStop(updated.StopLoss)
		})
		if updated.StopLoss > pos.StopLoss {
			rep.StopsRaised++
			log.Debug().
				Float64("from", pos.StopLoss).
				Float64("to", updated.StopLoss).
				Float64("highest", updated.HighestPrice).
				Msg("Stop raised")
		}

		if decision == nil {
			continue
		}

		log.Info().
			Str("reason", decision.Reason).
			Int("quantity", decision.Quantity).
			Float64("price", price).
			Float64("stop", updated.StopLoss).
			Msg("Exit triggered")

		res, err := m.exits.SubmitExit(ctx, decision.Symbol, decision.Quantity, decision.Reason)
		if res.Filled > 0 && !res.Closed {
			m.markTargets(decision.Symbol, decision.Reason)
		}
		if err != nil {
			rep.ExitErrors++
			if errors.Classify(err) == errors.CategoryAuth {
				return rep, err
			}
			log.Warn().Err(err).Msg("Exit failed, retrying next tick")
			continue
		}
		rep.Exits++
	}

	return rep, nil
}

// markTargets records a confirmed take-profit fill.
func (m *PositionMonitor) markTargets(symbol, reason string) {
	m.store.UpdatePosition(symbol, func(p *models.Position) {
		switch reason {
		case models.ExitTakeProfit1:
			p.TP1Executed = true
			if m.rules.BreakevenAfterTP1 {
				p.RaiseStop(p.EntryPrice)
			}
		case models.ExitTakeProfit2:
			p.TP2Executed = true
		}
	})
}

// RefreshATR recomputes the ATR of every open position from daily candles.
// It returns how many positions were updated.
func (m *PositionMonitor) RefreshATR(ctx context.Context, period int, now time.Time) int {
	if period <= 0 {
		return 0
	}
	atr := indicators.NewATR(period)
	from := now.AddDate(0, 0, -(period*2 + 15))

	updated := 0
	for _, pos := range m.store.Positions() {
		candles, err := m.prices.GetDailyCandles(ctx, pos.Symbol, from, now)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("ATR refresh: history unavailable")
			continue
		}
		v, err := atr.Latest(candles)
		if err != nil {
			m.logger.Debug().Err(err).Str("symbol", pos.Symbol).Msg("ATR refresh skipped")
			continue
		}
		if m.store.UpdatePosition(pos.Symbol, func(p *models.Position) { p.ATR = v }) {
			updated++
		}
	}
	return updated
}
