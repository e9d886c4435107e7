package engine

import (
	"time"

	"factor-trader/internal/calendar"
	"factor-trader/internal/config"
	"factor-trader/internal/state"
)

// Phase is a segment of the trading day.
type Phase string

const (
	PhaseClosed      Phase = "CLOSED"
	PhasePreMarket   Phase = "PRE_MARKET"
	PhaseMarketOpen  Phase = "MARKET_OPEN"
	PhaseMarketHours Phase = "MARKET_HOURS"
	PhaseMarketClose Phase = "MARKET_CLOSE"
	PhaseAfterMarket Phase = "AFTER_MARKET"
)

// dayPhases lists the phases of a trading day in firing order.
var dayPhases = []Phase{
	PhasePreMarket,
	PhaseMarketOpen,
	PhaseMarketHours,
	PhaseMarketClose,
	PhaseAfterMarket,
}

// Windows sizes the phases around a session's open and close.
type Windows struct {
	PreMarketLead time.Duration
	OpenWindow    time.Duration
	CloseWindow   time.Duration
}

// WindowsFromConfig extracts the phase windows from schedule config.
func WindowsFromConfig(cfg config.ScheduleConfig) Windows {
	return Windows{
		PreMarketLead: cfg.PreMarketLead,
		OpenWindow:    cfg.OpenWindow,
		CloseWindow:   cfg.CloseWindow,
	}
}

// PhaseAt returns the phase of sess at now. Every boundary is relative to
// the session's own open and close, so special sessions shift them all.
func PhaseAt(sess calendar.Session, w Windows, now time.Time) Phase {
	nextDay := sess.Date.AddDate(0, 0, 1)
	switch {
	case now.Before(sess.Open.Add(-w.PreMarketLead)), !now.Before(nextDay):
		return PhaseClosed
	case now.Before(sess.Open):
		return PhasePreMarket
	case now.Before(sess.Open.Add(w.OpenWindow)):
		return PhaseMarketOpen
	case now.Before(sess.Close):
		return PhaseMarketHours
	case now.Before(sess.Close.Add(w.CloseWindow)):
		return PhaseMarketClose
	default:
		return PhaseAfterMarket
	}
}

// phaseIndex returns the position of p in dayPhases, or -1.
func phaseIndex(p Phase) int {
	for i, dp := range dayPhases {
		if dp == p {
			return i
		}
	}
	return -1
}

// marketOpen reports whether orders can be placed during p.
func marketOpen(p Phase) bool {
	return p == PhaseMarketOpen || p == PhaseMarketHours
}

// IsRebalanceDay decides whether day calls for a rebalance. The monthly
// rebalance runs on the first trading day of a month not yet rebalanced.
// An empty portfolio (no positions and no queued buys) forces a rebalance
// on any trading day; urgent reports that this override was used.
func IsRebalanceDay(cal *calendar.Calendar, day time.Time, m state.RebalanceMarkers, portfolioEmpty bool) (due, urgent bool) {
	if !cal.IsTradingDay(day) {
		return false, false
	}
	if cal.IsFirstTradingDayOfMonth(day) && m.LastRebalanceMonth != cal.Day(day).Format(state.MonthLayout) {
		return true, false
	}
	if portfolioEmpty {
		return true, true
	}
	return false, false
}

// haltHorizon is the close of the session a halt raised at t runs through:
// the current one while it still trades, otherwise the next one.
func haltHorizon(cal *calendar.Calendar, t time.Time) time.Time {
	if sess, ok := cal.Session(t); ok && t.Before(sess.Close) {
		return sess.Close
	}
	if sess, ok := cal.Session(cal.NextTradingDay(t)); ok {
		return sess.Close
	}
	return time.Time{}
}
