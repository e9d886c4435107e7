// Package risk grades portfolio risk and gates new entries.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/config"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
)

// Snapshot is the account view a risk evaluation runs over.
type Snapshot struct {
	Equity           float64
	Cash             float64
	DayStartEquity   float64
	WeekStartEquity  float64
	MonthStartEquity float64
	PeakEquity       float64
	Positions        []models.Position
}

// State is the persisted part of the monitor.
type State struct {
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	HaltUntil         time.Time `json:"halt_until,omitempty"`
	HaltReason        string    `json:"halt_reason,omitempty"`
	PeakEquity        float64   `json:"peak_equity"`
}

// Status summarizes the gate for reporting.
type Status struct {
	CanTrade          bool      `json:"can_trade"`
	Reason            string    `json:"reason,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	HaltUntil         time.Time `json:"halt_until,omitempty"`
	PeakEquity        float64   `json:"peak_equity"`
}

// Monitor evaluates limits and tracks the cooldown and halt gates.
type Monitor struct {
	cfg    config.RiskConfig
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time

	// haltEnd maps the time of a breach to the end of the halt
	haltEnd func(time.Time) time.Time

	mu    sync.Mutex
	state State
}

// NewMonitor creates a risk monitor. loc decides where "next day" begins
// until SetHaltHorizon supplies the trading calendar.
func NewMonitor(cfg config.RiskConfig, loc *time.Location, logger zerolog.Logger) *Monitor {
	if loc == nil {
		loc = time.Local
	}
	return &Monitor{
		cfg:    cfg,
		loc:    loc,
		logger: logging.WithComponent(logger, "risk"),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetHaltHorizon sets how long a limit breach halts new entries: fn gets the
// time of the breach and returns when entries may resume.
func (m *Monitor) SetHaltHorizon(fn func(time.Time) time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltEnd = fn
}

// Grade maps an upper-bounded metric onto a level using r = value/limit.
// Zero means no alert.
func Grade(value, limit float64) models.RiskLevel {
	if limit <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	r := value / limit
	switch {
	case r >= 1.5:
		return models.RiskCritical
	case r >= 1.0:
		return models.RiskHigh
	case r >= 0.8:
		return models.RiskMedium
	case r >= 0.6:
		return models.RiskLow
	}
	return 0
}

// GradeCashRatio grades a lower-bounded cash ratio.
func GradeCashRatio(ratio, floor float64) models.RiskLevel {
	if floor <= 0 || math.IsNaN(ratio) {
		return 0
	}
	switch {
	case ratio < floor/2:
		return models.RiskCritical
	case ratio < floor:
		return models.RiskHigh
	case ratio < 1.2*floor:
		return models.RiskLow
	}
	return 0
}

func lossFrom(start, equity float64) float64 {
	if start <= 0 || equity >= start {
		return 0
	}
	return (start - equity) / start
}

// Evaluate grades every limit against snap. It does not change monitor state.
func (m *Monitor) Evaluate(snap Snapshot) []models.RiskAlert {
	m.mu.Lock()
	now := m.now()
	peak := math.Max(snap.PeakEquity, m.state.PeakEquity)
	m.mu.Unlock()
	peak = math.Max(peak, snap.Equity)

	var alerts []models.RiskAlert
	add := func(level models.RiskLevel, typ, symbol, sector, msg string, value, threshold float64, action string) {
		if level == 0 {
			return
		}
		alerts = append(alerts, models.RiskAlert{
			Level: level, Type: typ, Symbol: symbol, Sector: sector, Message: msg,
			Value: value, Threshold: threshold, Action: action, Timestamp: now,
		})
	}

	for _, l := range []struct {
		typ   string
		name  string
		start float64
		limit float64
	}{
		{models.AlertDailyLoss, "daily", snap.DayStartEquity, m.cfg.DailyLossLimit},
		{models.AlertWeeklyLoss, "weekly", snap.WeekStartEquity, m.cfg.WeeklyLossLimit},
		{models.AlertMonthlyLoss, "monthly", snap.MonthStartEquity, m.cfg.MonthlyLossLimit},
	} {
		loss := lossFrom(l.start, snap.Equity)
		level := Grade(loss, l.limit)
		action := "monitor"
		if l.typ == models.AlertDailyLoss && level >= models.RiskHigh {
			action = "halt new entries through the next session"
		}
		add(level, l.typ, "", "", fmt.Sprintf("%s loss %.2f%% against limit %.2f%%", l.name, loss*100, l.limit*100), loss, l.limit, action)
	}

	if peak > 0 {
		dd := (peak - snap.Equity) / peak
		level := Grade(dd, m.cfg.MaxDrawdown)
		action := "monitor"
		if level == models.RiskCritical {
			action = "halt new entries through the next session"
		}
		add(level, models.AlertDrawdown, "", "", fmt.Sprintf("drawdown %.2f%% from peak %.2f", dd*100, peak), dd, m.cfg.MaxDrawdown, action)
	}

	if snap.Equity > 0 {
		ratio := snap.Cash / snap.Equity
		add(GradeCashRatio(ratio, m.cfg.MinCashRatio), models.AlertCashRatio, "", "",
			fmt.Sprintf("cash ratio %.2f%% below minimum %.2f%%", ratio*100, m.cfg.MinCashRatio*100),
			ratio, m.cfg.MinCashRatio, "raise cash")

		sectors := make(map[string]float64)
		for i := range snap.Positions {
			p := &snap.Positions[i]
			w := p.MarketValue() / snap.Equity
			add(Grade(w, m.cfg.MaxPositionWeight), models.AlertPositionWeight, p.Symbol, p.Sector,
				fmt.Sprintf("%s weight %.2f%% above %.2f%%", p.Symbol, w*100, m.cfg.MaxPositionWeight*100),
				w, m.cfg.MaxPositionWeight, "trim position")
			if p.Sector != "" {
				sectors[p.Sector] += w
			}
		}

		names := make([]string, 0, len(sectors))
		for s := range sectors {
			names = append(names, s)
		}
		sort.Strings(names)
		for _, s := range names {
			w := sectors[s]
			add(Grade(w, m.cfg.MaxSectorWeight), models.AlertSectorWeight, "", s,
				fmt.Sprintf("sector %s weight %.2f%% above %.2f%%", s, w*100, m.cfg.MaxSectorWeight*100),
				w, m.cfg.MaxSectorWeight, "diversify")
		}
	}

	return alerts
}

// Check evaluates snap, records the new peak and applies halts implied by
// the alerts.
func (m *Monitor) Check(snap Snapshot) []models.RiskAlert {
	alerts := m.Evaluate(snap)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.PeakEquity = math.Max(m.state.PeakEquity, math.Max(snap.PeakEquity, snap.Equity))

	for _, a := range alerts {
		if !Halts(a) {
			continue
		}
		until := m.haltUntil()
		if until.After(m.state.HaltUntil) {
			m.state.HaltUntil = until
			m.state.HaltReason = a.Message
		}
		m.logger.Warn().
			Str("alert", a.Type).
			Time("until", m.state.HaltUntil).
			Msg("New entries halted")
	}
	return alerts
}

// Halts reports whether a blocks new entries: a daily loss at HIGH or above,
// or a CRITICAL drawdown.
func Halts(a models.RiskAlert) bool {
	return (a.Type == models.AlertDailyLoss && a.Level >= models.RiskHigh) ||
		(a.Type == models.AlertDrawdown && a.Level == models.RiskCritical)
}

// haltUntil must be called with mu held.
func (m *Monitor) haltUntil() time.Time {
	now := m.now()
	if m.haltEnd != nil {
		if until := m.haltEnd(now); until.After(now) {
			return until
		}
	}
	t := now.In(m.loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, m.loc)
}

// RecordTrade updates the consecutive-loss counter. When the limit is hit it
// starts a cooldown, resets the counter and returns the alert to raise.
func (m *Monitor) RecordTrade(t models.ClosedTrade) *models.RiskAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !t.IsLoss() {
		m.state.ConsecutiveLosses = 0
		return nil
	}

	m.state.ConsecutiveLosses++
	limit := m.cfg.MaxConsecutiveLosses
	if limit <= 0 || m.state.ConsecutiveLosses < limit {
		return nil
	}

	now := m.now()
	m.state.CooldownUntil = now.Add(m.cfg.Cooldown)
	count := m.state.ConsecutiveLosses
	m.state.ConsecutiveLosses = 0

	m.logger.Warn().
		Int("losses", count).
		Time("until", m.state.CooldownUntil).
		Msg("Consecutive loss cooldown started")

	return &models.RiskAlert{
		Level:     models.RiskHigh,
		Type:      models.AlertConsecutiveLoss,
		Symbol:    t.Symbol,
		Message:   fmt.Sprintf("%d consecutive losing trades, entries paused until %s", count, m.state.CooldownUntil.Format(time.RFC3339)),
		Value:     float64(count),
		Threshold: float64(limit),
		Action:    "cooldown",
		Timestamp: now,
	}
}

// CanTrade reports whether new entries are allowed, with the blocking reason.
func (m *Monitor) CanTrade() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canTradeLocked()
}

func (m *Monitor) canTradeLocked() (bool, string) {
	now := m.now()
	if now.Before(m.state.CooldownUntil) {
		return false, fmt.Sprintf("consecutive-loss cooldown until %s", m.state.CooldownUntil.Format(time.RFC3339))
	}
	if now.Before(m.state.HaltUntil) {
		return false, fmt.Sprintf("entries halted until %s: %s", m.state.HaltUntil.Format(time.RFC3339), m.state.HaltReason)
	}
	return true, ""
}

// Status returns the current gate.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, reason := m.canTradeLocked()
	return Status{
		CanTrade:          ok,
		Reason:            reason,
		ConsecutiveLosses: m.state.ConsecutiveLosses,
		CooldownUntil:     m.state.CooldownUntil,
		HaltUntil:         m.state.HaltUntil,
		PeakEquity:        m.state.PeakEquity,
	}
}

// Export returns the state to persist.
func (m *Monitor) Export() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore loads persisted state.
func (m *Monitor) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
