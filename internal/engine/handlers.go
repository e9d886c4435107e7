package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/risk"
	"factor-trader/internal/store"
	"factor-trader/internal/trading"
)

// Cash differences below this are rounding, not discrepancies.
const reconcileTolerance = 1.0

// calendarHorizon is how far ahead a calendar refresh reaches.
const calendarHorizon = 30 * 24 * time.Hour

// preMarket refreshes the calendar and ATRs, then screens and plans the
// rebalance when the day calls for one.
func (e *Engine) preMarket(ctx context.Context, run phaseRun) error {
	day := run.sess.Date
	e.refreshCalendar(ctx, day)

	if n := e.monitor.RefreshATR(ctx, e.cfg.Monitor.ATRPeriod, run.now); n > 0 {
		e.logger.Info().Int("positions", n).Msg("ATR refreshed")
	}

	markers := e.store.Markers()
	if markers.LastScreeningDate == run.date {
		e.logger.Debug().Str("date", run.date).Msg("Already screened today")
		return nil
	}

	empty := e.store.PositionCount() == 0 && !e.store.HasQueuedBuys()
	due, urgent := IsRebalanceDay(e.cal, day, markers, empty)
	if !due {
		return nil
	}
	if urgent {
		e.logger.Warn().Msg("Portfolio is empty; rebalancing outside the monthly schedule")
	}

	if !e.store.TryLockScreening() {
		e.logger.Warn().Msg("Skipping scheduled screening: " + errors.ErrRebalanceInProgress.Error())
		return nil
	}
	defer e.store.UnlockScreening()

	plan, err := e.screenAndPlan(ctx, run.now, run.date, models.SourceRebalance)
	if err != nil {
		return err
	}
	if plan.Empty() {
		// Nothing to trade; the month still counts as rebalanced
		e.store.MarkRebalanced(day, urgent)
	}
	return nil
}

// screenAndPlan runs the screener, records the audit and replaces any
// queued rebalance orders with a fresh plan tagged with source.
func (e *Engine) screenAndPlan(ctx context.Context, now time.Time, date string, source models.OrderSource) (trading.RebalancePlan, error) {
	res, err := e.screener.Run(ctx)
	if err != nil {
		return trading.RebalancePlan{}, fmt.Errorf("screening: %w", err)
	}
	e.store.MarkScreened(date)
	if err := e.ledger.RecordScreening(ctx, res); err != nil {
		e.logger.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to record screening audit")
	}

	// Size against the broker's cash when it answers
	if err := e.syncCash(ctx); err != nil {
		if errors.IsFatal(err) {
			return trading.RebalancePlan{}, err
		}
		e.logger.Warn().Err(err).Msg("Cash sync failed, sizing on local cash")
	}
	cash, holdings := e.equity()
	plan := trading.PlanRebalance(res.Selected, e.store.Positions(), cash+holdings, e.cfg.Execution.MaxPositionWeight, now)

	orders := plan.Orders()
	for i := range orders {
		orders[i].Source = source
	}
	// A new plan supersedes whatever rebalance was still queued, failed
	// queue included, or the replay would buy the same targets twice
	if n := e.store.Supersede(models.SourceRebalance, models.SourceManual); n > 0 {
		e.logger.Info().Int("orders", n).Msg("Superseded queued rebalance orders")
	}
	e.store.AddPending(orders...)

	for sym, why := range plan.Skipped {
		e.logger.Info().Str("symbol", sym).Str("reason", why).Msg("Buy not sized")
	}
	e.logger.Info().
		Str("run_id", res.RunID).
		Int("selected", len(res.Selected)).
		Int("sells", len(plan.Sells)).
		Int("buys", len(plan.Buys)).
		Float64("equity", cash+holdings).
		Msg("Rebalance planned")
	return plan, nil
}

// rebalanceQueued reports which kinds of rebalance orders are pending and
// the symbols being bought.
func (e *Engine) rebalanceQueued() (scheduled, manual bool, targets []string) {
	for _, o := range e.store.PendingOrders() {
		switch o.Source {
		case models.SourceRebalance:
			scheduled = true
		case models.SourceManual:
			manual = true
		default:
			continue
		}
		if o.Side == models.OrderSideBuy {
			targets = append(targets, o.Symbol)
		}
	}
	return scheduled, manual, targets
}

// marketOpen syncs cash, replays the failed queue and executes every
// pending order. A catch-up run after the market closed leaves the orders
// queued for the next open.
func (e *Engine) marketOpen(ctx context.Context, run phaseRun) error {
	if !marketOpen(run.current) {
		pending, _, _ := e.store.OrderCounts()
		e.logger.Info().Int("pending", pending).Msg("Market already closed; orders wait for the next open")
		return nil
	}

	if err := e.syncCash(ctx); err != nil {
		if errors.IsFatal(err) {
			return err
		}
		e.logger.Warn().Err(err).Msg("Cash sync failed, using local cash")
	}
	e.checkEntryRisk(ctx, run.sess.Date)

	replay, err := e.executor.ReplayFailed(ctx)
	if err != nil {
		return fmt.Errorf("replaying failed orders: %w", err)
	}
	if replay.Placed() > 0 || replay.Permanent > 0 {
		e.logger.Info().
			Int("filled", replay.Sells+replay.Buys).
			Int("permanent", replay.Permanent).
			Msg("Failed queue replayed")
	}

	scheduled, manual, targets := e.rebalanceQueued()
	rep, err := e.executor.ExecutePending(ctx)
	if err != nil {
		return fmt.Errorf("executing pending orders: %w", err)
	}
	e.logger.Info().
		Int("sells", rep.Sells).
		Int("buys", rep.Buys).
		Int("deferred", rep.Deferred).
		Int("failed", rep.Failed).
		Int("permanent", rep.Permanent).
		Msg("Pending orders executed")

	if scheduled || manual {
		e.completeRebalance(ctx, run.sess.Date, rep, scheduled, targets)
	}
	return nil
}

// completeRebalance records the executed rebalance and notifies. A
// scheduled rebalance outside the monthly slot can only have come from the
// empty-portfolio override, so it is marked urgent.
func (e *Engine) completeRebalance(ctx context.Context, day time.Time, rep trading.ExecutionReport, scheduled bool, targets []string) {
	urgent := false
	if scheduled {
		due, _ := IsRebalanceDay(e.cal, day, e.store.Markers(), false)
		urgent = !due
	}
	e.store.MarkRebalanced(day, urgent)

	summary := notify.RebalanceSummary{
		Date:     e.cal.Day(day).Format(store.DateLayout),
		Sells:    rep.Sells,
		Buys:     rep.Buys,
		Failed:   rep.Failed + rep.Permanent,
		Deferred: rep.Deferred,
		Urgent:   urgent,
		Targets:  targets,
	}
	if err := e.notifier.RebalanceCompleted(ctx, summary); err != nil {
		e.logger.Warn().Err(err).Msg("Notification failed")
	}
}

func (e *Engine) syncCash(ctx context.Context) error {
	bal, err := e.fetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching balance: %w", err)
	}
	if local := e.store.Cash(); math.Abs(local-bal.Cash) > reconcileTolerance {
		e.logger.Info().Float64("local", local).Float64("broker", bal.Cash).Msg("Cash synced from broker")
	}
	e.store.SetCash(bal.Cash)
	return nil
}

// marketClose grades risk, reconciles against the broker, writes the daily
// snapshot and sends the daily summary.
func (e *Engine) marketClose(ctx context.Context, run phaseRun) error {
	day := run.sess.Date

	bal, err := e.fetchBalance(ctx)
	if err != nil {
		if errors.IsFatal(err) {
			return fmt.Errorf("fetching balance: %w", err)
		}
		e.logger.Warn().Err(err).Msg("Broker balance unavailable at close")
		bal = nil
	}

	e.markToMarket(ctx)
	snap := e.riskSnapshot(ctx, day)
	alerts := e.risk.Check(snap)
	positions := snap.Positions
	cash, equity, dayStart, peak := snap.Cash, snap.Equity, snap.DayStartEquity, snap.PeakEquity
	holdings := equity - cash

	rec := trading.Reconcile(positions, cash, bal, reconcileTolerance)
	alerts = append(alerts, rec.Alerts(run.now)...)
	for _, a := range alerts {
		e.raise(ctx, a)
	}

	daily := models.DailySnapshot{
		Date:          day,
		Cash:          cash,
		HoldingsValue: holdings,
		TotalEquity:   equity,
		DailyPnL:      equity - dayStart,
		PeakEquity:    peak,
		PositionCount: len(positions),
		Discrepancy:   rec.Summary(),
		CreatedAt:     run.now,
	}
	if dayStart > 0 {
		daily.DailyReturn = (equity - dayStart) / dayStart
	}
	if peak > 0 {
		daily.Drawdown = (peak - equity) / peak
	}
	if bal != nil {
		daily.BrokerCash = bal.Cash
		daily.BrokerEquity = bal.TotalEquity
	} else {
		daily.Discrepancy = "broker balance unavailable"
	}
	if err := e.ledger.RecordSnapshot(ctx, daily); err != nil {
		e.logger.Error().Err(err).Msg("Failed to record daily snapshot")
	}

	trades, err := e.ledger.Transactions(ctx, store.TransactionFilter{From: day, To: run.now})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to count today's trades")
	}

	summary := notify.DailySummary{
		Date:        run.date,
		Equity:      equity,
		Cash:        cash,
		DailyPnL:    daily.DailyPnL,
		DailyReturn: daily.DailyReturn,
		Drawdown:    daily.Drawdown,
		Positions:   len(positions),
		Trades:      len(trades),
		Alerts:      len(alerts),
		Discrepancy: daily.Discrepancy,
	}
	log := logging.WithPhase(e.logger, string(PhaseMarketClose))
	log.Info().
		Float64("equity", equity).
		Float64("daily_pnl", daily.DailyPnL).
		Float64("drawdown", daily.Drawdown).
		Int("alerts", len(alerts)).
		Msg("Day closed")
	if err := e.notifier.DailySummary(ctx, summary); err != nil {
		e.logger.Warn().Err(err).Msg("Notification failed")
	}
	return nil
}

// riskSnapshot is the risk view of the book as last marked. Period starts
// come from the ledger's closing snapshots.
func (e *Engine) riskSnapshot(ctx context.Context, day time.Time) risk.Snapshot {
	positions := e.store.Positions()
	cash, holdings := e.store.Cash(), 0.0
	for _, p := range positions {
		holdings += p.MarketValue()
	}
	equity := cash + holdings

	return risk.Snapshot{
		Equity:           equity,
		Cash:             cash,
		DayStartEquity:   e.periodStart(ctx, day, equity),
		WeekStartEquity:  e.periodStart(ctx, startOfWeek(day), equity),
		MonthStartEquity: e.periodStart(ctx, time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location()), equity),
		PeakEquity:       math.Max(e.risk.Status().PeakEquity, equity),
		Positions:        positions,
	}
}

// checkEntryRisk grades the freshly marked book before buys go out, so a
// breach halts the entries about to be placed. Only halting alerts are
// raised here; the close reports the rest.
func (e *Engine) checkEntryRisk(ctx context.Context, day time.Time) {
	e.markToMarket(ctx)
	for _, a := range e.risk.Check(e.riskSnapshot(ctx, day)) {
		if risk.Halts(a) {
			e.raise(ctx, a)
		}
	}
	if ok, reason := e.risk.CanTrade(); !ok {
		e.logger.Warn().Str("reason", reason).Msg("New entries blocked")
	}
}

// markToMarket records a closing price for every position. Failures keep
// the last observed price.
func (e *Engine) markToMarket(ctx context.Context) {
	for _, p := range e.store.Positions() {
		price, err := e.broker.GetPrice(ctx, p.Symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("No closing price")
			continue
		}
		e.store.UpdatePosition(p.Symbol, func(cur *models.Position) { cur.ObservePrice(price) })
	}
}

// periodStart is the equity at the close before date, or fallback when no
// earlier snapshot exists.
func (e *Engine) periodStart(ctx context.Context, date time.Time, fallback float64) float64 {
	v, ok, err := e.ledger.EquityBefore(ctx, date)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read period start equity")
		return fallback
	}
	if !ok || v <= 0 {
		return fallback
	}
	return v
}

// startOfWeek returns the Monday of day's week.
func startOfWeek(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// afterMarket prunes old phase markers and refreshes upcoming sessions.
func (e *Engine) afterMarket(ctx context.Context, run phaseRun) error {
	if n := e.store.PruneFired(run.date); n > 0 {
		e.logger.Debug().Int("dates", n).Msg("Pruned phase markers")
	}
	e.refreshCalendar(ctx, run.sess.Date.AddDate(0, 0, 1))
	return nil
}

func (e *Engine) refreshCalendar(ctx context.Context, from time.Time) {
	if err := e.cal.Refresh(ctx, from, from.Add(calendarHorizon)); err != nil {
		e.logger.Warn().Err(err).Msg("Calendar refresh failed, using cached sessions")
	}
}
