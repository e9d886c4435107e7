package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
	"factor-trader/internal/risk"
	"factor-trader/internal/state"
	"factor-trader/internal/trading"
)

// Control actions.
const (
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionRebalance      = "rebalance"
	ActionEmergencyStop  = "emergency_stop"
	ActionEmergencyClear = "emergency_clear"
	ActionClosePosition  = "close_position"
	ActionCloseAll       = "close_all"
	ActionClearFailed    = "clear_failed"
	ActionStatus         = "status"
)

// ControlResult is the outcome of an operator action.
type ControlResult struct {
	Success bool        `json:"success"`
	Action  string      `json:"action"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func succeeded(action, msg string, data interface{}) ControlResult {
	return ControlResult{Success: true, Action: action, Message: msg, Data: data}
}

func failed(action string, err error) ControlResult {
	return ControlResult{Success: false, Action: action, Message: err.Error()}
}

// StatusReport is the payload of Status.
type StatusReport struct {
	State             State                  `json:"state"`
	Phase             Phase                  `json:"phase"`
	TradingDay        bool                   `json:"trading_day"`
	Emergency         state.Emergency        `json:"emergency"`
	Cash              float64                `json:"cash"`
	Equity            float64                `json:"equity"`
	Positions         []models.Position      `json:"positions"`
	PendingOrders     int                    `json:"pending_orders"`
	FailedOrders      int                    `json:"failed_orders"`
	PermanentlyFailed int                    `json:"permanently_failed"`
	Risk              risk.Status            `json:"risk"`
	Markers           state.RebalanceMarkers `json:"markers"`
	Time              time.Time              `json:"time"`
}

// RebalanceOutcome is the payload of ForceRebalance.
type RebalanceOutcome struct {
	Sells    int                      `json:"sells"`
	Buys     int                      `json:"buys"`
	Skipped  map[string]string        `json:"skipped,omitempty"`
	Executed bool                     `json:"executed"`
	Report   *trading.ExecutionReport `json:"report,omitempty"`
}

// Start launches the scheduler loop.
func (e *Engine) Start() ControlResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StateStopped {
		return failed(ActionStart, fmt.Errorf("engine already %s", strings.ToLower(string(e.status))))
	}
	ctx, cancel := context.WithCancel(e.parent)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.status = StateRunning
	go e.loop(ctx, e.done)

	e.logger.Info().Msg("Engine started")
	msg := "engine started"
	if em := e.store.Emergency(); em.Active {
		msg += "; emergency stop still active: " + em.Reason
	}
	return succeeded(ActionStart, msg, nil)
}

// Stop cancels the scheduler loop and waits for the tick in progress.
func (e *Engine) Stop() ControlResult {
	if !e.halt() {
		return failed(ActionStop, fmt.Errorf("engine not running"))
	}
	e.flush()
	return succeeded(ActionStop, "engine stopped", nil)
}

// halt stops the loop if one is running and reports whether it did.
func (e *Engine) halt() bool {
	e.mu.Lock()
	if e.status == StateStopped {
		e.mu.Unlock()
		return false
	}
	cancel, done := e.cancel, e.done
	e.status = StateStopped
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info().Msg("Engine stopped")
	return true
}

// Pause keeps the loop alive but skips phases and monitoring.
func (e *Engine) Pause() ControlResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StateRunning {
		return failed(ActionPause, fmt.Errorf("engine not running"))
	}
	e.status = StatePaused
	e.logger.Info().Msg("Engine paused")
	return succeeded(ActionPause, "engine paused", nil)
}

// Resume undoes Pause. Phases missed while paused catch up on the next tick.
func (e *Engine) Resume() ControlResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatePaused {
		return failed(ActionResume, fmt.Errorf("engine not paused"))
	}
	e.status = StateRunning
	e.logger.Info().Msg("Engine resumed")
	return succeeded(ActionResume, "engine resumed", nil)
}

// ForceRebalance screens and plans a rebalance now. With the market open
// the orders execute immediately; otherwise they wait for MARKET_OPEN.
func (e *Engine) ForceRebalance(ctx context.Context) ControlResult {
	if e.store.Emergency().Active {
		return failed(ActionRebalance, errors.ErrEmergencyStop)
	}
	if !e.store.TryLockScreening() {
		return failed(ActionRebalance, errors.ErrRebalanceInProgress)
	}
	defer e.store.UnlockScreening()

	ctx = context.WithoutCancel(ctx)
	now := e.now()
	day := e.cal.Day(now)
	e.logger.Info().Msg("Manual rebalance requested")

	plan, err := e.screenAndPlan(ctx, now, day.Format(state.DateLayout), models.SourceManual)
	if err != nil {
		if errors.IsFatal(err) {
			e.emergencyStop(ctx, fmt.Sprintf("manual rebalance: %v", err))
		}
		return failed(ActionRebalance, err)
	}
	out := RebalanceOutcome{Sells: len(plan.Sells), Buys: len(plan.Buys), Skipped: plan.Skipped}

	if !marketOpen(e.phaseNow(now)) {
		e.flush()
		return succeeded(ActionRebalance, fmt.Sprintf("%d orders queued for the next market open", len(plan.Orders())), out)
	}

	e.checkEntryRisk(ctx, day)
	_, _, targets := e.rebalanceQueued()
	rep, err := e.executor.ExecutePending(ctx)
	out.Executed = true
	out.Report = &rep
	if err != nil {
		if errors.IsFatal(err) {
			e.emergencyStop(ctx, fmt.Sprintf("manual rebalance: %v", err))
		}
		e.flush()
		return ControlResult{Action: ActionRebalance, Message: err.Error(), Data: out}
	}
	e.completeRebalance(ctx, day, rep, false, targets)
	e.flush()
	return succeeded(ActionRebalance, fmt.Sprintf("rebalance executed: %d sells, %d buys", rep.Sells, rep.Buys), out)
}

// EmergencyStop blocks order generation until ClearEmergency. Open
// positions are left alone; operators can still close them.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) ControlResult {
	if reason == "" {
		reason = "operator request"
	}
	if e.store.Emergency().Active {
		return failed(ActionEmergencyStop, errors.ErrEmergencyStop)
	}
	e.emergencyStop(ctx, reason)
	return succeeded(ActionEmergencyStop, "emergency stop engaged: "+reason, nil)
}

// ClearEmergency lifts the emergency stop.
func (e *Engine) ClearEmergency(ctx context.Context) ControlResult {
	em := e.store.Emergency()
	if !em.Active {
		return failed(ActionEmergencyClear, fmt.Errorf("no emergency stop active"))
	}
	e.store.SetEmergency(state.Emergency{})
	e.flush()

	e.logger.Warn().Str("was", em.Reason).Msg("Emergency stop cleared")
	if err := e.notifier.EngineEvent(ctx, "Emergency stop cleared", "previous reason: "+em.Reason); err != nil {
		e.logger.Warn().Err(err).Msg("Notification failed")
	}
	return succeeded(ActionEmergencyClear, "emergency stop cleared", nil)
}

// ClosePosition sells the whole position in symbol. It is allowed during an
// emergency stop.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) ControlResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	res, err := e.executor.SubmitExit(context.WithoutCancel(ctx), symbol, 0, models.ExitManual)
	e.flush()
	if err != nil {
		if errors.IsFatal(err) {
			e.emergencyStop(ctx, fmt.Sprintf("close %s: %v", symbol, err))
		}
		return ControlResult{Action: ActionClosePosition, Message: err.Error(), Data: res}
	}
	return succeeded(ActionClosePosition, fmt.Sprintf("sold %d %s at %.2f", res.Filled, symbol, res.AvgPrice), res)
}

// CloseAll closes every open position and reports each outcome.
func (e *Engine) CloseAll(ctx context.Context) ControlResult {
	ctx = context.WithoutCancel(ctx)
	positions := e.store.Positions()
	if len(positions) == 0 {
		return succeeded(ActionCloseAll, "no open positions", nil)
	}

	var results []trading.ExitResult
	var failures []string
	for _, p := range positions {
		res, err := e.executor.SubmitExit(ctx, p.Symbol, 0, models.ExitManual)
		results = append(results, res)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.Symbol, err))
			if errors.IsFatal(err) {
				e.emergencyStop(ctx, fmt.Sprintf("close all: %v", err))
				break
			}
		}
	}
	e.flush()

	if len(failures) > 0 {
		return ControlResult{
			Action:  ActionCloseAll,
			Message: fmt.Sprintf("%d of %d closes failed: %s", len(failures), len(positions), strings.Join(failures, "; ")),
			Data:    results,
		}
	}
	return succeeded(ActionCloseAll, fmt.Sprintf("closed %d positions", len(positions)), results)
}

// ClearFailed drops the permanently failed orders.
func (e *Engine) ClearFailed() ControlResult {
	n := e.store.ClearPermanentlyFailed()
	e.flush()
	return succeeded(ActionClearFailed, fmt.Sprintf("cleared %d permanently failed orders", n), n)
}

// Status reports the engine, portfolio and risk state.
func (e *Engine) Status() ControlResult {
	now := e.now()
	cash, holdings := e.equity()
	pending, failedCount, permanent := e.store.OrderCounts()

	rep := StatusReport{
		State:             e.State(),
		Phase:             e.phaseNow(now),
		TradingDay:        e.cal.IsTradingDay(now),
		Emergency:         e.store.Emergency(),
		Cash:              cash,
		Equity:            cash + holdings,
		Positions:         e.store.Positions(),
		PendingOrders:     pending,
		FailedOrders:      failedCount,
		PermanentlyFailed: permanent,
		Risk:              e.risk.Status(),
		Markers:           e.store.Markers(),
		Time:              now,
	}
	return succeeded(ActionStatus, string(rep.State), rep)
}
