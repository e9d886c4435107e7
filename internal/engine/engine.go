// Package engine drives the trading day. It fires the session phases in
// order, runs the position monitor while the market is open and exposes the
// operator controls.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/broker"
	"factor-trader/internal/calendar"
	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/risk"
	"factor-trader/internal/state"
	"factor-trader/internal/store"
	"factor-trader/internal/trading"
	"factor-trader/pkg/utils"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"

	// StateEmergency is reported while the emergency flag is set, whatever
	// the lifecycle state underneath.
	StateEmergency State = "EMERGENCY_STOP"
)

// Screener produces the target holdings.
type Screener interface {
	Run(ctx context.Context) (*models.ScreeningResult, error)
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Config     *config.Config
	Calendar   *calendar.Calendar
	Broker     broker.Client
	Store      *state.Store
	Ledger     store.Ledger
	Risk       *risk.Monitor
	Executor   *trading.Executor
	Monitor    *trading.PositionMonitor
	Screener   Screener
	Notifier   notify.Notifier
	LoadReport state.LoadReport
	Logger     zerolog.Logger
}

// Engine is the phase scheduler.
type Engine struct {
	cfg        *config.Config
	cal        *calendar.Calendar
	windows    Windows
	broker     broker.Client
	store      *state.Store
	ledger     store.Ledger
	risk       *risk.Monitor
	executor   *trading.Executor
	monitor    *trading.PositionMonitor
	screener   Screener
	notifier   notify.Notifier
	balance    utils.RetryPolicy
	loadReport state.LoadReport
	logger     zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	status State
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// tickMu keeps scheduler ticks from overlapping
	tickMu sync.Mutex
}

// New wires an engine. Every dependency except Notifier is required.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil:
		return nil, fmt.Errorf("engine: config is required")
	case d.Calendar == nil, d.Broker == nil, d.Store == nil, d.Ledger == nil:
		return nil, fmt.Errorf("engine: calendar, broker, state and ledger are required")
	case d.Risk == nil, d.Executor == nil, d.Monitor == nil, d.Screener == nil:
		return nil, fmt.Errorf("engine: risk, executor, monitor and screener are required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.NoOpNotifier{}
	}

	d.Risk.Restore(d.Store.RiskState())
	cal := d.Calendar
	d.Risk.SetHaltHorizon(func(t time.Time) time.Time { return haltHorizon(cal, t) })

	return &Engine{
		cfg:        d.Config,
		cal:        d.Calendar,
		windows:    WindowsFromConfig(d.Config.Schedule),
		broker:     d.Broker,
		store:      d.Store,
		ledger:     d.Ledger,
		risk:       d.Risk,
		executor:   d.Executor,
		monitor:    d.Monitor,
		screener:   d.Screener,
		notifier:   d.Notifier,
		balance:    d.Config.Execution.Retry.Policy("balance", errors.IsRetryable),
		loadReport: d.LoadReport,
		logger:     logging.WithComponent(d.Logger, "engine"),
		now:        time.Now,
		status:     StateStopped,
		parent:     context.Background(),
	}, nil
}

// SetClock overrides the time source used by the loop and the controls.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// State returns the effective state. The emergency flag overrides the
// lifecycle state.
func (e *Engine) State() State {
	if e.store.Emergency().Active {
		return StateEmergency
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Run owns the engine for the life of ctx: it reports how state was loaded,
// starts the loop when auto_start is set and stops it once ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.parent = ctx
	e.mu.Unlock()

	e.reportLoad(ctx)
	if em := e.store.Emergency(); em.Active {
		e.logger.Warn().Str("reason", em.Reason).Time("since", em.Since).Msg("Emergency stop is active; clear it to resume trading")
	}

	if e.cfg.Engine.AutoStart {
		if res := e.Start(); !res.Success {
			e.logger.Warn().Str("message", res.Message).Msg("Auto start skipped")
		}
	}

	<-ctx.Done()
	e.halt()
	e.flush()
	e.logger.Info().Msg("Engine shut down")
	return nil
}

func (e *Engine) reportLoad(ctx context.Context) {
	rep := e.loadReport
	if !rep.Recovered {
		return
	}
	msg := fmt.Sprintf("state file was unreadable and has been reset; backup at %s", rep.BackupPath)
	if rep.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, rep.Err)
	}
	alert := models.RiskAlert{
		Level:     models.RiskCritical,
		Type:      models.AlertStateRecovered,
		Message:   msg,
		Action:    "review_state",
		Timestamp: e.now(),
	}
	e.raise(ctx, alert)
}

// loop ticks until ctx is cancelled. Cancellation is observed between
// ticks; a tick in progress finishes first.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := e.cfg.Schedule.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("tick", interval).Msg("Scheduler started")
	e.Tick(ctx, e.now())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}

// phaseRun describes one handler invocation.
type phaseRun struct {
	phase   Phase
	current Phase // phase of the wall clock when the tick ran
	sess    calendar.Session
	date    string
	now     time.Time
	catchUp bool
}

// Tick runs one scheduler step at now: every unfired phase of the day up to
// the current one fires in order, then the position monitor runs if the
// market is open and it is due. Nothing happens unless the engine is
// RUNNING without an emergency stop.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.State() != StateRunning {
		return
	}
	sess, ok := e.cal.Session(now)
	if !ok {
		return
	}
	current := PhaseAt(sess, e.windows, now)
	if current == PhaseClosed {
		return
	}

	// Work already started finishes even if the loop is cancelled
	work := context.WithoutCancel(ctx)

	last := phaseIndex(current)
	for i := 0; i <= last; i++ {
		p := dayPhases[i]
		if e.store.PhaseFired(sess.Key(), string(p)) {
			continue
		}
		e.fire(work, phaseRun{
			phase:   p,
			current: current,
			sess:    sess,
			date:    sess.Key(),
			now:     now,
			catchUp: i < last,
		})
		if e.store.Emergency().Active {
			return
		}
	}

	if marketOpen(current) && e.monitor.Due(now) {
		e.runMonitor(work, now)
	}
}

// fire runs one phase handler. The phase is marked fired whatever the
// outcome, so a failing handler is not retried on the next tick.
func (e *Engine) fire(ctx context.Context, run phaseRun) {
	logging.LogPhase(e.logger, run.date, string(run.phase), run.catchUp)
	started := time.Now()

	err := e.safeRun(ctx, run)
	e.store.MarkPhaseFired(run.date, string(run.phase))

	log := logging.WithPhase(e.logger, string(run.phase))
	if err != nil {
		log.Error().Err(err).Str("date", run.date).Msg("Phase handler failed")
		if errors.IsFatal(err) {
			e.emergencyStop(ctx, fmt.Sprintf("%s: %v", run.phase, err))
		} else if nerr := e.notifier.EngineEvent(ctx, "Phase failed", fmt.Sprintf("%s on %s: %v", run.phase, run.date, err)); nerr != nil {
			log.Warn().Err(nerr).Msg("Notification failed")
		}
	} else {
		log.Debug().Dur("elapsed", time.Since(started)).Msg("Phase complete")
	}
	e.flush()
}

func (e *Engine) safeRun(ctx context.Context, run phaseRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", run.phase, r)
		}
	}()

	switch run.phase {
	case PhasePreMarket:
		return e.preMarket(ctx, run)
	case PhaseMarketOpen:
		return e.marketOpen(ctx, run)
	case PhaseMarketHours:
		return nil
	case PhaseMarketClose:
		return e.marketClose(ctx, run)
	case PhaseAfterMarket:
		return e.afterMarket(ctx, run)
	}
	return fmt.Errorf("unknown phase %s", run.phase)
}

func (e *Engine) runMonitor(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Position monitor panicked")
		}
	}()

	rep, err := e.monitor.Tick(ctx, now)
	if err != nil && errors.IsFatal(err) {
		e.emergencyStop(ctx, fmt.Sprintf("position monitor: %v", err))
		return
	}
	if rep.Checked == 0 {
		return
	}
	e.logger.Debug().
		Int("checked", rep.Checked).
		Int("stops_raised", rep.StopsRaised).
		Int("exits", rep.Exits).
		Int("exit_errors", rep.ExitErrors).
		Int("price_errors", rep.PriceErrors).
		Msg("Monitor pass")
	e.flush()
}

// flush copies the risk state into the store and saves it.
func (e *Engine) flush() {
	e.store.SetRiskState(e.risk.Export())
	if err := e.store.Save(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save state")
	}
}

// emergencyStop sets the persisted emergency flag and raises a CRITICAL
// alert. Order generation stays blocked until ClearEmergency.
func (e *Engine) emergencyStop(ctx context.Context, reason string) {
	now := e.now()
	e.store.SetEmergency(state.Emergency{Active: true, Reason: reason, Since: now})
	e.flush()

	e.raise(ctx, models.RiskAlert{
		Level:     models.RiskCritical,
		Type:      models.AlertEmergencyStop,
		Message:   reason,
		Action:    "emergency_stop",
		Timestamp: now,
	})
}

// raise logs an alert and hands it to the notifier.
func (e *Engine) raise(ctx context.Context, a models.RiskAlert) {
	logging.LogAlert(e.logger, a.Level.String(), a.Type, a.Message, a.Value, a.Threshold)
	if err := e.notifier.RiskAlert(ctx, a); err != nil {
		e.logger.Warn().Err(err).Str("alert", a.Type).Msg("Notification failed")
	}
}

// fetchBalance reads the broker balance under the balance retry policy.
func (e *Engine) fetchBalance(ctx context.Context) (*models.Balance, error) {
	bal, _, err := utils.RetryWithResult(ctx, e.balance, func(int) (*models.Balance, error) {
		return e.broker.GetBalance(ctx)
	})
	return bal, err
}

// equity is local cash plus the marked value of every position.
func (e *Engine) equity() (cash, holdings float64) {
	for _, p := range e.store.Positions() {
		holdings += p.MarketValue()
	}
	return e.store.Cash(), holdings
}

// phaseNow returns the phase of the wall clock, CLOSED on non-trading days.
func (e *Engine) phaseNow(now time.Time) Phase {
	sess, ok := e.cal.Session(now)
	if !ok {
		return PhaseClosed
	}
	return PhaseAt(sess, e.windows, now)
}
