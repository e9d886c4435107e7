package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/broker"
	"factor-trader/internal/calendar"
	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/risk"
	"factor-trader/internal/state"
	"factor-trader/internal/store"
	"factor-trader/internal/trading"
)

// 2026-03-02 is a Monday and the first trading day of March.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, time.UTC)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeScreener struct {
	mu     sync.Mutex
	result *models.ScreeningResult
	err    error
	panics bool
	calls  int
}

func (f *fakeScreener) Run(ctx context.Context) (*models.ScreeningResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.RunID = res.RunID + "-" + time.Now().Format("150405.000000000")
	return &res, nil
}

func (f *fakeScreener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recNotifier struct {
	notify.NoOpNotifier
	mu         sync.Mutex
	alerts     []models.RiskAlert
	rebalances []notify.RebalanceSummary
	summaries  []notify.DailySummary
	events     []string
}

func (n *recNotifier) RiskAlert(_ context.Context, a models.RiskAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recNotifier) RebalanceCompleted(_ context.Context, s notify.RebalanceSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rebalances = append(n.rebalances, s)
	return nil
}

func (n *recNotifier) DailySummary(_ context.Context, s notify.DailySummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func (n *recNotifier) EngineEvent(_ context.Context, title, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, title+": "+msg)
	return nil
}

func (n *recNotifier) alertTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, a := range n.alerts {
		out = append(out, a.Type)
	}
	return out
}

type rig struct {
	dir      string
	clock    *clock
	paper    *broker.PaperBroker
	store    *state.Store
	ledger   *store.SQLiteStore
	screener *fakeScreener
	notifier *recNotifier
	eng      *Engine
}

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Schedule.Timezone = "UTC"
	cfg.Schedule.USHolidays = false
	cfg.Schedule.MarketOpen = "09:30"
	cfg.Schedule.MarketClose = "16:00"
	cfg.Schedule.PreMarketLead = time.Hour
	cfg.Schedule.OpenWindow = 30 * time.Minute
	cfg.Schedule.CloseWindow = 30 * time.Minute
	cfg.Schedule.SpecialSessions = []config.SpecialSession{{Date: "2026-03-03", Close: "13:00"}}
	cfg.Execution.Retry = fastRetry(2)
	cfg.Execution.RequeueRetry = fastRetry(1)
	cfg.Execution.SettlementPause = 0
	cfg.Execution.MaxPositionWeight = 0.25
	cfg.Execution.CashBuffer = 0
	cfg.Monitor.PriceRetry = fastRetry(1)
	cfg.State.Path = filepath.Join(dir, "state.json")
	return cfg
}

func targets() *models.ScreeningResult {
	return &models.ScreeningResult{
		RunID:        "run",
		UniverseSize: 3,
		Selected: []models.CompositeScore{
			{Symbol: "AAA", Sector: "Tech", Passed: true, Rank: 1, Composite: 80, LastPrice: 100, ATR: 2},
			{Symbol: "BBB", Sector: "Energy", Passed: true, Rank: 2, Composite: 70, LastPrice: 50, ATR: 1},
		},
	}
}

// newRig builds an engine over dir. Reusing dir simulates a restart.
func newRig(t *testing.T, dir string, start time.Time) *rig {
	t.Helper()
	cfg := testConfig(dir)
	clk := &clock{t: start}

	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{InitialCash: 100000})
	paper.SetPrice("AAA", 100)
	paper.SetPrice("BBB", 50)

	st, rep := state.Open(cfg.State.Path, zerolog.Nop())
	st.SetClock(clk.Now)

	ledger, err := store.NewSQLiteStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	cal, err := calendar.New(cfg.Schedule, nil)
	require.NoError(t, err)

	rm := risk.NewMonitor(cfg.Risk, cal.Location(), zerolog.Nop())
	rm.SetClock(clk.Now)

	n := &recNotifier{}
	exec := trading.NewExecutor(paper, st, rm, ledger, n, cfg.Execution, trading.RulesFromConfig(cfg.Monitor), zerolog.Nop())
	exec.SetClock(clk.Now)
	mon := trading.NewPositionMonitor(paper, st, exec, cfg.Monitor, zerolog.Nop())
	scr := &fakeScreener{result: targets()}

	eng, err := New(Deps{
		Config:     cfg,
		Calendar:   cal,
		Broker:     paper,
		Store:      st,
		Ledger:     ledger,
		Risk:       rm,
		Executor:   exec,
		Monitor:    mon,
		Screener:   scr,
		Notifier:   n,
		LoadReport: rep,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	eng.SetClock(clk.Now)

	return &rig{dir: dir, clock: clk, paper: paper, store: st, ledger: ledger, screener: scr, notifier: n, eng: eng}
}

func (r *rig) running() *rig {
	r.eng.mu.Lock()
	r.eng.status = StateRunning
	r.eng.mu.Unlock()
	return r
}

func (r *rig) tick(t time.Time) {
	r.clock.Set(t)
	r.eng.Tick(context.Background(), t)
}

func (r *rig) fired(date string) []Phase {
	var out []Phase
	for _, p := range dayPhases {
		if r.store.PhaseFired(date, string(p)) {
			out = append(out, p)
		}
	}
	return out
}

func TestPhaseAt(t *testing.T) {
	cal, err := calendar.New(testConfig(t.TempDir()).Schedule, nil)
	require.NoError(t, err)
	w := Windows{PreMarketLead: time.Hour, OpenWindow: 30 * time.Minute, CloseWindow: 30 * time.Minute}

	regular, ok := cal.Session(at(2, 12, 0))
	require.True(t, ok)
	cases := []struct {
		now  time.Time
		want Phase
	}{
		{at(2, 8, 29), PhaseClosed},
		{at(2, 8, 30), PhasePreMarket},
		{at(2, 9, 30), PhaseMarketOpen},
		{at(2, 9, 59), PhaseMarketOpen},
		{at(2, 10, 0), PhaseMarketHours},
		{at(2, 16, 0), PhaseMarketClose},
		{at(2, 16, 30), PhaseAfterMarket},
		{at(2, 23, 59), PhaseAfterMarket},
		{at(3, 0, 0), PhaseClosed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PhaseAt(regular, w, tc.now), tc.now.Format(time.Kitchen))
	}

	// The early close on the 3rd shifts the closing phases
	half, ok := cal.Session(at(3, 12, 0))
	require.True(t, ok)
	assert.True(t, half.Special)
	assert.Equal(t, PhaseMarketHours, PhaseAt(half, w, at(3, 12, 59)))
	assert.Equal(t, PhaseMarketClose, PhaseAt(half, w, at(3, 13, 0)))
	assert.Equal(t, PhaseAfterMarket, PhaseAt(half, w, at(3, 13, 30)))
}

func TestIsRebalanceDay(t *testing.T) {
	cal, err := calendar.New(testConfig(t.TempDir()).Schedule, nil)
	require.NoError(t, err)

	due, urgent := IsRebalanceDay(cal, at(2, 0, 0), state.RebalanceMarkers{}, false)
	assert.True(t, due)
	assert.False(t, urgent)

	done := state.RebalanceMarkers{LastRebalanceMonth: "2026-03"}
	due, _ = IsRebalanceDay(cal, at(2, 0, 0), done, false)
	assert.False(t, due, "month already rebalanced")

	due, urgent = IsRebalanceDay(cal, at(4, 0, 0), done, true)
	assert.True(t, due, "empty portfolio overrides the monthly lock")
	assert.True(t, urgent)

	due, _ = IsRebalanceDay(cal, at(4, 0, 0), state.RebalanceMarkers{}, false)
	assert.False(t, due)

	due, _ = IsRebalanceDay(cal, at(7, 0, 0), state.RebalanceMarkers{}, true)
	assert.False(t, due, "weekend")
}

func TestLateStartCatchesUpInOrder(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()

	r.tick(at(2, 11, 0))

	assert.Equal(t, []Phase{PhasePreMarket, PhaseMarketOpen, PhaseMarketHours}, r.fired("2026-03-02"))
	assert.Equal(t, 1, r.screener.count())

	// PRE_MARKET planned and MARKET_OPEN executed in the same tick
	aaa, ok := r.store.Position("AAA")
	require.True(t, ok)
	assert.Equal(t, 250, aaa.Quantity)
	assert.InDelta(t, 94.0, aaa.StopLoss, 1e-9)
	bbb, ok := r.store.Position("BBB")
	require.True(t, ok)
	assert.Equal(t, 500, bbb.Quantity)
	assert.InDelta(t, 50000.0, r.store.Cash(), 1e-6)

	pending, failed, _ := r.store.OrderCounts()
	assert.Zero(t, pending)
	assert.Zero(t, failed)

	m := r.store.Markers()
	assert.Equal(t, "2026-03-02", m.LastScreeningDate)
	assert.Equal(t, "2026-03", m.LastRebalanceMonth)
	assert.Empty(t, m.LastUrgentRebalanceMonth)

	require.Len(t, r.notifier.rebalances, 1)
	assert.Equal(t, 2, r.notifier.rebalances[0].Buys)
	assert.False(t, r.notifier.rebalances[0].Urgent)
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, r.notifier.rebalances[0].Targets)

	audit, err := r.ledger.LatestScreening(context.Background())
	require.NoError(t, err)
	require.NotNil(t, audit)
	assert.Equal(t, []string{"AAA", "BBB"}, audit.Symbols())

	// A second tick the same day fires nothing new
	r.tick(at(2, 11, 1))
	assert.Equal(t, 1, r.screener.count())
	assert.Equal(t, 2, r.paper.OrderCount())
}

func TestFiredMarkersSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	first := newRig(t, dir, at(2, 11, 0)).running()
	first.tick(at(2, 11, 0))
	require.Equal(t, 2, first.paper.OrderCount())

	second := newRig(t, dir, at(2, 11, 5)).running()
	second.tick(at(2, 11, 5))

	assert.Equal(t, 0, second.screener.count())
	assert.Equal(t, 0, second.paper.OrderCount())
	_, ok := second.store.Position("AAA")
	assert.True(t, ok)
}

func TestUrgentRebalanceWhenPortfolioEmpty(t *testing.T) {
	r := newRig(t, t.TempDir(), at(4, 9, 0)).running()
	r.store.MarkRebalanced(at(2, 0, 0), false)

	r.tick(at(4, 9, 45))

	assert.Equal(t, 1, r.screener.count())
	m := r.store.Markers()
	assert.Equal(t, "2026-03-04", m.LastRebalanceDate)
	assert.Equal(t, "2026-03", m.LastUrgentRebalanceMonth)
	require.Len(t, r.notifier.rebalances, 1)
	assert.True(t, r.notifier.rebalances[0].Urgent)
}

func TestAuthFailureTriggersEmergencyStop(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 9, 45)).running()
	r.paper.InjectFault(broker.OpBalance,
		errors.NewBrokerError(errors.CategoryAuth, "TokenException", "token expired", errors.ErrNotAuthenticated))

	r.tick(at(2, 9, 45))

	assert.Equal(t, StateEmergency, r.eng.State())
	assert.Equal(t, []Phase{PhasePreMarket}, r.fired("2026-03-02"))
	assert.Contains(t, r.notifier.alertTypes(), models.AlertEmergencyStop)
	assert.Equal(t, 0, r.paper.OrderCount())

	doc, err := state.ReadFile(r.store.Path())
	require.NoError(t, err)
	assert.True(t, doc.Emergency.Active)
	assert.Contains(t, doc.Emergency.Reason, "PRE_MARKET")

	// Blocked until cleared
	r.tick(at(2, 10, 30))
	assert.Equal(t, []Phase{PhasePreMarket}, r.fired("2026-03-02"))

	res := r.eng.ClearEmergency(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StateRunning, r.eng.State())

	r.tick(at(2, 10, 31))
	assert.Equal(t, []Phase{PhasePreMarket, PhaseMarketOpen, PhaseMarketHours}, r.fired("2026-03-02"))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 9, 0)).running()
	r.screener.panics = true

	r.tick(at(2, 9, 0))

	assert.Equal(t, []Phase{PhasePreMarket}, r.fired("2026-03-02"))
	assert.Equal(t, StateRunning, r.eng.State())
	require.Len(t, r.notifier.events, 1)
	assert.Contains(t, r.notifier.events[0], "panic in PRE_MARKET")

	// The next phase still fires
	r.tick(at(2, 9, 31))
	assert.Equal(t, []Phase{PhasePreMarket, PhaseMarketOpen}, r.fired("2026-03-02"))
}

func TestMarketCloseWritesSnapshotAndSummary(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()
	r.tick(at(2, 11, 0))

	r.paper.SetPrice("AAA", 110)
	r.tick(at(2, 16, 5))

	snap, err := r.ledger.SnapshotOn(context.Background(), at(2, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.InDelta(t, 102500.0, snap.TotalEquity, 1e-6)
	assert.InDelta(t, 52500.0, snap.HoldingsValue, 1e-6)
	assert.Equal(t, 2, snap.PositionCount)
	assert.InDelta(t, 102500.0, snap.BrokerEquity, 1e-6)
	assert.Empty(t, snap.Discrepancy)

	require.Len(t, r.notifier.summaries, 1)
	sum := r.notifier.summaries[0]
	assert.Equal(t, "2026-03-02", sum.Date)
	assert.Equal(t, 2, sum.Trades)
	assert.Equal(t, 2, sum.Positions)
}

func TestMarketCloseReconcilesAgainstBroker(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()
	r.tick(at(2, 11, 0))

	r.paper.Seed(50000, []models.BrokerPosition{
		{Symbol: "AAA", Quantity: 240, AveragePrice: 100},
		{Symbol: "BBB", Quantity: 500, AveragePrice: 50},
	})
	r.tick(at(2, 16, 5))

	snap, err := r.ledger.SnapshotOn(context.Background(), at(2, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "AAA local=250 broker=240", snap.Discrepancy)
	assert.Contains(t, r.notifier.alertTypes(), models.AlertReconciliation)
}

func TestForceRebalance(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 8, 0))
	ctx := context.Background()

	require.True(t, r.store.TryLockScreening())
	res := r.eng.ForceRebalance(ctx)
	assert.False(t, res.Success)
	assert.Equal(t, "rebalance already in progress", res.Message)
	r.store.UnlockScreening()

	// Before the open the orders are queued
	res = r.eng.ForceRebalance(ctx)
	require.True(t, res.Success, res.Message)
	pending := r.store.PendingOrders()
	require.Len(t, pending, 2)
	for _, o := range pending {
		assert.Equal(t, models.SourceManual, o.Source)
	}
	assert.Equal(t, 0, r.paper.OrderCount())

	// During market hours they execute at once
	r.clock.Set(at(2, 10, 15))
	res = r.eng.ForceRebalance(ctx)
	require.True(t, res.Success, res.Message)
	out, ok := res.Data.(RebalanceOutcome)
	require.True(t, ok)
	assert.True(t, out.Executed)
	assert.Equal(t, 2, out.Report.Buys)
	assert.Equal(t, 2, r.store.PositionCount())
	require.Len(t, r.notifier.rebalances, 1)
	assert.False(t, r.notifier.rebalances[0].Urgent)
}

func TestOperatorExitsDuringEmergency(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()
	r.tick(at(2, 11, 0))
	ctx := context.Background()

	res := r.eng.EmergencyStop(ctx, "")
	require.True(t, res.Success)
	assert.False(t, r.eng.EmergencyStop(ctx, "again").Success)
	assert.False(t, r.eng.ForceRebalance(ctx).Success)

	res = r.eng.ClosePosition(ctx, "aaa")
	require.True(t, res.Success, res.Message)
	_, ok := r.store.Position("AAA")
	assert.False(t, ok)

	res = r.eng.ClosePosition(ctx, "AAA")
	assert.False(t, res.Success)

	res = r.eng.CloseAll(ctx)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 0, r.store.PositionCount())
	assert.InDelta(t, 100000.0, r.store.Cash(), 1e-6)
}

func TestLifecycleControls(t *testing.T) {
	// A Saturday keeps the background loop idle
	r := newRig(t, t.TempDir(), at(7, 12, 0))

	assert.False(t, r.eng.Stop().Success)
	assert.False(t, r.eng.Pause().Success)

	require.True(t, r.eng.Start().Success)
	assert.Equal(t, StateRunning, r.eng.State())
	assert.False(t, r.eng.Start().Success)

	require.True(t, r.eng.Pause().Success)
	assert.Equal(t, StatePaused, r.eng.State())
	assert.False(t, r.eng.Pause().Success)
	require.True(t, r.eng.Resume().Success)

	require.True(t, r.eng.Stop().Success)
	assert.Equal(t, StateStopped, r.eng.State())

	status := r.eng.Status()
	require.True(t, status.Success)
	rep, ok := status.Data.(StatusReport)
	require.True(t, ok)
	assert.Equal(t, PhaseClosed, rep.Phase)
	assert.False(t, rep.TradingDay)
	assert.True(t, rep.Risk.CanTrade)
}

func TestRunReportsRecoveredState(t *testing.T) {
	r := newRig(t, t.TempDir(), at(7, 12, 0))
	r.eng.loadReport = state.LoadReport{Recovered: true, BackupPath: "state.json.backup.20260307-120000"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.eng.Run(ctx))

	assert.Contains(t, r.notifier.alertTypes(), models.AlertStateRecovered)
	assert.Equal(t, StateStopped, r.eng.State())
}

func manualBuy(symbol string, qty int) models.PendingOrder {
	return models.PendingOrder{
		ID:       symbol + "-manual",
		Symbol:   symbol,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Reason:   "operator",
		Source:   models.SourceManual,
	}
}

func TestLossAtCloseHaltsNextOpenBuys(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()
	ctx := context.Background()
	require.NoError(t, r.ledger.RecordSnapshot(ctx, models.DailySnapshot{
		Date:        time.Date(2026, time.February, 27, 0, 0, 0, 0, time.UTC),
		TotalEquity: 100000,
	}))
	r.tick(at(2, 11, 0))
	require.Equal(t, 2, r.paper.OrderCount())

	// 5% down on the day against a 3% limit
	r.paper.SetPrice("AAA", 80)
	r.tick(at(2, 16, 5))
	assert.Contains(t, r.notifier.alertTypes(), models.AlertDailyLoss)
	// The halt runs through the close of the next session, an early close
	assert.True(t, r.eng.risk.Status().HaltUntil.Equal(at(3, 13, 0)))

	r.paper.SetPrice("AAA", 100)
	r.paper.SetPrice("CCC", 10)
	r.store.AddPending(manualBuy("CCC", 10))
	r.tick(at(3, 9, 45))

	_, held := r.store.Position("CCC")
	assert.False(t, held)
	assert.Equal(t, 2, r.paper.OrderCount())
	pending := r.store.PendingOrders()
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastError, "deferred: risk")

	r.tick(at(4, 9, 45))
	ccc, held := r.store.Position("CCC")
	require.True(t, held)
	assert.Equal(t, 10, ccc.Quantity)
}

func TestLossAtOpenHaltsSameDayBuys(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 11, 0)).running()
	r.tick(at(2, 11, 0))
	r.tick(at(2, 16, 5))
	require.NotContains(t, r.notifier.alertTypes(), models.AlertDailyLoss)

	// Gapped down overnight
	r.paper.SetPrice("AAA", 80)
	r.paper.SetPrice("CCC", 10)
	r.store.AddPending(manualBuy("CCC", 10))
	r.tick(at(3, 9, 45))

	assert.Contains(t, r.notifier.alertTypes(), models.AlertDailyLoss)
	assert.True(t, r.eng.risk.Status().HaltUntil.Equal(at(3, 13, 0)))
	_, held := r.store.Position("CCC")
	assert.False(t, held)
	o := r.store.PendingOrders()
	require.Len(t, o, 1)
	assert.Equal(t, "CCC", o[0].Symbol)
	assert.Contains(t, o[0].LastError, "deferred: risk")
}

func staleBuy(symbol string, qty int) models.PendingOrder {
	return models.PendingOrder{
		ID:       symbol + "-stale",
		Symbol:   symbol,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Reason:   trading.ReasonSelected,
		Source:   models.SourceRebalance,
	}
}

func TestNewPlanSupersedesFailedBuys(t *testing.T) {
	r := newRig(t, t.TempDir(), at(2, 9, 0)).running()
	r.store.AddPending(staleBuy("AAA", 250))
	require.True(t, r.store.MoveToFailed("AAA-stale", "connection reset"))

	r.tick(at(2, 9, 45))

	assert.Equal(t, 1, r.screener.count())
	aaa, ok := r.store.Position("AAA")
	require.True(t, ok)
	assert.Equal(t, 250, aaa.Quantity)
	assert.Empty(t, r.store.FailedOrders())
	assert.Empty(t, r.store.PermanentlyFailed())
	assert.Equal(t, 2, r.paper.OrderCount())
}

func TestFailedBuyBlocksEmptyPortfolioOverride(t *testing.T) {
	r := newRig(t, t.TempDir(), at(4, 9, 0)).running()
	r.store.MarkRebalanced(at(2, 0, 0), false)
	r.store.AddPending(staleBuy("AAA", 250))
	require.True(t, r.store.MoveToFailed("AAA-stale", "connection reset"))

	r.tick(at(4, 9, 45))

	// The replay fills the book instead of a fresh screen
	assert.Zero(t, r.screener.count())
	aaa, ok := r.store.Position("AAA")
	require.True(t, ok)
	assert.Equal(t, 250, aaa.Quantity)
	assert.Empty(t, r.notifier.rebalances)
}
