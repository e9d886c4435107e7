package trading

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/broker"
	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/state"
)

var testRules = ExitRules{
	ATRMultiplier:     3,
	TrailingPercent:   0.08,
	TakeProfit1:       0.10,
	TakeProfit2:       0.20,
	TP1Fraction:       0.5,
	TP2Fraction:       0.5,
	BreakevenAfterTP1: true,
}

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:   attempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 1,
	}
}

type fakeLedger struct {
	mu   sync.Mutex
	recs []models.TransactionRecord
}

func (l *fakeLedger) RecordTransaction(_ context.Context, rec models.TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func (l *fakeLedger) records() []models.TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TransactionRecord{}, l.recs...)
}

type fakeNotifier struct {
	notify.NoOpNotifier
	mu      sync.Mutex
	entries []notify.TradeEvent
	exits   []notify.TradeEvent
	failed  []models.PendingOrder
	alerts  []models.RiskAlert
}

func (n *fakeNotifier) EntryExecuted(_ context.Context, e notify.TradeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
	return nil
}

func (n *fakeNotifier) ExitExecuted(_ context.Context, e notify.TradeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exits = append(n.exits, e)
	return nil
}

func (n *fakeNotifier) OrderFailed(_ context.Context, o models.PendingOrder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, o)
	return nil
}

func (n *fakeNotifier) RiskAlert(_ context.Context, a models.RiskAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

type rig struct {
	store  *state.Store
	paper  *broker.PaperBroker
	exec   *Executor
	ledger *fakeLedger
	notes  *fakeNotifier
}

func newRig(t *testing.T, gate RiskGate) *rig {
	t.Helper()
	st, rep := state.Open(filepath.Join(t.TempDir(), "engine_state.json"), zerolog.Nop())
	require.NoError(t, rep.Err)

	pb := broker.NewPaperBroker(broker.PaperBrokerConfig{InitialCash: 100000})
	st.SetCash(100000)

	r := &rig{store: st, paper: pb, ledger: &fakeLedger{}, notes: &fakeNotifier{}}
	cfg := config.ExecutionConfig{
		Retry:        fastRetry(3),
		RequeueRetry: fastRetry(2),
	}
	r.exec = NewExecutor(pb, st, gate, r.ledger, r.notes, cfg, testRules, zerolog.Nop())
	return r
}

// hold puts a position into both the local state and the simulated account.
func (r *rig) hold(symbol string, qty int, entry float64) {
	lv := testRules.InitialLevels(entry, 0)
	r.store.PutPosition(models.Position{
		Symbol:       symbol,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Quantity:     qty,
		HighestPrice: entry,
		StopLoss:     lv.StopLoss,
		TakeProfit1:  lv.TakeProfit1,
		TakeProfit2:  lv.TakeProfit2,
	})
	bal, _ := r.paper.GetBalance(context.Background())
	positions := append(bal.Positions, models.BrokerPosition{Symbol: symbol, Quantity: qty, AveragePrice: entry, LastPrice: entry})
	r.paper.Seed(bal.Cash, positions)
	r.paper.SetPrice(symbol, entry)
}

func timeoutErr() error {
	return errors.NewBrokerError(errors.CategoryTimeout, "TIMEOUT", "request timed out", errors.ErrTimeout)
}

func rejectErr() error {
	return errors.NewBrokerError(errors.CategoryRejected, "REJECTED", "instrument suspended", errors.ErrOrderRejected)
}

func authErr() error {
	return errors.NewBrokerError(errors.CategoryAuth, "TokenException", "token expired", errors.ErrNotAuthenticated)
}

func buyOrder(symbol string, qty int) models.PendingOrder {
	return models.PendingOrder{
		ID:       symbol + "-buy",
		Symbol:   symbol,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
		Reason:   ReasonSelected,
		Source:   models.SourceRebalance,
	}
}

func sellOrder(symbol string, qty int) models.PendingOrder {
	o := buyOrder(symbol, qty)
	o.ID = symbol + "-sell"
	o.Side = models.OrderSideSell
	o.Reason = ReasonDropped
	return o
}
