package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
	"factor-trader/internal/risk"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "engine_state.json")
	s, report := Open(path, zerolog.Nop())
	require.True(t, report.Fresh)
	require.False(t, report.Recovered)
	return s, path
}

func buyOrder(id, sym string, qty int) models.PendingOrder {
	return models.PendingOrder{
		ID: id, Symbol: sym, Sector: "Tech", Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Quantity: qty, StopLoss: 94, TakeProfit1: 110, TakeProfit2: 120, ATR: 2, Source: models.SourceRebalance,
	}
}

func TestSaveAndReload(t *testing.T) {
	s, path := openTemp(t)
	s.SetCash(10000)
	s.AddPending(buyOrder("o1", "AAA", 10))
	_, err := s.CommitFill(buyOrder("o1", "AAA", 10), models.Fill{OrderID: "o1", Symbol: "AAA", Side: models.OrderSideBuy, Quantity: 10, Price: 100})
	require.NoError(t, err)
	s.AddPending(buyOrder("o2", "BBB", 5))
	require.True(t, s.MoveToFailed("o2", "timeout"))
	s.MarkPhaseFired("2026-03-02", "PRE_MARKET")
	s.MarkRebalanced(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), true)
	s.SetEmergency(Emergency{Active: true, Reason: "auth"})
	s.SetRiskState(risk.State{ConsecutiveLosses: 2, PeakEquity: 12000})
	require.NoError(t, s.Save())

	reloaded, report := Open(path, zerolog.Nop())
	assert.False(t, report.Fresh)

	pos, ok := reloaded.Position("AAA")
	require.True(t, ok)
	assert.Equal(t, 10, pos.Quantity)
	assert.Equal(t, 94.0, pos.StopLoss)
	assert.InDelta(t, 9000, reloaded.Cash(), 1e-9)

	pending, failed, permanent := reloaded.OrderCounts()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, permanent)
	assert.Equal(t, "timeout", reloaded.FailedOrders()[0].LastError)

	assert.True(t, reloaded.PhaseFired("2026-03-02", "PRE_MARKET"))
	assert.False(t, reloaded.PhaseFired("2026-03-02", "MARKET_OPEN"))
	m := reloaded.Markers()
	assert.Equal(t, "2026-03", m.LastRebalanceMonth)
	assert.Equal(t, "2026-03", m.LastUrgentRebalanceMonth)
	assert.True(t, reloaded.Emergency().Active)
	assert.Equal(t, 2, reloaded.RiskState().ConsecutiveLosses)
}

func TestCorruptFileRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"positions": [`), 0600))

	s, report := Open(path, zerolog.Nop())
	require.True(t, report.Recovered)
	assert.ErrorIs(t, report.Err, errors.ErrStateCorrupt)
	assert.Equal(t, 0, s.PositionCount())

	require.NotEmpty(t, report.BackupPath)
	assert.True(t, strings.HasPrefix(filepath.Base(report.BackupPath), "engine_state.json.backup."))
	backup, err := os.ReadFile(report.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, `{"positions": [`, string(backup))
}

func TestInterruptedWriteLeavesLastGoodState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a truncated temp file never replaces the state", prop.ForAll(
		func(qty int, cut int) bool {
			dir := t.TempDir()
			path := filepath.Join(dir, "engine_state.json")

			s, _ := Open(path, zerolog.Nop())
			s.PutPosition(models.Position{Symbol: "AAA", Quantity: qty, EntryPrice: 10})
			if err := s.Save(); err != nil {
				return false
			}

			// Simulate a process killed halfway through the next write.
			s.PutPosition(models.Position{Symbol: "BBB", Quantity: 1, EntryPrice: 10})
			full, _ := os.ReadFile(path)
			if cut > len(full) {
				cut = len(full)
			}
			tmp := path + ".tmp-123456"
			if err := os.WriteFile(tmp, full[:cut], 0600); err != nil {
				return false
			}

			reloaded, report := Open(path, zerolog.Nop())
			if report.Recovered || len(report.StaleTemps) != 1 {
				return false
			}
			if _, err := os.Stat(tmp); !os.IsNotExist(err) {
				return false
			}
			p, ok := reloaded.Position("AAA")
			_, hasB := reloaded.Position("BBB")
			return ok && p.Quantity == qty && !hasB
		},
		gen.IntRange(1, 10000),
		gen.IntRange(0, 400),
	))

	properties.TestingRun(t)
}

func TestCommitFillSellProducesClosedTrade(t *testing.T) {
	s, _ := openTemp(t)
	s.SetCash(0)
	s.PutPosition(models.Position{Symbol: "AAA", Quantity: 10, EntryPrice: 100, HighestPrice: 100})

	exit := models.PendingOrder{ID: "x1", Symbol: "AAA", Side: models.OrderSideSell, Quantity: 4}
	res, err := s.CommitFill(exit, models.Fill{OrderID: "x1", Symbol: "AAA", Side: models.OrderSideSell, Quantity: 4, Price: 90, Reason: models.ExitStopLoss})
	require.NoError(t, err)
	require.NotNil(t, res.Closed)
	assert.Equal(t, -40.0, res.Closed.PnL)
	assert.True(t, res.Closed.IsLoss())
	require.NotNil(t, res.Position)
	assert.Equal(t, 6, res.Position.Quantity)
	assert.Equal(t, 360.0, s.Cash())

	res, err = s.CommitFill(exit, models.Fill{Symbol: "AAA", Side: models.OrderSideSell, Quantity: 6, Price: 110})
	require.NoError(t, err)
	assert.Nil(t, res.Position)
	assert.Equal(t, 0, s.PositionCount())

	_, err = s.CommitFill(exit, models.Fill{Symbol: "AAA", Side: models.OrderSideSell, Quantity: 1, Price: 110})
	assert.ErrorIs(t, err, errors.ErrPositionNotFound)
}

func TestCommitFillPartialKeepsRemainder(t *testing.T) {
	s, _ := openTemp(t)
	o := buyOrder("o1", "AAA", 10)
	s.AddPending(o)

	res, err := s.CommitFill(o, models.Fill{OrderID: "o1", Symbol: "AAA", Side: models.OrderSideBuy, Quantity: 4, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Remaining)
	require.Len(t, s.PendingOrders(), 1)
	assert.Equal(t, 6, s.PendingOrders()[0].Quantity)

	res, err = s.CommitFill(o, models.Fill{OrderID: "o1", Symbol: "AAA", Side: models.OrderSideBuy, Quantity: 6, Price: 110})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)
	assert.Empty(t, s.PendingOrders())
	pos, _ := s.Position("AAA")
	assert.Equal(t, 10, pos.Quantity)
	assert.InDelta(t, 106, pos.EntryPrice, 1e-9)
	assert.Equal(t, 110.0, pos.HighestPrice)
}

func TestOrderLifecycle(t *testing.T) {
	s, _ := openTemp(t)
	s.AddPending(buyOrder("a", "AAA", 1), buyOrder("b", "BBB", 1))
	assert.True(t, s.HasQueuedBuys())

	require.True(t, s.MoveToFailed("a", "503"))
	o, ok := s.MarkPermanentlyFailed("a", "503 again")
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusPermanentlyFailed, o.Status)
	assert.Len(t, s.PermanentlyFailed(), 1)
	assert.Equal(t, 1, s.ClearPermanentlyFailed())

	assert.Equal(t, 1, s.Supersede(models.SourceRebalance))
	s.AddPending(buyOrder("c", "CCC", 2))
	pending := s.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)
}

func TestSupersedeClearsFailedQueue(t *testing.T) {
	s, _ := openTemp(t)
	exit := buyOrder("x", "XXX", 1)
	exit.Source = models.SourceExit
	s.AddPending(buyOrder("a", "AAA", 1), buyOrder("b", "BBB", 1), exit)
	require.True(t, s.MoveToFailed("a", "503"))
	require.True(t, s.MoveToFailed("x", "503"))

	assert.Equal(t, 2, s.Supersede(models.SourceRebalance, models.SourceManual))
	assert.Empty(t, s.PendingOrders())
	failed := s.FailedOrders()
	require.Len(t, failed, 1)
	assert.Equal(t, "x", failed[0].ID)
}

func TestHasQueuedBuysSeesFailedQueue(t *testing.T) {
	s, _ := openTemp(t)
	assert.False(t, s.HasQueuedBuys())
	s.AddPending(buyOrder("a", "AAA", 1))
	require.True(t, s.MoveToFailed("a", "connection reset"))
	assert.Empty(t, s.PendingOrders())
	assert.True(t, s.HasQueuedBuys())
}

func TestScreeningTryLock(t *testing.T) {
	s, _ := openTemp(t)
	require.True(t, s.TryLockScreening())
	assert.False(t, s.TryLockScreening())
	s.UnlockScreening()
	assert.True(t, s.TryLockScreening())
	s.UnlockScreening()
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("S%d", i)
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("%s-%d", sym, j)
				o := buyOrder(id, sym, 1)
				s.AddPending(o)
				_, _ = s.CommitFill(o, models.Fill{OrderID: id, Symbol: sym, Side: models.OrderSideBuy, Quantity: 1, Price: 10})
				s.UpdatePosition(sym, func(p *models.Position) { p.ObservePrice(11) })
				if j%5 == 0 {
					_ = s.Save()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, s.PositionCount())
	assert.Empty(t, s.PendingOrders())
	assert.InDelta(t, -1600, s.Cash(), 1e-9)
}

func TestPruneFired(t *testing.T) {
	s, _ := openTemp(t)
	s.MarkPhaseFired("2026-03-01", "PRE_MARKET")
	s.MarkPhaseFired("2026-03-02", "PRE_MARKET")
	assert.Equal(t, 1, s.PruneFired("2026-03-02"))
	assert.False(t, s.PhaseFired("2026-03-01", "PRE_MARKET"))
	assert.True(t, s.PhaseFired("2026-03-02", "PRE_MARKET"))
}
