package store

import (
	"context"
	"fmt"
	"path/filepath"
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
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(d int) time.Time {
	return time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestTransactionsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []models.TransactionRecord{
		{OrderID: "o1", Symbol: "AAPL", Side: models.OrderSideBuy, Quantity: 10, Price: 100, ExecutedAt: day(2).Add(15 * time.Hour)},
		{OrderID: "o2", Symbol: "MSFT", Side: models.OrderSideBuy, Quantity: 5, Price: 300, ExecutedAt: day(3).Add(15 * time.Hour)},
		{OrderID: "o3", Symbol: "AAPL", Side: models.OrderSideSell, Quantity: 10, Price: 110, RealizedPnL: 100, Reason: "take_profit_1", ExecutedAt: day(4).Add(15 * time.Hour)},
	}
	for _, r := range recs {
		require.NoError(t, s.RecordTransaction(ctx, r))
	}

	all, err := s.Transactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "o1", all[0].OrderID)
	assert.Equal(t, 1000.0, all[0].Amount)

	aapl, err := s.Transactions(ctx, TransactionFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, aapl, 2)
	assert.Equal(t, models.OrderSideSell, aapl[1].Side)
	assert.Equal(t, 100.0, aapl[1].RealizedPnL)

	ranged, err := s.Transactions(ctx, TransactionFilter{From: day(3), To: day(4)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "MSFT", ranged[0].Symbol)

	limited, err := s.Transactions(ctx, TransactionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSnapshotUpsertAndLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.RecordSnapshot(ctx, models.DailySnapshot{Date: day(2), TotalEquity: 100000}))
	require.NoError(t, s.RecordSnapshot(ctx, models.DailySnapshot{Date: day(3), TotalEquity: 99000}))
	// Same date replaces the earlier row
	require.NoError(t, s.RecordSnapshot(ctx, models.DailySnapshot{Date: day(3), TotalEquity: 98500, Discrepancy: "AAPL local=10 broker=9"}))

	snaps, err := s.Snapshots(ctx, day(1), day(31))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Date.Equal(day(2)))

	on, err := s.SnapshotOn(ctx, day(3))
	require.NoError(t, err)
	require.NotNil(t, on)
	assert.Equal(t, 98500.0, on.TotalEquity)
	assert.Equal(t, "AAPL local=10 broker=9", on.Discrepancy)

	latest, err = s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Date.Equal(day(3)))

	eq, ok, err := s.EquityBefore(ctx, day(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100000.0, eq)

	_, ok, err = s.EquityBefore(ctx, day(2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProperty_EquityBeforeIsLastEarlierSnapshot(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("EquityBefore returns the closest earlier snapshot", prop.ForAll(
		func(mask int, query int) bool {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				return false
			}
			defer s.Close()
			ctx := context.Background()

			want, found := 0.0, false
			for d := 1; d <= 20; d++ {
				if mask&(1<<d) == 0 {
					continue
				}
				if err := s.RecordSnapshot(ctx, models.DailySnapshot{Date: day(d), TotalEquity: float64(d * 1000)}); err != nil {
					return false
				}
				if d < query {
					want, found = float64(d*1000), true
				}
			}

			got, ok, err := s.EquityBefore(ctx, day(query))
			return err == nil && ok == found && got == want
		},
		gen.IntRange(0, 1<<21-1),
		gen.IntRange(1, 21),
	))

	properties.TestingRun(t)
}

func TestScreeningAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.LatestScreening(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
	require.NoError(t, s.RecordScreening(ctx, nil))

	older := &models.ScreeningResult{
		RunID:     "run-1",
		Timestamp: day(2).Add(13 * time.Hour),
		Selected:  []models.CompositeScore{{Symbol: "OLD", Passed: true, Rank: 1}},
	}
	run := &models.ScreeningResult{
		RunID:         "run-2",
		UniverseSize:  4,
		FilteredCount: 1,
		Timestamp:     day(3).Add(13 * time.Hour),
		Elapsed:       1500 * time.Millisecond,
		Selected: []models.CompositeScore{
			{Symbol: "MSFT", Composite: 71, Passed: true, Rank: 1, LastPrice: 300, ATR: 6},
			{Symbol: "AAPL", Composite: 65, Passed: true, Rank: 2, LastPrice: 100, ATR: 2},
		},
		Rejected: []models.CompositeScore{
			{Symbol: "LOSS", FilterReason: "negative or zero earnings (PER -5.00)"},
		},
	}
	require.NoError(t, s.RecordScreening(ctx, older))
	require.NoError(t, s.RecordScreening(ctx, run))

	got, err := s.LatestScreening(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-2", got.RunID)
	assert.Equal(t, []string{"MSFT", "AAPL"}, got.Symbols())
	assert.Equal(t, 1500*time.Millisecond, got.Elapsed)
	assert.Equal(t, 2.0, got.Selected[1].ATR)
	require.Len(t, got.Rejected, 1)
	assert.Equal(t, "negative or zero earnings (PER -5.00)", got.Rejected[0].FilterReason)
	assert.False(t, got.Rejected[0].Passed)
}

func TestClosedStoreReportsDatabaseError(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(context.Background()), errors.ErrDatabaseError)
	err = s.RecordTransaction(context.Background(), models.TransactionRecord{Symbol: "AAPL"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDatabaseError)
}

type stubFetcher struct {
	candles []models.Candle
	err     error
	calls   int
}

func (f *stubFetcher) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func bars(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = models.Candle{Timestamp: day(i + 1), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 1000}
	}
	return out
}

func TestCandleCacheFreshnessAndFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := &stubFetcher{candles: bars(10)}
	cache := NewCandleCache(s, src, 12*time.Hour, zerolog.Nop())

	now := day(20).Add(9 * time.Hour)
	cache.SetClock(func() time.Time { return now })

	got, err := cache.GetDailyCandles(ctx, "AAPL", day(1), day(10))
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, 1, src.calls)

	// Fresh and covering: served from SQLite
	got, err = cache.GetDailyCandles(ctx, "AAPL", day(3), day(10))
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.Equal(t, 1, src.calls)
	assert.True(t, got[0].Timestamp.Equal(day(3)))

	// A wider range than was synced goes upstream
	_, err = cache.GetDailyCandles(ctx, "AAPL", day(1).AddDate(0, -1, 0), day(10))
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	// Stale cache with a failing upstream still answers
	now = now.Add(24 * time.Hour)
	src.err = fmt.Errorf("upstream: %w", errors.ErrServerError)
	got, err = cache.GetDailyCandles(ctx, "AAPL", day(1), day(10))
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, 3, src.calls)

	// Nothing cached and upstream down
	_, err = cache.GetDailyCandles(ctx, "MSFT", day(1), day(10))
	assert.ErrorIs(t, err, errors.ErrServerError)
}
