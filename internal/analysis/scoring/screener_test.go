package scoring

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

type fakeCandles struct {
	data  map[string][]models.Candle
	fail  map[string]error
	calls atomic.Int32
}

func (f *fakeCandles) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	f.calls.Add(1)
	if err, ok := f.fail[symbol]; ok {
		return nil, err
	}
	return f.data[symbol], nil
}

const sampleCSV = `symbol,name,sector,market_cap,per,pbr,psr,dividend_yield,roe,operating_margin,debt_ratio,eps_growth
aaa,Alpha,Tech,90000000000,12,2,2,0.02,0.22,0.2,0.4,0.15
BBB,Beta,Energy,80000000000,-5,1.1,1,0.04,0.1,0.1,0.8,0.05
CCC,Gamma,Tech,70000000000,18,3,4,0.01,0.15,0.12,1.2,0.08
DDD,Delta,Retail,500,10,1,1,0.03,0.1,0.1,0.5,0.1
aaa,Duplicate,Tech,1,1,1,1,0,0,0,0,0
`

func TestParseFundamentals(t *testing.T) {
	rows, err := ParseFundamentals(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "AAA", rows[0].Symbol)
	assert.Equal(t, "Alpha", rows[0].Name)
	assert.Equal(t, 0.22, rows[0].ROE)

	universe := BuildUniverse(rows, 1e9, 2)
	require.Len(t, universe, 2)
	assert.Equal(t, "AAA", universe[0].Symbol)
	assert.Equal(t, "BBB", universe[1].Symbol)
}

func TestCSVFundamentalsMissingFile(t *testing.T) {
	_, err := NewCSVFundamentals(filepath.Join(t.TempDir(), "nope.csv")).Fundamentals(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryData, errors.Classify(err))
}

func TestScreenerRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fundamentals.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0644))

	cfg := config.Default()
	cfg.Screener.TargetHoldings = 5
	cfg.Screener.FetchRetry.BaseDelay = time.Millisecond
	cfg.Screener.FetchRetry.MaxDelay = time.Millisecond

	transient := errors.NewBrokerError(errors.CategoryServer, "503", "down", errors.ErrServerError)
	candles := &fakeCandles{
		data: map[string][]models.Candle{
			"AAA": trendCandles(300, 100, 0.2),
			"BBB": trendCandles(300, 100, 0.2),
		},
		fail: map[string]error{"CCC": transient},
	}

	s := NewScreener(cfg.Screener, NewFactorEngine(cfg.Factors, cfg.Screener.MinMarketCap, 14),
		NewCSVFundamentals(path), candles, zerolog.Nop())

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.UniverseSize)
	assert.Equal(t, 1, res.FilteredCount)
	assert.NotEmpty(t, res.RunID)
	require.Equal(t, []string{"AAA"}, res.Symbols())
	assert.Greater(t, res.Selected[0].LastPrice, 0.0)
	assert.Greater(t, res.Selected[0].ATR, 0.0)

	reasons := map[string]string{}
	for _, r := range res.Rejected {
		reasons[r.Symbol] = r.FilterReason
	}
	assert.Contains(t, reasons["BBB"], "negative or zero earnings")
	assert.Contains(t, reasons["CCC"], "price history unavailable")

	// CCC retried to the budget; the others fetched once.
	assert.Equal(t, int32(2+cfg.Screener.FetchRetry.MaxAttempts), candles.calls.Load())
}

func TestScreenerEmptyUniverse(t *testing.T) {
	cfg := config.Default()
	s := NewScreener(cfg.Screener, NewFactorEngine(cfg.Factors, 1e9, 14),
		StaticFundamentals{{Symbol: "TINY", MarketCap: 10}}, &fakeCandles{}, zerolog.Nop())
	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDataNotFound)
}
