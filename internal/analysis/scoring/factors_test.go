package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factor-trader/internal/config"
	"factor-trader/internal/models"
)

func testEngine() *FactorEngine {
	cfg := config.Default()
	return NewFactorEngine(cfg.Factors, 1e9, 14)
}

// trendCandles builds n daily candles growing by step per session.
func trendCandles(n int, start, step float64) []models.Candle {
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = models.Candle{Timestamp: base.AddDate(0, 0, i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c}
	}
	return out
}

func healthy(symbol string) models.Fundamentals {
	return models.Fundamentals{
		Symbol: symbol, Sector: "Tech", MarketCap: 5e10,
		PER: 14, PBR: 2.5, PSR: 3, DividendYield: 0.02,
		ROE: 0.2, OperatingMargin: 0.18, DebtRatio: 0.5, EPSGrowth: 0.12,
	}
}

func TestScoresStayInRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	e := testEngine()

	properties.Property("sub-scores and composite are finite and within [0, 100]", prop.ForAll(
		func(per, pbr, roe, debt, step float64, n int) bool {
			f := healthy("X")
			f.PER, f.PBR, f.ROE, f.DebtRatio = per, pbr, roe, debt
			s := e.Score(Input{Fundamentals: f, Candles: trendCandles(n, 100, step)})
			for _, v := range []float64{s.Value, s.Momentum, s.Quality, s.Composite} {
				if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-50, 200),
		gen.Float64Range(-1, 30),
		gen.Float64Range(-1, 1),
		gen.Float64Range(-1, 10),
		gen.Float64Range(-0.3, 0.5),
		gen.IntRange(0, 300),
	))

	properties.Property("non-positive PER is always rejected", prop.ForAll(
		func(per float64) bool {
			f := healthy("X")
			f.PER = per
			ok, reason := e.Filter(f, trendCandles(260, 100, 0.1))
			return !ok && len(reason) > 0
		},
		gen.Float64Range(-100, 0),
	))

	properties.TestingRun(t)
}

func TestNegativeEarningsNeverSelected(t *testing.T) {
	e := testEngine()
	loser := healthy("LOSS")
	loser.PER = -5

	scores := []models.CompositeScore{
		e.Score(Input{Fundamentals: loser, Candles: trendCandles(260, 100, 0.5)}),
		e.Score(Input{Fundamentals: healthy("GOOD"), Candles: trendCandles(260, 100, 0.1)}),
	}
	selected, rejected := e.Rank(scores, 10)

	require.Len(t, selected, 1)
	assert.Equal(t, "GOOD", selected[0].Symbol)
	assert.Equal(t, 1, selected[0].Rank)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].FilterReason, "negative or zero earnings")
}

func TestMomentumOverheatPenalty(t *testing.T) {
	e := testEngine()
	steady := trendCandles(260, 100, 0.1)

	hot := trendCandles(260, 100, 0.1)
	// Last month rips 60%.
	for i := len(hot) - 21; i < len(hot); i++ {
		c := hot[len(hot)-22].Close * (1 + 0.6*float64(i-len(hot)+22)/21)
		hot[i].Open, hot[i].Close, hot[i].High, hot[i].Low = c, c, c*1.01, c*0.99
	}

	cfg := config.Default().Factors
	cfg.Momentum.OverheatPenalty = 0
	unpenalized := NewFactorEngine(cfg, 1e9, 14)

	assert.Less(t, e.MomentumScore(hot), unpenalized.MomentumScore(hot))
	assert.Equal(t, e.MomentumScore(steady), unpenalized.MomentumScore(steady))
}

func TestMomentumNeutralWithoutHistory(t *testing.T) {
	e := testEngine()
	// Flat history: no return bands beyond "0" and a zero trading range.
	flat := make([]models.Candle, 30)
	for i := range flat {
		flat[i] = models.Candle{Open: 10, High: 10, Low: 10, Close: 10}
	}
	s := e.MomentumScore(flat)
	assert.False(t, math.IsNaN(s))
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 100.0)
	assert.Equal(t, Neutral, e.MomentumScore(nil))
}

func TestRankTiesBySymbolAndTruncates(t *testing.T) {
	e := testEngine()
	scores := []models.CompositeScore{
		{Symbol: "C", Passed: true, Composite: 70, Value: 50, Momentum: 50, Quality: 50},
		{Symbol: "A", Passed: true, Composite: 70, Value: 50, Momentum: 50, Quality: 50},
		{Symbol: "B", Passed: true, Composite: 80, Value: 50, Momentum: 50, Quality: 50},
	}
	selected, _ := e.Rank(scores, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, "B", selected[0].Symbol)
	assert.Equal(t, "A", selected[1].Symbol)
	assert.Equal(t, 2, selected[1].Rank)
}

func TestCoherenceAdjustment(t *testing.T) {
	e := testEngine()
	var scores []models.CompositeScore
	for i, sym := range []string{"A", "B", "C", "D", "E", "F"} {
		v := float64(10 + 15*i)
		scores = append(scores, models.CompositeScore{Symbol: sym, Passed: true, Value: v, Momentum: v, Quality: v, Composite: v})
	}
	selected, _ := e.Rank(scores, 0)

	byName := map[string]models.CompositeScore{}
	for _, s := range selected {
		byName[s.Symbol] = s
	}
	cfg := config.Default().Factors
	assert.InDelta(t, 85+cfg.CoherenceBonus, byName["F"].Composite, 1e-9)
	assert.InDelta(t, 10-cfg.CoherencePenalty, byName["A"].Composite, 1e-9)
	assert.InDelta(t, 40, byName["C"].Composite, 1e-9)
}

func TestQuantile(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 3.0, quantile(vals, 0.5))
	assert.InDelta(t, 1.8, quantile(vals, 0.2), 1e-12)
	assert.Equal(t, Neutral, quantile(nil, 0.5))
}

func TestFilterRejectsNonFiniteFundamentals(t *testing.T) {
	e := testEngine()
	candles := trendCandles(260, 100, 0.1)

	ok, reason := e.Filter(healthy("OK"), candles)
	require.True(t, ok, reason)

	cases := []struct {
		name   string
		mutate func(f *models.Fundamentals)
		want   string
	}{
		{"nan pbr", func(f *models.Fundamentals) { f.PBR = math.NaN() }, "missing PBR"},
		{"inf pbr", func(f *models.Fundamentals) { f.PBR = math.Inf(1) }, "missing PBR"},
		{"nan roe", func(f *models.Fundamentals) { f.ROE = math.NaN() }, "missing ROE"},
		{"nan debt", func(f *models.Fundamentals) { f.DebtRatio = math.NaN() }, "missing debt ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := healthy("X")
			tc.mutate(&f)
			ok, reason := e.Filter(f, candles)
			assert.False(t, ok)
			assert.Contains(t, reason, tc.want)
		})
	}
}
