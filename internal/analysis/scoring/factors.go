// Package scoring implements the multi-factor model and the screener that
// turns a fundamentals universe into a ranked target portfolio.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"factor-trader/internal/analysis/indicators"
	"factor-trader/internal/config"
	"factor-trader/internal/models"
)

// trendPeriod is the stochastic lookback for the trend-position term.
const trendPeriod = 60

// Input is everything the factor engine needs for one symbol.
type Input struct {
	Fundamentals models.Fundamentals
	Candles      []models.Candle
}

// FactorEngine computes Value, Momentum and Quality scores, applies the hard
// filter and blends the composite.
type FactorEngine struct {
	cfg          config.FactorConfig
	minMarketCap float64
	atrPeriod    int
}

// NewFactorEngine creates a factor engine.
func NewFactorEngine(cfg config.FactorConfig, minMarketCap float64, atrPeriod int) *FactorEngine {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &FactorEngine{cfg: cfg, minMarketCap: minMarketCap, atrPeriod: atrPeriod}
}

// ValueScore rates valuation multiples; cheaper scores higher. Missing
// multiples (zero or negative PBR/PSR) are skipped.
func (e *FactorEngine) ValueScore(f models.Fundamentals) float64 {
	var parts []float64
	if f.PER > 0 {
		parts = append(parts, lowerBetter(f.PER, perBands, 5))
	} else if finite(f.PER) {
		parts = append(parts, 0)
	}
	if f.PBR > 0 {
		parts = append(parts, lowerBetter(f.PBR, pbrBands, 10))
	}
	if f.PSR > 0 {
		parts = append(parts, lowerBetter(f.PSR, psrBands, 15))
	}
	if f.DividendYield >= 0 {
		parts = append(parts, higherBetter(f.DividendYield, divBands, 30))
	}
	return clamp(average(parts), 0, 100)
}

// MomentumScore blends horizon returns with the trend position, then
// applies the 52-week-high bonus and the short-term overheat penalty.
func (e *FactorEngine) MomentumScore(candles []models.Candle) float64 {
	m := e.cfg.Momentum
	r := indicators.HorizonReturns(candles)

	var weighted, weights float64
	add := func(ret float64, ok bool, w float64) {
		if !ok || w <= 0 {
			return
		}
		weighted += higherBetter(ret, returnBands, 5) * w
		weights += w
	}
	add(r.M1, r.HasM1, m.Weight1M)
	add(r.M3, r.HasM3, m.Weight3M)
	add(r.M6, r.HasM6, m.Weight6M)
	add(r.M12, r.HasM12, m.Weight12M)

	returnScore := Neutral
	if weights > 0 {
		returnScore = weighted / weights
	}

	trend, err := indicators.NewStochastic(trendPeriod).Latest(candles)
	if err != nil {
		trend = Neutral
	}

	tw := math.Max(0, math.Min(1, m.TrendWeight))
	score := (1-tw)*returnScore + tw*trend

	if len(candles) > 0 {
		high := indicators.High52Week(candles)
		last := candles[len(candles)-1].Close
		if high > 0 && last >= m.NearHighRatio*high {
			score += m.NearHighBonus
		}
	}
	if r.HasM1 && m.OverheatThreshold > 0 && r.M1 > m.OverheatThreshold {
		score -= m.OverheatPenalty
	}

	return clamp(score, 0, 100)
}

// QualityScore rates profitability, growth and leverage; debt is penalized.
func (e *FactorEngine) QualityScore(f models.Fundamentals) float64 {
	parts := []float64{
		higherBetter(f.ROE, roeBands, 5),
		higherBetter(f.OperatingMargin, marginBands, 10),
		higherBetter(f.EPSGrowth, growthBands, 10),
	}
	if f.DebtRatio >= 0 {
		parts = append(parts, lowerBetter(f.DebtRatio, debtBands, 5))
	}
	return clamp(average(parts), 0, 100)
}

// Filter applies the hard basic filter. The reason lists every failed rule.
func (e *FactorEngine) Filter(f models.Fundamentals, candles []models.Candle) (bool, string) {
	fc := e.cfg.Filter
	var reasons []string

	switch {
	case !finite(f.PER) || f.PER <= 0:
		reasons = append(reasons, fmt.Sprintf("negative or zero earnings (PER %.2f)", f.PER))
	case fc.MaxPER > 0 && f.PER > fc.MaxPER:
		reasons = append(reasons, fmt.Sprintf("extreme PER %.1f above %.1f", f.PER, fc.MaxPER))
	}
	// NaN compares false against every bound
	switch {
	case !finite(f.PBR):
		reasons = append(reasons, "missing PBR")
	case f.PBR < fc.MinPBR || (fc.MaxPBR > 0 && f.PBR > fc.MaxPBR):
		reasons = append(reasons, fmt.Sprintf("PBR %.2f outside [%.2f, %.2f]", f.PBR, fc.MinPBR, fc.MaxPBR))
	}
	switch {
	case !finite(f.ROE):
		reasons = append(reasons, "missing ROE")
	case f.ROE < fc.MinROE:
		reasons = append(reasons, fmt.Sprintf("ROE %.1f%% below floor %.1f%%", f.ROE*100, fc.MinROE*100))
	}
	switch {
	case !finite(f.DebtRatio):
		reasons = append(reasons, "missing debt ratio")
	case fc.MaxDebtRatio > 0 && f.DebtRatio > fc.MaxDebtRatio:
		reasons = append(reasons, fmt.Sprintf("debt ratio %.2f above ceiling %.2f", f.DebtRatio, fc.MaxDebtRatio))
	}
	if r, ok := indicators.Return(candles, indicators.Days12M); ok && r < fc.Min12MReturn {
		reasons = append(reasons, fmt.Sprintf("12-month return %.1f%% below floor %.1f%%", r*100, fc.Min12MReturn*100))
	}
	if f.MarketCap < e.minMarketCap {
		reasons = append(reasons, fmt.Sprintf("market cap %.0f below minimum %.0f", f.MarketCap, e.minMarketCap))
	}
	if fc.MinHistoryDays > 0 && len(candles) < fc.MinHistoryDays {
		reasons = append(reasons, fmt.Sprintf("insufficient price history (%d of %d sessions)", len(candles), fc.MinHistoryDays))
	}

	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

// Score evaluates one symbol. The composite excludes the population-relative
// coherence adjustment, which Rank applies.
func (e *FactorEngine) Score(in Input) models.CompositeScore {
	f := in.Fundamentals
	s := models.CompositeScore{
		Symbol:    f.Symbol,
		Name:      f.Name,
		Sector:    f.Sector,
		MarketCap: f.MarketCap,
		Value:     e.ValueScore(f),
		Momentum:  e.MomentumScore(in.Candles),
		Quality:   e.QualityScore(f),
	}
	if n := len(in.Candles); n > 0 {
		s.LastPrice = in.Candles[n-1].Close
	}
	if atr, err := indicators.NewATR(e.atrPeriod).Latest(in.Candles); err == nil {
		s.ATR = atr
	}

	s.Composite = e.blend(s)
	s.Passed, s.FilterReason = e.Filter(f, in.Candles)
	return s
}

func (e *FactorEngine) blend(s models.CompositeScore) float64 {
	w := e.cfg.Weights
	total := w.Value + w.Momentum + w.Quality
	if total <= 0 || !finite(total) {
		return Neutral
	}
	c := (w.Value*s.Value + w.Momentum*s.Momentum + w.Quality*s.Quality) / total
	if !finite(c) {
		return Neutral
	}
	return c
}

// minCoherencePopulation is the smallest passed set for which medians and
// quintiles are meaningful.
const minCoherencePopulation = 5

// Rank applies the coherence adjustment across the passed population, sorts
// by composite (ties by symbol), assigns ranks and truncates to target.
// Failed scores are returned as rejected in input order.
func (e *FactorEngine) Rank(scores []models.CompositeScore, target int) (selected, rejected []models.CompositeScore) {
	var passed []models.CompositeScore
	for _, s := range scores {
		if s.Passed {
			passed = append(passed, s)
		} else {
			rejected = append(rejected, s)
		}
	}

	if len(passed) >= minCoherencePopulation {
		e.applyCoherence(passed)
	}

	sort.SliceStable(passed, func(i, j int) bool {
		if passed[i].Composite != passed[j].Composite {
			return passed[i].Composite > passed[j].Composite
		}
		return passed[i].Symbol < passed[j].Symbol
	})
	for i := range passed {
		passed[i].Rank = i + 1
	}

	if target > 0 && len(passed) > target {
		passed = passed[:target]
	}
	return passed, rejected
}

func (e *FactorEngine) applyCoherence(passed []models.CompositeScore) {
	pick := []func(models.CompositeScore) float64{
		func(s models.CompositeScore) float64 { return s.Value },
		func(s models.CompositeScore) float64 { return s.Momentum },
		func(s models.CompositeScore) float64 { return s.Quality },
	}
	medians := make([]float64, len(pick))
	quintiles := make([]float64, len(pick))
	for k, get := range pick {
		vals := make([]float64, len(passed))
		for i, s := range passed {
			vals[i] = get(s)
		}
		sort.Float64s(vals)
		medians[k] = quantile(vals, 0.5)
		quintiles[k] = quantile(vals, 0.2)
	}

	for i := range passed {
		allAbove, anyBottom := true, false
		for k, get := range pick {
			v := get(passed[i])
			if v <= medians[k] {
				allAbove = false
			}
			if v < quintiles[k] {
				anyBottom = true
			}
		}
		switch {
		case allAbove:
			passed[i].Composite += e.cfg.CoherenceBonus
		case anyBottom:
			passed[i].Composite -= e.cfg.CoherencePenalty
		}
		if !finite(passed[i].Composite) {
			passed[i].Composite = Neutral
		}
	}
}

// quantile interpolates linearly over sorted values.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return Neutral
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
