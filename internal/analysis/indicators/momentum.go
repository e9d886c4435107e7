package indicators

import (
	"math"
	"time"

	"factor-trader/internal/models"
)

// Stochastic calculates the raw Stochastic %K over a lookback.
type Stochastic struct {
	period int
}

func NewStochastic(period int) *Stochastic {
	return &Stochastic{period: period}
}

// Latest returns where the last close sits in the period's high-low range,
// 0-100. A flat range gives 50.
func (s *Stochastic) Latest(candles []models.Candle) (float64, error) {
	if s.period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(candles) < s.period {
		return 0, ErrInsufficientData
	}

	window := candles[len(candles)-s.period:]
	hh, ll := span(window)
	last := window[len(window)-1].Close

	if hh == ll || !finite(hh) || !finite(ll) {
		return 50, nil
	}
	k := 100 * (last - ll) / (hh - ll)
	return math.Max(0, math.Min(100, k)), nil
}

// Trading-day lookbacks for the standard return horizons.
const (
	Days1M  = 21
	Days3M  = 63
	Days6M  = 126
	Days12M = 252
)

// Return is the simple return over the last n sessions. ok is false when the
// history is too short or the base price is not positive.
func Return(candles []models.Candle, n int) (float64, bool) {
	if n <= 0 || len(candles) <= n {
		return 0, false
	}
	base := candles[len(candles)-1-n].Close
	last := candles[len(candles)-1].Close
	if base <= 0 {
		return 0, false
	}
	r := last/base - 1
	if !finite(r) {
		return 0, false
	}
	return r, true
}

// Returns holds the horizon returns used by the momentum factor.
type Returns struct {
	M1, M3, M6, M12             float64
	HasM1, HasM3, HasM6, HasM12 bool
}

// HorizonReturns computes 1, 3, 6 and 12 month returns.
func HorizonReturns(candles []models.Candle) Returns {
	var r Returns
	r.M1, r.HasM1 = Return(candles, Days1M)
	r.M3, r.HasM3 = Return(candles, Days3M)
	r.M6, r.HasM6 = Return(candles, Days6M)
	r.M12, r.HasM12 = Return(candles, Days12M)
	return r
}

// High52Week returns the highest high over the 52 weeks ending at the last
// candle.
func High52Week(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	cutoff := candles[len(candles)-1].Timestamp.Add(-52 * 7 * 24 * time.Hour)
	var h float64
	for i := len(candles) - 1; i >= 0; i-- {
		c := candles[i]
		if c.Timestamp.Before(cutoff) {
			break
		}
		if c.High > h {
			h = c.High
		}
	}
	return h
}
