// Package indicators computes the price-history statistics used for factor
// scoring and stop placement.
package indicators

import (
	"errors"
	"math"

	"factor-trader/internal/models"
)

var (
	ErrInsufficientData = errors.New("insufficient data for calculation")
	ErrInvalidPeriod    = errors.New("invalid period")
)

// trueRange is the largest of the bar's own range and its gaps from the
// previous close.
func trueRange(cur, prev models.Candle) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// span returns the highest high and lowest low of candles, which must not
// be empty.
func span(candles []models.Candle) (hi, lo float64) {
	hi, lo = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
