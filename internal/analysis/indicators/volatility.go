package indicators

import (
	"fmt"

	"factor-trader/internal/models"
)

// ATR is the Wilder-smoothed Average True Range used to size stops.
type ATR struct {
	period int
}

func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Latest returns the ATR as of the last candle. The first bar has no
// previous close and is skipped, so period+1 candles are needed.
func (a *ATR) Latest(candles []models.Candle) (float64, error) {
	if a.period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(candles) < a.period+1 {
		return 0, ErrInsufficientData
	}

	// Seed with the simple mean of the first period ranges
	var atr float64
	for i := 1; i <= a.period; i++ {
		atr += trueRange(candles[i], candles[i-1])
	}
	atr /= float64(a.period)

	p := float64(a.period)
	for i := a.period + 1; i < len(candles); i++ {
		atr = (atr*(p-1) + trueRange(candles[i], candles[i-1])) / p
	}

	if !finite(atr) || atr < 0 {
		return 0, fmt.Errorf("atr: non-finite result")
	}
	return atr, nil
}
