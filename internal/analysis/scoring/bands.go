package scoring

import "math"

// Neutral is the fallback score for missing or degenerate inputs.
const Neutral = 50.0

// band maps values up to (or from) limit onto score.
type band struct {
	limit float64
	score float64
}

// lowerBetter scores v against ascending limits; the first limit v does not
// exceed wins. Values past the last limit get floor.
func lowerBetter(v float64, bands []band, floor float64) float64 {
	if !finite(v) {
		return Neutral
	}
	for _, b := range bands {
		if v <= b.limit {
			return b.score
		}
	}
	return floor
}

// higherBetter scores v against descending limits; the first limit v reaches
// wins. Values below the last limit get floor.
func higherBetter(v float64, bands []band, floor float64) float64 {
	if !finite(v) {
		return Neutral
	}
	for _, b := range bands {
		if v >= b.limit {
			return b.score
		}
	}
	return floor
}

var (
	perBands = []band{{8, 100}, {12, 85}, {16, 70}, {20, 55}, {30, 40}, {50, 20}}
	pbrBands = []band{{0.8, 100}, {1.2, 85}, {2, 70}, {3, 50}, {5, 30}}
	psrBands = []band{{1, 100}, {2, 80}, {4, 60}, {8, 35}}
	divBands = []band{{0.05, 100}, {0.035, 85}, {0.02, 65}, {0.01, 50}, {0.0001, 40}}

	returnBands = []band{{0.5, 100}, {0.3, 85}, {0.15, 70}, {0.05, 60}, {0, 50}, {-0.1, 35}, {-0.2, 20}}

	roeBands    = []band{{0.25, 100}, {0.18, 85}, {0.12, 70}, {0.08, 55}, {0.04, 40}, {0, 25}}
	marginBands = []band{{0.25, 100}, {0.15, 80}, {0.10, 65}, {0.05, 50}, {0, 30}}
	growthBands = []band{{0.30, 100}, {0.15, 80}, {0.05, 65}, {0, 50}, {-0.10, 30}}
	debtBands   = []band{{0.3, 100}, {0.6, 85}, {1.0, 70}, {1.5, 50}, {2.0, 35}, {3.0, 20}}
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if !finite(v) {
		return Neutral
	}
	return math.Max(lo, math.Min(hi, v))
}

// average returns the mean of vals, or Neutral when empty.
func average(vals []float64) float64 {
	if len(vals) == 0 {
		return Neutral
	}
	var total float64
	for _, v := range vals {
		total += v
	}
	return total / float64(len(vals))
}
