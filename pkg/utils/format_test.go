package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var grouped = regexp.MustCompile(`^\d{1,3}(,\d{3})*$`)

func parseMoney(s string) float64 {
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, CurrencySymbol)
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	if negative {
		return -v
	}
	return v
}

func TestProperty_FormatMoney(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("thousands are grouped by three with two decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := strings.TrimPrefix(FormatMoney(amount), "-")
			if !strings.HasPrefix(formatted, CurrencySymbol) {
				return false
			}
			parts := strings.Split(strings.TrimPrefix(formatted, CurrencySymbol), ".")
			return len(parts) == 2 && len(parts[1]) == 2 && grouped.MatchString(parts[0])
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("value survives formatting to the cent", prop.ForAll(
		func(amount float64) bool {
			return math.Abs(parseMoney(FormatMoney(amount))-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "$1,234,567.89", FormatMoney(1234567.891))
	assert.Equal(t, "-$999.50", FormatMoney(-999.5))
	assert.Equal(t, "+$10.00", FormatPnL(10))
	assert.Equal(t, "-$10.00", FormatPnL(-10))
	assert.Equal(t, "+1.50%", FormatPercent(1.5))
	assert.Equal(t, "-0.25%", FormatPercent(-0.25))
	assert.Equal(t, "12,500", FormatQuantity(12500))
	assert.Equal(t, "-1,000", FormatQuantity(-1000))
}
