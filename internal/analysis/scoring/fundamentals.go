package scoring

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"factor-trader/internal/errors"
	"factor-trader/internal/models"
)

// FundamentalsSource supplies the fundamentals snapshot for the universe.
type FundamentalsSource interface {
	Fundamentals(ctx context.Context) ([]models.Fundamentals, error)
}

// CSVFundamentals reads a fundamentals snapshot from a CSV file with a
// header row matching the csv tags on models.Fundamentals.
type CSVFundamentals struct {
	path string
}

// NewCSVFundamentals creates a CSV-backed source.
func NewCSVFundamentals(path string) *CSVFundamentals {
	return &CSVFundamentals{path: path}
}

// Fundamentals implements FundamentalsSource.
func (c *CSVFundamentals) Fundamentals(ctx context.Context) ([]models.Fundamentals, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errors.NewDataError("fundamentals", "", "opening "+c.path, err)
	}
	defer f.Close()

	return ParseFundamentals(f)
}

// ParseFundamentals decodes CSV rows, normalizing symbols and dropping blank
// or duplicate rows (first occurrence wins).
func ParseFundamentals(r io.Reader) ([]models.Fundamentals, error) {
	var rows []*models.Fundamentals
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.NewDataError("fundamentals", "", "parsing csv", err)
	}

	seen := make(map[string]bool, len(rows))
	out := make([]models.Fundamentals, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		row.Symbol = strings.ToUpper(strings.TrimSpace(row.Symbol))
		if row.Symbol == "" || seen[row.Symbol] {
			continue
		}
		seen[row.Symbol] = true
		out = append(out, *row)
	}
	if len(out) == 0 {
		return nil, errors.NewDataError("fundamentals", "", "no rows", errors.ErrDataNotFound)
	}
	return out, nil
}

// BuildUniverse sorts by market cap descending, drops rows below minCap and
// truncates to size (0 = unlimited).
func BuildUniverse(rows []models.Fundamentals, minCap float64, size int) []models.Fundamentals {
	out := make([]models.Fundamentals, 0, len(rows))
	for _, r := range rows {
		if r.MarketCap >= minCap {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MarketCap != out[j].MarketCap {
			return out[i].MarketCap > out[j].MarketCap
		}
		return out[i].Symbol < out[j].Symbol
	})
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}

// StaticFundamentals serves a fixed snapshot.
type StaticFundamentals []models.Fundamentals

// Fundamentals implements FundamentalsSource.
func (s StaticFundamentals) Fundamentals(ctx context.Context) ([]models.Fundamentals, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty fundamentals snapshot: %w", errors.ErrDataNotFound)
	}
	out := make([]models.Fundamentals, len(s))
	copy(out, s)
	return out, nil
}
