package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"factor-trader/internal/logging"
	"factor-trader/internal/models"
)

// CandleFetcher is the upstream source of daily bars.
type CandleFetcher interface {
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)
}

// CandleCache serves daily bars from SQLite when they were synced recently
// and cover the requested range, and falls back to cached bars when the
// upstream fetch fails.
type CandleCache struct {
	store  *SQLiteStore
	source CandleFetcher
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewCandleCache wraps source with the ledger's candle tables.
func NewCandleCache(store *SQLiteStore, source CandleFetcher, maxAge time.Duration, logger zerolog.Logger) *CandleCache {
	return &CandleCache{
		store:  store,
		source: source,
		maxAge: maxAge,
		logger: logging.WithComponent(logger, "candle_cache"),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (c *CandleCache) SetClock(now func() time.Time) {
	c.now = now
}

// GetDailyCandles implements CandleFetcher.
func (c *CandleCache) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	cached, err := c.store.GetCandles(ctx, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get cached candles: %w", err)
	}

	coveredFrom, syncedAt, ok, err := c.store.CandleSync(ctx, symbol)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if ok && len(cached) > 0 && !coveredFrom.After(from) && now.Sub(syncedAt) < c.maxAge {
		return cached, nil
	}

	candles, err := c.source.GetDailyCandles(ctx, symbol, from, to)
	if err != nil {
		if len(cached) > 0 {
			c.logger.Warn().Err(err).Str("symbol", symbol).Int("cached", len(cached)).Msg("Candle fetch failed, serving cache")
			return cached, nil
		}
		return nil, err
	}

	if err := c.store.SaveCandles(ctx, symbol, candles, from, now); err != nil {
		// The fetched data is still good
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache candles")
	}
	return candles, nil
}
