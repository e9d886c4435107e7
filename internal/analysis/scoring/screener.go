package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"factor-trader/internal/config"
	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/pkg/utils"
)

// CandleSource provides daily price history.
type CandleSource interface {
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)
}

// Screener builds the universe, scores it concurrently and selects the
// target holding set.
type Screener struct {
	cfg          config.ScreenerConfig
	factors      *FactorEngine
	fundamentals FundamentalsSource
	candles      CandleSource
	retry        utils.RetryPolicy
	concurrency  int
	logger       zerolog.Logger
	now          func() time.Time
}

// NewScreener creates a new stock screener.
func NewScreener(cfg config.ScreenerConfig, factors *FactorEngine, fundamentals FundamentalsSource, candles CandleSource, logger zerolog.Logger) *Screener {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Screener{
		cfg:          cfg,
		factors:      factors,
		fundamentals: fundamentals,
		candles:      candles,
		retry:        cfg.FetchRetry.Policy("fetch_history", errors.IsRetryable),
		concurrency:  concurrency,
		logger:       logging.WithComponent(logger, "screener"),
		now:          time.Now,
	}
}

// SetClock overrides the time source.
func (s *Screener) SetClock(now func() time.Time) {
	s.now = now
}

// Run performs one screening pass. Symbols whose history cannot be fetched
// are rejected with a reason; the run itself only fails when the universe
// is unavailable or ctx is cancelled.
func (s *Screener) Run(ctx context.Context) (*models.ScreeningResult, error) {
	start := s.now()

	rows, err := s.fundamentals.Fundamentals(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading fundamentals: %w", err)
	}
	universe := BuildUniverse(rows, s.cfg.MinMarketCap, s.cfg.UniverseSize)
	if len(universe) == 0 {
		return nil, errors.NewDataError("universe", "", "no symbols above minimum market cap", errors.ErrDataNotFound)
	}

	scores, err := s.scoreAll(ctx, universe, start)
	if err != nil {
		return nil, err
	}

	passed := 0
	for _, sc := range scores {
		if sc.Passed {
			passed++
		}
	}
	selected, rejected := s.factors.Rank(scores, s.cfg.TargetHoldings)

	result := &models.ScreeningResult{
		RunID:         uuid.NewString(),
		UniverseSize:  len(universe),
		FilteredCount: passed,
		Selected:      selected,
		Rejected:      rejected,
		Timestamp:     start,
		Elapsed:       s.now().Sub(start),
	}

	s.logger.Info().
		Str("run_id", result.RunID).
		Int("universe", result.UniverseSize).
		Int("passed", passed).
		Int("selected", len(selected)).
		Dur("elapsed", result.Elapsed).
		Msg("Screening complete")

	return result, nil
}

func (s *Screener) scoreAll(ctx context.Context, universe []models.Fundamentals, asOf time.Time) ([]models.CompositeScore, error) {
	resultChan := make(chan models.CompositeScore, len(universe))
	workChan := make(chan models.Fundamentals, len(universe))

	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range workChan {
				if ctx.Err() != nil {
					return
				}
				resultChan <- s.scoreSymbol(ctx, f, asOf)
			}
		}()
	}

	for _, f := range universe {
		workChan <- f
	}
	close(workChan)

	// Wait for workers and close result channel
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	scores := make([]models.CompositeScore, 0, len(universe))
	for r := range resultChan {
		scores = append(scores, r)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *Screener) scoreSymbol(ctx context.Context, f models.Fundamentals, asOf time.Time) models.CompositeScore {
	days := s.cfg.HistoryDays
	if days <= 0 {
		days = 400
	}
	from := asOf.AddDate(0, 0, -days)

	candles, attempts, err := utils.RetryWithResult(ctx, s.retry, func(int) ([]models.Candle, error) {
		return s.candles.GetDailyCandles(ctx, f.Symbol, from, asOf)
	})
	if err != nil {
		log := logging.WithSymbol(s.logger, f.Symbol)
		log.Warn().
			Err(err).
			Int("attempts", attempts).
			Msg("Price history unavailable")
		return models.CompositeScore{
			Symbol:       f.Symbol,
			Name:         f.Name,
			Sector:       f.Sector,
			MarketCap:    f.MarketCap,
			Value:        Neutral,
			Momentum:     Neutral,
			Quality:      Neutral,
			Composite:    Neutral,
			FilterReason: "price history unavailable: " + err.Error(),
		}
	}

	return s.factors.Score(Input{Fundamentals: f, Candles: candles})
}
