package broker

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"factor-trader/internal/errors"
	"factor-trader/internal/logging"
	"factor-trader/internal/models"
	"factor-trader/internal/resilience"
)

// GuardConfig tunes GuardedClient.
type GuardConfig struct {
	RateLimit      float64 // requests per second, 0 = unlimited
	Burst          int
	RequestTimeout time.Duration // applied to quote, history and balance calls
	Breaker        resilience.CircuitBreakerConfig
}

// GuardedClient paces calls through a token bucket and trips a circuit
// breaker on sustained transient failures. It never retries; retry policy
// belongs to the caller.
type GuardedClient struct {
	inner   Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGuardedClient wraps inner.
func NewGuardedClient(inner Client, cfg GuardConfig, logger zerolog.Logger) *GuardedClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = errors.IsRetryable
	}

	return &GuardedClient{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: resilience.NewCircuitBreaker(inner.Name(), breakerCfg),
		timeout: cfg.RequestTimeout,
		logger:  logging.WithComponent(logger, "broker"),
	}
}

// Name implements Client.
func (g *GuardedClient) Name() string {
	return g.inner.Name()
}

// Breaker exposes the circuit breaker for status reporting.
func (g *GuardedClient) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func (g *GuardedClient) call(ctx context.Context, op string, bounded bool, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.NewBrokerError(errors.CategoryTimeout, "RATE_WAIT", op+": waiting for rate limiter", err)
	}

	if bounded && g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := g.breaker.Execute(ctx, fn)
	if stderrors.Is(err, resilience.ErrCircuitOpen) {
		err = errors.NewBrokerError(errors.CategoryConnection, "CIRCUIT_OPEN", op+": broker unavailable", err)
	}
	logging.LogAPICall(g.logger, op, g.inner.Name(), time.Since(start), err)
	return err
}

// GetPrice implements Client.
func (g *GuardedClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.call(ctx, "get_price", true, func(ctx context.Context) error {
		var err error
		price, err = g.inner.GetPrice(ctx, symbol)
		return err
	})
	return price, err
}

// GetDailyCandles implements Client.
func (g *GuardedClient) GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	var candles []models.Candle
	err := g.call(ctx, "get_daily_candles", true, func(ctx context.Context) error {
		var err error
		candles, err = g.inner.GetDailyCandles(ctx, symbol, from, to)
		return err
	})
	return candles, err
}

// PlaceOrder implements Client. No request timeout is imposed so that a
// submitted order is always followed through to its fill report.
func (g *GuardedClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var res *OrderResult
	err := g.call(ctx, "place_order", false, func(ctx context.Context) error {
		var err error
		res, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

// GetBalance implements Client.
func (g *GuardedClient) GetBalance(ctx context.Context) (*models.Balance, error) {
	var bal *models.Balance
	err := g.call(ctx, "get_balance", true, func(ctx context.Context) error {
		var err error
		bal, err = g.inner.GetBalance(ctx)
		return err
	})
	return bal, err
}

var _ Client = (*GuardedClient)(nil)
