package broker

import (
	"fmt"

	"github.com/rs/zerolog"

	"factor-trader/internal/config"
	"factor-trader/internal/resilience"
)

// New builds the configured adapter wrapped in a GuardedClient.
func New(cfg *config.Config, logger zerolog.Logger) (*GuardedClient, error) {
	inner, err := newAdapter(cfg)
	if err != nil {
		return nil, err
	}

	return NewGuardedClient(inner, GuardConfig{
		RateLimit:      cfg.Broker.RateLimit,
		Burst:          cfg.Broker.Burst,
		RequestTimeout: cfg.Broker.RequestTimeout,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Broker.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.Broker.CircuitBreaker.SuccessThreshold,
			Timeout:          cfg.Broker.CircuitBreaker.Timeout,
		},
	}, logger), nil
}

func newAdapter(cfg *config.Config) (Client, error) {
	switch cfg.Broker.Kind {
	case "paper":
		var data MarketData
		switch cfg.Broker.Paper.DataSource {
		case "alpaca":
			data = newAlpaca(cfg)
		case "kite":
			data = newKite(cfg)
		case "", "none":
		default:
			return nil, fmt.Errorf("unknown paper data source: %s", cfg.Broker.Paper.DataSource)
		}
		return NewPaperBroker(PaperBrokerConfig{
			Data:        data,
			InitialCash: cfg.Broker.Paper.InitialCash,
		}), nil
	case "kite":
		if cfg.Credentials.Kite.APIKey == "" {
			return nil, fmt.Errorf("kite broker selected but api_key is empty")
		}
		return newKite(cfg), nil
	case "alpaca":
		if cfg.Credentials.Alpaca.APIKey == "" {
			return nil, fmt.Errorf("alpaca broker selected but api_key is empty")
		}
		return newAlpaca(cfg), nil
	}
	return nil, fmt.Errorf("unknown broker kind: %s", cfg.Broker.Kind)
}

func newKite(cfg *config.Config) *KiteBroker {
	return NewKiteBroker(KiteConfig{
		APIKey:       cfg.Credentials.Kite.APIKey,
		AccessToken:  cfg.Credentials.Kite.AccessToken,
		Exchange:     cfg.Broker.Kite.Exchange,
		Product:      cfg.Broker.Kite.Product,
		TokenPath:    cfg.Broker.Kite.TokenFile,
		FillTimeout:  cfg.Broker.FillTimeout,
		PollInterval: cfg.Broker.FillPollInterval,
	})
}

func newAlpaca(cfg *config.Config) *AlpacaBroker {
	return NewAlpacaBroker(AlpacaConfig{
		APIKey:       cfg.Credentials.Alpaca.APIKey,
		APISecret:    cfg.Credentials.Alpaca.APISecret,
		BaseURL:      cfg.Broker.Alpaca.BaseURL,
		DataURL:      cfg.Broker.Alpaca.DataURL,
		FillTimeout:  cfg.Broker.FillTimeout,
		PollInterval: cfg.Broker.FillPollInterval,
	})
}
