// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "factor-trader/internal/errors"
	"factor-trader/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Engine        EngineConfig       `mapstructure:"engine"`
	Schedule      ScheduleConfig     `mapstructure:"schedule"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Screener      ScreenerConfig     `mapstructure:"screener"`
	Factors       FactorConfig       `mapstructure:"factors"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Risk          RiskConfig         `mapstructure:"risk"`
	State         StateConfig        `mapstructure:"state"`
	Ledger        LedgerConfig       `mapstructure:"ledger"`
	Control       ControlConfig      `mapstructure:"control"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// EngineConfig holds process-level settings.
type EngineConfig struct {
	Name      string `mapstructure:"name"`
	AutoStart bool   `mapstructure:"auto_start"`
}

// SpecialSession overrides the regular hours for one date.
type SpecialSession struct {
	Date  string `mapstructure:"date"`  // 2006-01-02
	Open  string `mapstructure:"open"`  // 15:04
	Close string `mapstructure:"close"` // 15:04
}

// ScheduleConfig holds the trading calendar and phase windows.
type ScheduleConfig struct {
	Timezone        string           `mapstructure:"timezone"`
	MarketOpen      string           `mapstructure:"market_open"`
	MarketClose     string           `mapstructure:"market_close"`
	PreMarketLead   time.Duration    `mapstructure:"pre_market_lead"`
	OpenWindow      time.Duration    `mapstructure:"open_window"`
	CloseWindow     time.Duration    `mapstructure:"close_window"`
	TickInterval    time.Duration    `mapstructure:"tick_interval"`
	Holidays        []string         `mapstructure:"holidays"`
	USHolidays      bool             `mapstructure:"us_holidays"`
	SpecialSessions []SpecialSession `mapstructure:"special_sessions"`
	CalendarSource  string           `mapstructure:"calendar_source"` // static, alpaca
}

// CircuitBreakerConfig configures the broker circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// KiteConfig holds Kite Connect adapter settings.
type KiteConfig struct {
	Exchange  string `mapstructure:"exchange"`
	Product   string `mapstructure:"product"`
	TokenFile string `mapstructure:"token_file"`
}

// AlpacaConfig holds Alpaca adapter settings.
type AlpacaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	DataURL string `mapstructure:"data_url"`
}

// PaperConfig holds simulated broker settings.
type PaperConfig struct {
	InitialCash float64 `mapstructure:"initial_cash"`
	DataSource  string  `mapstructure:"data_source"` // none, alpaca, kite
}

// BrokerConfig selects and tunes the broker adapter.
type BrokerConfig struct {
	Kind             string               `mapstructure:"kind"` // paper, kite, alpaca
	RateLimit        float64              `mapstructure:"rate_limit"`
	Burst            int                  `mapstructure:"burst"`
	RequestTimeout   time.Duration        `mapstructure:"request_timeout"`
	FillTimeout      time.Duration        `mapstructure:"fill_timeout"`
	FillPollInterval time.Duration        `mapstructure:"fill_poll_interval"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Kite             KiteConfig           `mapstructure:"kite"`
	Alpaca           AlpacaConfig         `mapstructure:"alpaca"`
	Paper            PaperConfig          `mapstructure:"paper"`
}

// ScreenerConfig holds universe and selection settings.
type ScreenerConfig struct {
	FundamentalsFile string      `mapstructure:"fundamentals_file"`
	UniverseSize     int         `mapstructure:"universe_size"`
	MinMarketCap     float64     `mapstructure:"min_market_cap"`
	TargetHoldings   int         `mapstructure:"target_holdings"`
	Concurrency      int         `mapstructure:"concurrency"`
	HistoryDays      int         `mapstructure:"history_days"`
	FetchRetry       RetryConfig `mapstructure:"fetch_retry"`
}

// FactorWeights are the composite weights.
type FactorWeights struct {
	Value    float64 `mapstructure:"value"`
	Momentum float64 `mapstructure:"momentum"`
	Quality  float64 `mapstructure:"quality"`
}

// MomentumConfig tunes the momentum factor.
type MomentumConfig struct {
	Weight1M          float64 `mapstructure:"weight_1m"`
	Weight3M          float64 `mapstructure:"weight_3m"`
	Weight6M          float64 `mapstructure:"weight_6m"`
	Weight12M         float64 `mapstructure:"weight_12m"`
	TrendWeight       float64 `mapstructure:"trend_weight"`
	NearHighRatio     float64 `mapstructure:"near_high_ratio"`
	NearHighBonus     float64 `mapstructure:"near_high_bonus"`
	OverheatThreshold float64 `mapstructure:"overheat_threshold"`
	OverheatPenalty   float64 `mapstructure:"overheat_penalty"`
}

// FilterConfig holds the hard filter thresholds.
type FilterConfig struct {
	MaxPER         float64 `mapstructure:"max_per"`
	MinPBR         float64 `mapstructure:"min_pbr"`
	MaxPBR         float64 `mapstructure:"max_pbr"`
	MinROE         float64 `mapstructure:"min_roe"`
	MaxDebtRatio   float64 `mapstructure:"max_debt_ratio"`
	Min12MReturn   float64 `mapstructure:"min_12m_return"`
	MinHistoryDays int     `mapstructure:"min_history_days"`
}

// FactorConfig configures the factor score engine.
type FactorConfig struct {
	Weights          FactorWeights  `mapstructure:"weights"`
	Momentum         MomentumConfig `mapstructure:"momentum"`
	Filter           FilterConfig   `mapstructure:"filter"`
	CoherenceBonus   float64        `mapstructure:"coherence_bonus"`
	CoherencePenalty float64        `mapstructure:"coherence_penalty"`
}

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// Policy converts the config into a named retry policy.
func (r RetryConfig) Policy(name string, retryable func(error) bool) utils.RetryPolicy {
	return utils.RetryPolicy{
		Name:          name,
		MaxAttempts:   r.MaxAttempts,
		BaseDelay:     r.BaseDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
		Retryable:     retryable,
	}
}

// ExecutionConfig configures the order executor.
type ExecutionConfig struct {
	Retry             RetryConfig   `mapstructure:"retry"`
	RequeueRetry      RetryConfig   `mapstructure:"requeue_retry"`
	SettlementPause   time.Duration `mapstructure:"settlement_pause"`
	MaxPositionWeight float64       `mapstructure:"max_position_weight"`
	CashBuffer        float64       `mapstructure:"cash_buffer"`
	UseLimitOrders    bool          `mapstructure:"use_limit_orders"`
	LimitSlippage     float64       `mapstructure:"limit_slippage"`
}

// MonitorConfig configures the position monitor and exit rules.
type MonitorConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	ATRPeriod          int           `mapstructure:"atr_period"`
	ATRMultiplier      float64       `mapstructure:"atr_multiplier"`
	TrailingPercent    float64       `mapstructure:"trailing_percent"`
	TakeProfit1        float64       `mapstructure:"take_profit_1"`
	TakeProfit2        float64       `mapstructure:"take_profit_2"`
	TP1Fraction        float64       `mapstructure:"tp1_fraction"`
	TP2Fraction        float64       `mapstructure:"tp2_fraction"`
	BreakevenAfterTP1  bool          `mapstructure:"breakeven_after_tp1"`
	BreakevenTolerance float64       `mapstructure:"breakeven_tolerance"`
	PriceRetry         RetryConfig   `mapstructure:"price_retry"`
}

// RiskConfig holds risk management configuration. Limits are fractions.
type RiskConfig struct {
	DailyLossLimit       float64       `mapstructure:"daily_loss_limit"`
	WeeklyLossLimit      float64       `mapstructure:"weekly_loss_limit"`
	MonthlyLossLimit     float64       `mapstructure:"monthly_loss_limit"`
	MaxDrawdown          float64       `mapstructure:"max_drawdown"`
	MinCashRatio         float64       `mapstructure:"min_cash_ratio"`
	MaxPositionWeight    float64       `mapstructure:"max_position_weight"`
	MaxSectorWeight      float64       `mapstructure:"max_sector_weight"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// StateConfig locates the engine state file.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// LedgerConfig locates the SQLite ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path"`

	// Cached daily candles younger than this are served without a fetch
	CandleMaxAge time.Duration `mapstructure:"candle_max_age"`
}

// ControlConfig configures the local control API.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Token   string `mapstructure:"token"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, trades_only, alerts_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite   KiteCredentials   `mapstructure:"kite"`
	Alpaca AlpacaCredentials `mapstructure:"alpaca"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// AlpacaCredentials holds Alpaca API credentials.
type AlpacaCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/factor-trader"
	}
	return filepath.Join(home, ".config", "factor-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A .env next to the config is optional
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)
	cfg.resolvePaths(configDir)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfigInvalid, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	cfg.resolvePaths(DefaultConfigDir())
	return cfg
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Paper trading needs no credentials; leave a template behind.
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper) {
	dir := DefaultConfigDir()

	v.SetDefault("engine.name", "factor-trader")
	v.SetDefault("engine.auto_start", true)

	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.market_open", "09:30")
	v.SetDefault("schedule.market_close", "16:00")
	v.SetDefault("schedule.pre_market_lead", "60m")
	v.SetDefault("schedule.open_window", "30m")
	v.SetDefault("schedule.close_window", "30m")
	v.SetDefault("schedule.tick_interval", "1s")
	v.SetDefault("schedule.holidays", []string{})
	v.SetDefault("schedule.us_holidays", true)
	v.SetDefault("schedule.calendar_source", "static")

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.rate_limit", 3.0)
	v.SetDefault("broker.burst", 5)
	v.SetDefault("broker.request_timeout", "15s")
	v.SetDefault("broker.fill_timeout", "30s")
	v.SetDefault("broker.fill_poll_interval", "1s")
	v.SetDefault("broker.circuit_breaker.failure_threshold", 5)
	v.SetDefault("broker.circuit_breaker.success_threshold", 2)
	v.SetDefault("broker.circuit_breaker.timeout", "30s")
	v.SetDefault("broker.kite.exchange", "NSE")
	v.SetDefault("broker.kite.product", "CNC")
	v.SetDefault("broker.kite.token_file", filepath.Join(dir, "kite_session.json"))
	v.SetDefault("broker.alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.alpaca.data_url", "")
	v.SetDefault("broker.paper.initial_cash", 100000.0)
	v.SetDefault("broker.paper.data_source", "none")

	v.SetDefault("screener.fundamentals_file", filepath.Join(dir, "fundamentals.csv"))
	v.SetDefault("screener.universe_size", 200)
	v.SetDefault("screener.min_market_cap", 1e9)
	v.SetDefault("screener.target_holdings", 20)
	v.SetDefault("screener.concurrency", 4)
	v.SetDefault("screener.history_days", 400)
	v.SetDefault("screener.fetch_retry.max_attempts", 3)
	v.SetDefault("screener.fetch_retry.base_delay", "1s")
	v.SetDefault("screener.fetch_retry.max_delay", "10s")
	v.SetDefault("screener.fetch_retry.backoff_factor", 2.0)

	v.SetDefault("factors.weights.value", 0.35)
	v.SetDefault("factors.weights.momentum", 0.35)
	v.SetDefault("factors.weights.quality", 0.30)
	v.SetDefault("factors.momentum.weight_1m", 0.1)
	v.SetDefault("factors.momentum.weight_3m", 0.3)
	v.SetDefault("factors.momentum.weight_6m", 0.3)
	v.SetDefault("factors.momentum.weight_12m", 0.3)
	v.SetDefault("factors.momentum.trend_weight", 0.2)
	v.SetDefault("factors.momentum.near_high_ratio", 0.95)
	v.SetDefault("factors.momentum.near_high_bonus", 10.0)
	v.SetDefault("factors.momentum.overheat_threshold", 0.25)
	v.SetDefault("factors.momentum.overheat_penalty", 15.0)
	v.SetDefault("factors.filter.max_per", 60.0)
	v.SetDefault("factors.filter.min_pbr", 0.2)
	v.SetDefault("factors.filter.max_pbr", 15.0)
	v.SetDefault("factors.filter.min_roe", 0.0)
	v.SetDefault("factors.filter.max_debt_ratio", 3.0)
	v.SetDefault("factors.filter.min_12m_return", -0.5)
	v.SetDefault("factors.filter.min_history_days", 120)
	v.SetDefault("factors.coherence_bonus", 5.0)
	v.SetDefault("factors.coherence_penalty", 5.0)

	v.SetDefault("execution.retry.max_attempts", 3)
	v.SetDefault("execution.retry.base_delay", "2s")
	v.SetDefault("execution.retry.max_delay", "30s")
	v.SetDefault("execution.retry.backoff_factor", 2.0)
	v.SetDefault("execution.requeue_retry.max_attempts", 2)
	v.SetDefault("execution.requeue_retry.base_delay", "2s")
	v.SetDefault("execution.requeue_retry.max_delay", "10s")
	v.SetDefault("execution.requeue_retry.backoff_factor", 2.0)
	v.SetDefault("execution.settlement_pause", "5s")
	v.SetDefault("execution.max_position_weight", 0.10)
	v.SetDefault("execution.cash_buffer", 0.02)
	v.SetDefault("execution.use_limit_orders", false)
	v.SetDefault("execution.limit_slippage", 0.005)

	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.atr_period", 14)
	v.SetDefault("monitor.atr_multiplier", 3.0)
	v.SetDefault("monitor.trailing_percent", 0.08)
	v.SetDefault("monitor.take_profit_1", 0.10)
	v.SetDefault("monitor.take_profit_2", 0.20)
	v.SetDefault("monitor.tp1_fraction", 0.5)
	v.SetDefault("monitor.tp2_fraction", 0.5)
	v.SetDefault("monitor.breakeven_after_tp1", true)
	v.SetDefault("monitor.breakeven_tolerance", 0.001)
	v.SetDefault("monitor.price_retry.max_attempts", 3)
	v.SetDefault("monitor.price_retry.base_delay", "500ms")
	v.SetDefault("monitor.price_retry.max_delay", "5s")
	v.SetDefault("monitor.price_retry.backoff_factor", 2.0)

	v.SetDefault("risk.daily_loss_limit", 0.03)
	v.SetDefault("risk.weekly_loss_limit", 0.06)
	v.SetDefault("risk.monthly_loss_limit", 0.10)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.min_cash_ratio", 0.01)
	v.SetDefault("risk.max_position_weight", 0.15)
	v.SetDefault("risk.max_sector_weight", 0.40)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.cooldown", "72h")

	v.SetDefault("state.path", filepath.Join(dir, "state", "engine_state.json"))
	v.SetDefault("ledger.path", filepath.Join(dir, "data", "ledger.db"))
	v.SetDefault("ledger.candle_max_age", "12h")

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.listen", "127.0.0.1:8787")
	v.SetDefault("control.token", "")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "all")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(dir, "logs", "trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

// resolvePaths expands a leading ~ and makes relative paths config-relative.
func (c *Config) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.State.Path, &c.Ledger.Path, &c.Logging.FilePath,
		&c.Screener.FundamentalsFile, &c.Broker.Kite.TokenFile,
	} {
		*p = expandPath(*p, configDir)
	}
}

func expandPath(p, base string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(base, p)
	}
	return p
}

func applyEnvOverrides(cfg *Config) {
	// Kite credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}

	// Alpaca credentials
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Credentials.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Credentials.Alpaca.APISecret = v
	}

	// Broker selection
	if v := os.Getenv("TRADER_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "paper", "kite", "alpaca":
	default:
		return fmt.Errorf("invalid broker kind: %s (must be 'paper', 'kite' or 'alpaca')", c.Broker.Kind)
	}
	switch c.Schedule.CalendarSource {
	case "", "static", "alpaca":
	default:
		return fmt.Errorf("invalid calendar_source: %s", c.Schedule.CalendarSource)
	}

	// Validate schedule
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Schedule.Timezone, err)
	}
	open, err := ParseClock(c.Schedule.MarketOpen)
	if err != nil {
		return fmt.Errorf("market_open: %w", err)
	}
	closeAt, err := ParseClock(c.Schedule.MarketClose)
	if err != nil {
		return fmt.Errorf("market_close: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("market_close must be after market_open")
	}
	if c.Schedule.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	for _, h := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", h, err)
		}
	}
	for _, s := range c.Schedule.SpecialSessions {
		if _, err := time.Parse("2006-01-02", s.Date); err != nil {
			return fmt.Errorf("invalid special session date %q: %w", s.Date, err)
		}
	}

	// Validate screener and factors
	if c.Screener.TargetHoldings < 1 {
		return fmt.Errorf("target_holdings must be at least 1")
	}
	if c.Screener.Concurrency < 1 {
		return fmt.Errorf("screener concurrency must be at least 1")
	}
	w := c.Factors.Weights
	if w.Value < 0 || w.Momentum < 0 || w.Quality < 0 || w.Value+w.Momentum+w.Quality <= 0 {
		return fmt.Errorf("factor weights must be non-negative with a positive sum")
	}

	// Validate execution
	for name, r := range map[string]RetryConfig{
		"execution.retry":         c.Execution.Retry,
		"execution.requeue_retry": c.Execution.RequeueRetry,
		"monitor.price_retry":     c.Monitor.PriceRetry,
	} {
		if r.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be at least 1", name)
		}
		if r.BackoffFactor < 1 {
			return fmt.Errorf("%s.backoff_factor must be >= 1", name)
		}
	}
	if c.Execution.MaxPositionWeight <= 0 || c.Execution.MaxPositionWeight > 1 {
		return fmt.Errorf("execution.max_position_weight must be in (0, 1]")
	}

	// Validate exit rules
	m := c.Monitor
	if m.ATRMultiplier <= 0 {
		return fmt.Errorf("atr_multiplier must be positive")
	}
	if m.TrailingPercent <= 0 || m.TrailingPercent >= 1 {
		return fmt.Errorf("trailing_percent must be between 0 and 1")
	}
	if m.TakeProfit1 <= 0 || m.TakeProfit2 <= m.TakeProfit1 {
		return fmt.Errorf("take_profit_2 must be greater than take_profit_1 > 0")
	}
	if m.TP1Fraction <= 0 || m.TP1Fraction > 1 || m.TP2Fraction <= 0 || m.TP2Fraction > 1 {
		return fmt.Errorf("tp fractions must be in (0, 1]")
	}

	// Validate risk parameters
	r := c.Risk
	for name, v := range map[string]float64{
		"daily_loss_limit":    r.DailyLossLimit,
		"weekly_loss_limit":   r.WeeklyLossLimit,
		"monthly_loss_limit":  r.MonthlyLossLimit,
		"max_drawdown":        r.MaxDrawdown,
		"max_position_weight": r.MaxPositionWeight,
		"max_sector_weight":   r.MaxSectorWeight,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}
	if r.MinCashRatio < 0 || r.MinCashRatio >= 1 {
		return fmt.Errorf("min_cash_ratio must be between 0 and 1")
	}
	if r.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max_consecutive_losses must be at least 1")
	}

	switch c.Notifications.Level {
	case "", "all", "trades_only", "alerts_only":
	default:
		return fmt.Errorf("invalid notification level: %s", c.Notifications.Level)
	}

	return nil
}

// IsPaperMode returns true if the simulated broker is selected.
func (c *Config) IsPaperMode() bool {
	return c.Broker.Kind == "paper"
}

// Location returns the exchange time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "15:04" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
