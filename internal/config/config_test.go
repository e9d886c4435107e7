package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "factor-trader/internal/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, time.Second, cfg.Schedule.TickInterval)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 3.0, cfg.Monitor.ATRMultiplier)
}

func TestLoadCreatesTemplateWhenMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created template")

	// The template itself must load cleanly.
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "engine_state.json"), cfg.State.Path)
	assert.Equal(t, 20, cfg.Screener.TargetHoldings)
	assert.Equal(t, 72*time.Hour, cfg.Risk.Cooldown)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(TemplatePath(dir), []byte(configTemplate), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ALPACA_API_KEY=from-dotenv\n"), 0600))
	t.Setenv("TRADER_BROKER", "alpaca")
	t.Cleanup(func() { os.Unsetenv("ALPACA_API_KEY") })

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "alpaca", cfg.Broker.Kind)
	assert.Equal(t, "from-dotenv", cfg.Credentials.Alpaca.APIKey)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(TemplatePath(dir), []byte(configTemplate), 0644))
	t.Setenv("TRADER_BROKER", "ib")

	_, err := Load(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "invalid broker kind")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"broker kind":  func(c *Config) { c.Broker.Kind = "ib" },
		"timezone":     func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" },
		"close<open":   func(c *Config) { c.Schedule.MarketClose = "09:00" },
		"tp order":     func(c *Config) { c.Monitor.TakeProfit2 = c.Monitor.TakeProfit1 },
		"retry budget": func(c *Config) { c.Execution.Retry.MaxAttempts = 0 },
		"weights":      func(c *Config) { c.Factors.Weights = FactorWeights{} },
		"losses":       func(c *Config) { c.Risk.MaxConsecutiveLosses = 0 },
		"holiday":      func(c *Config) { c.Schedule.Holidays = []string{"July 4"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)

	_, err = ParseClock("9h30")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid clock"))
}
