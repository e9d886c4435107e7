package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# factor-trader configuration

[engine]
name = "factor-trader"
# Start the scheduler as soon as "trader run" starts
auto_start = true

[schedule]
timezone = "America/New_York"
market_open = "09:30"
market_close = "16:00"
pre_market_lead = "60m"
open_window = "30m"
close_window = "30m"
tick_interval = "1s"
# Apply the built-in US exchange holiday rules
us_holidays = true
# Extra closures, "YYYY-MM-DD"
holidays = []
# static or alpaca
calendar_source = "static"

# [[schedule.special_sessions]]
# date = "2026-11-27"
# open = "09:30"
# close = "13:00"

[broker]
# paper, kite or alpaca
kind = "paper"
# Requests per second and burst
rate_limit = 3.0
burst = 5
request_timeout = "15s"
fill_timeout = "30s"
fill_poll_interval = "1s"

[broker.circuit_breaker]
failure_threshold = 5
success_threshold = 2
timeout = "30s"

[broker.kite]
exchange = "NSE"
product = "CNC"

[broker.alpaca]
base_url = "https://paper-api.alpaca.markets"

[broker.paper]
initial_cash = 100000.0
# Where the simulator gets quotes: none, alpaca or kite
data_source = "none"

[screener]
fundamentals_file = "fundamentals.csv"
universe_size = 200
min_market_cap = 1000000000.0
target_holdings = 20
concurrency = 4
history_days = 400

[factors.weights]
value = 0.35
momentum = 0.35
quality = 0.30

[factors.momentum]
near_high_ratio = 0.95
near_high_bonus = 10.0
overheat_threshold = 0.25
overheat_penalty = 15.0

[factors.filter]
max_per = 60.0
min_pbr = 0.2
max_pbr = 15.0
min_roe = 0.0
max_debt_ratio = 3.0
min_12m_return = -0.5

[execution]
settlement_pause = "5s"
max_position_weight = 0.10
cash_buffer = 0.02

[execution.retry]
max_attempts = 3
base_delay = "2s"
max_delay = "30s"
backoff_factor = 2.0

[execution.requeue_retry]
max_attempts = 2
base_delay = "2s"
max_delay = "10s"
backoff_factor = 2.0

[monitor]
interval = "60s"
atr_period = 14
atr_multiplier = 3.0
# Used when ATR is unavailable
trailing_percent = 0.08
take_profit_1 = 0.10
take_profit_2 = 0.20
tp1_fraction = 0.5
tp2_fraction = 0.5
breakeven_after_tp1 = true

[risk]
daily_loss_limit = 0.03
weekly_loss_limit = 0.06
monthly_loss_limit = 0.10
max_drawdown = 0.15
min_cash_ratio = 0.01
max_position_weight = 0.15
max_sector_weight = 0.40
max_consecutive_losses = 3
cooldown = "72h"

[state]
path = "state/engine_state.json"

[ledger]
path = "data/ledger.db"
# Reuse cached daily candles synced within this window
candle_max_age = "12h"

[control]
enabled = true
listen = "127.0.0.1:8787"
token = ""

[notifications]
enabled = true
# all, trades_only, alerts_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""

[logging]
level = "info"
console = true
file = true
file_path = "logs/trader.log"
`

const credentialsTemplate = `# factor-trader credentials
# Environment variables (or a .env file in this directory) override these:
# KITE_API_KEY, KITE_API_SECRET, KITE_ACCESS_TOKEN, ALPACA_API_KEY, ALPACA_API_SECRET

[kite]
api_key = ""
api_secret = ""
access_token = ""

[alpaca]
api_key = ""
api_secret = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

// TemplatePath returns where the main config lives in configDir.
func TemplatePath(configDir string) string {
	return filepath.Join(configDir, "config.toml")
}
