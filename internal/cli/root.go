// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"factor-trader/internal/config"
	"factor-trader/internal/logging"
	"factor-trader/internal/security"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-03-01"
)

// skipConfig marks commands that run without a loaded config.
const skipConfig = "skip-config"

// App holds what every command shares once the root has run.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Factor-based equity trading engine",
		Long: `trader runs an unattended monthly factor rebalance with ATR stops.

The engine screens the universe on value, momentum and quality, rebalances on
the first trading day of the month and watches every position while the
market is open. A running engine is controlled through its local API:

  trader run                 start the engine
  trader status              inspect it
  trader emergency-stop      block all order generation`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg
			app.Logger = logging.NewLoggerWithConfig(logConfig(cfg.Logging))

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/factor-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addEngineCommands(rootCmd, app)
	addControlCommands(rootCmd, app)
	addOfflineCommands(rootCmd, app)

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func logConfig(c config.LoggingConfig) logging.LogConfig {
	out := logging.DefaultLogConfig()
	if c.Level != "" {
		out.Level = c.Level
	}
	out.Console = c.Console
	out.File = c.File
	if c.FilePath != "" {
		out.FilePath = c.FilePath
	}
	if c.MaxSize > 0 {
		out.MaxSize = c.MaxSize
	}
	if c.MaxBackups > 0 {
		out.MaxBackups = c.MaxBackups
	}
	if c.MaxAge > 0 {
		out.MaxAge = c.MaxAge
	}
	return out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("factor-trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				redacted := *app.Config
				redacted.Credentials = config.Credentials{}
				redacted.Control.Token = ""
				return output.JSON(redacted)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"dir":  app.ConfigDir,
					"file": config.TemplatePath(app.ConfigDir),
				})
			}
			output.Println(config.TemplatePath(app.ConfigDir))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration files",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := config.Load(app.ConfigDir); err != nil {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				}
				output.Error("Configuration is invalid: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Broker:            %s\n", cfg.Broker.Kind)
	output.Printf("  Timezone:          %s\n", cfg.Schedule.Timezone)
	output.Printf("  Session:           %s - %s\n", cfg.Schedule.MarketOpen, cfg.Schedule.MarketClose)
	output.Printf("  Auto start:        %v\n", cfg.Engine.AutoStart)
	output.Printf("  State file:        %s\n", cfg.State.Path)
	output.Printf("  Ledger:            %s\n", cfg.Ledger.Path)
	output.Println()

	output.Bold("Screening")
	output.Printf("  Target holdings:   %d\n", cfg.Screener.TargetHoldings)
	output.Printf("  Universe size:     %d\n", cfg.Screener.UniverseSize)
	output.Printf("  Factor weights:    value %.2f, momentum %.2f, quality %.2f\n",
		cfg.Factors.Weights.Value, cfg.Factors.Weights.Momentum, cfg.Factors.Weights.Quality)
	output.Println()

	output.Bold("Exits")
	output.Printf("  ATR:               %d days x %.1f\n", cfg.Monitor.ATRPeriod, cfg.Monitor.ATRMultiplier)
	output.Printf("  Take profit:       %.0f%% / %.0f%%\n", cfg.Monitor.TakeProfit1*100, cfg.Monitor.TakeProfit2*100)
	output.Printf("  Monitor interval:  %s\n", cfg.Monitor.Interval)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Loss limits:       day %.0f%%, week %.0f%%, month %.0f%%\n",
		cfg.Risk.DailyLossLimit*100, cfg.Risk.WeeklyLossLimit*100, cfg.Risk.MonthlyLossLimit*100)
	output.Printf("  Max drawdown:      %.0f%%\n", cfg.Risk.MaxDrawdown*100)
	output.Printf("  Loss streak:       %d, cooldown %s\n", cfg.Risk.MaxConsecutiveLosses, cfg.Risk.Cooldown)
	output.Println()

	output.Bold("Control")
	output.Printf("  Enabled:           %v\n", cfg.Control.Enabled)
	output.Printf("  Listen:            %s\n", cfg.Control.Listen)
	output.Printf("  Token:             %s\n", redact(cfg.Control.Token))
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:           %v (%s)\n", cfg.Notifications.Enabled, cfg.Notifications.Level)
	output.Printf("  Webhook:           %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:          %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:             %v\n", cfg.Notifications.Email.Enabled)
}

func redact(s string) string {
	if s == "" {
		return "(none)"
	}
	return security.MaskCredential(s)
}
