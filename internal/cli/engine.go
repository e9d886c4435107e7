package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"factor-trader/internal/analysis/scoring"
	"factor-trader/internal/broker"
	"factor-trader/internal/calendar"
	"factor-trader/internal/config"
	"factor-trader/internal/control"
	"factor-trader/internal/engine"
	"factor-trader/internal/models"
	"factor-trader/internal/notify"
	"factor-trader/internal/resilience"
	"factor-trader/internal/risk"
	"factor-trader/internal/state"
	"factor-trader/internal/store"
	"factor-trader/internal/trading"
	"factor-trader/pkg/utils"
)

// stack is the wired set of components behind `run` and `screen`.
type stack struct {
	broker   *broker.GuardedClient
	ledger   *store.SQLiteStore
	screener *scoring.Screener
}

func (s *stack) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// newStack wires the broker, the ledger and the screener. Screening reads
// daily candles through the ledger's candle cache.
func newStack(cfg *config.Config, logger zerolog.Logger) (*stack, error) {
	brk, err := broker.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating broker: %w", err)
	}
	ledger, err := store.NewSQLiteStore(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	candles := store.NewCandleCache(ledger, brk, cfg.Ledger.CandleMaxAge, logger)
	factors := scoring.NewFactorEngine(cfg.Factors, cfg.Screener.MinMarketCap, cfg.Monitor.ATRPeriod)
	fundamentals := scoring.NewCSVFundamentals(cfg.Screener.FundamentalsFile)

	return &stack{
		broker:   brk,
		ledger:   ledger,
		screener: scoring.NewScreener(cfg.Screener, factors, fundamentals, candles, logger),
	}, nil
}

func calendarSource(cfg *config.Config) calendar.Source {
	if cfg.Schedule.CalendarSource != "alpaca" {
		return nil
	}
	return calendar.NewAlpacaSource(cfg.Credentials.Alpaca.APIKey, cfg.Credentials.Alpaca.APISecret, cfg.Broker.Alpaca.BaseURL)
}

func addEngineCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newScreenCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		Long: `Run the engine in the foreground until SIGINT or SIGTERM.

The scheduler fires the session phases, the position monitor runs while the
market is open and the control API listens on control.listen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, app)
		},
	}
}

func runEngine(cmd *cobra.Command, app *App) error {
	cfg, logger := app.Config, app.Logger
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stk, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer stk.Close()

	cal, err := calendar.New(cfg.Schedule, calendarSource(cfg))
	if err != nil {
		return err
	}
	st, report := state.Open(cfg.State.Path, logger)
	if report.Fresh && cfg.IsPaperMode() {
		st.SetCash(cfg.Broker.Paper.InitialCash)
	}

	rm := risk.NewMonitor(cfg.Risk, cal.Location(), logger)
	notifier := notify.NewMultiNotifier(cfg.Notifications, logger)
	executor := trading.NewExecutor(stk.broker, st, rm, stk.ledger, notifier, cfg.Execution, trading.RulesFromConfig(cfg.Monitor), logger)
	monitor := trading.NewPositionMonitor(stk.broker, st, executor, cfg.Monitor, logger)

	eng, err := engine.New(engine.Deps{
		Config:     cfg,
		Calendar:   cal,
		Broker:     stk.broker,
		Store:      st,
		Ledger:     stk.ledger,
		Risk:       rm,
		Executor:   executor,
		Monitor:    monitor,
		Screener:   stk.screener,
		Notifier:   notifier,
		LoadReport: report,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	if cfg.Control.Enabled {
		health := resilience.NewHealthMonitor(5 * time.Second)
		health.RegisterComponent("ledger", resilience.DatabaseHealthCheck(stk.ledger.Ping))
		health.RegisterComponent("broker", resilience.BreakerHealthCheck(stk.broker.Breaker()))
		health.RegisterComponent("engine", resilience.FlagHealthCheck(func() (bool, string) {
			e := st.Emergency()
			return e.Active, e.Reason
		}))
		srv := control.NewServer(cfg.Control, eng, logger, control.WithHealth(health))
		go func() { serverErr <- srv.ListenAndServe(ctx) }()
	} else {
		close(serverErr)
	}

	output := NewOutput(cmd)
	if !output.IsJSON() {
		output.Success("Engine running (%s broker)", stk.broker.Name())
		if cfg.Control.Enabled {
			output.Dim("Control API on http://%s", cfg.Control.Listen)
		}
	}

	if err := eng.Run(ctx); err != nil {
		return err
	}
	if err := <-serverErr; err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

func newScreenCmd(app *App) *cobra.Command {
	var (
		record bool
		top    int
	)
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Run one screening pass and print the ranking",
		Long: `Screen the universe now and print the selected symbols.

Nothing is traded. With --record the run is stored in the ledger's screening
audit like a scheduled run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stk, err := newStack(app.Config, app.Logger)
			if err != nil {
				return err
			}
			defer stk.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()

			res, err := stk.screener.Run(ctx)
			if err != nil {
				return err
			}
			if record {
				if err := stk.ledger.RecordScreening(ctx, res); err != nil {
					return err
				}
			}
			return printScreening(NewOutput(cmd), res, top)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "store the run in the ledger")
	cmd.Flags().IntVar(&top, "rejected", 10, "number of rejected symbols to list")
	return cmd
}

func printScreening(output *Output, res *models.ScreeningResult, rejected int) error {
	if output.IsJSON() {
		return output.JSON(res)
	}

	output.Bold("Screening %s", res.RunID)
	output.Dim("universe %d, passed filters %d, selected %d in %s",
		res.UniverseSize, res.FilteredCount, len(res.Selected), res.Elapsed.Round(time.Millisecond))
	output.Println()

	table := NewTable(output, "RANK", "SYMBOL", "SECTOR", "VALUE", "MOMENTUM", "QUALITY", "COMPOSITE", "PRICE", "ATR")
	for _, s := range res.Selected {
		table.AddRow(
			fmt.Sprintf("%d", s.Rank),
			s.Symbol,
			truncate(s.Sector, 18),
			fmt.Sprintf("%.1f", s.Value),
			fmt.Sprintf("%.1f", s.Momentum),
			fmt.Sprintf("%.1f", s.Quality),
			fmt.Sprintf("%.1f", s.Composite),
			utils.FormatMoney(s.LastPrice),
			fmt.Sprintf("%.2f", s.ATR),
		)
	}
	table.Render()

	if rejected > 0 && len(res.Rejected) > 0 {
		output.Println()
		output.Bold("Rejected")
		for i, s := range res.Rejected {
			if i == rejected {
				output.Dim("... and %d more", len(res.Rejected)-rejected)
				break
			}
			output.Printf("  %-8s %s\n", s.Symbol, s.FilterReason)
		}
	}
	return nil
}
