package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"factor-trader/internal/control"
	"factor-trader/internal/engine"
	"factor-trader/pkg/utils"
)

// remoteAction is a control API call made by a CLI command.
type remoteAction func(ctx context.Context, c *control.Client, args []string) (*control.Response, error)

func addControlCommands(rootCmd *cobra.Command, app *App) {
	simple := []struct {
		use, short string
		args       cobra.PositionalArgs
		call       remoteAction
	}{
		{"start", "Start the scheduler of a running engine", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.Start(ctx) }},
		{"stop", "Stop the scheduler; the process keeps serving the API", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.Stop(ctx) }},
		{"pause", "Pause phase handling and position monitoring", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.Pause(ctx) }},
		{"resume", "Resume after pause", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.Resume(ctx) }},
		{"rebalance", "Screen and rebalance now", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.Rebalance(ctx) }},
		{"emergency-clear", "Clear the emergency stop", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.EmergencyClear(ctx) }},
		{"close <symbol>", "Sell an entire position", cobra.ExactArgs(1),
			func(ctx context.Context, c *control.Client, args []string) (*control.Response, error) {
				return c.ClosePosition(ctx, strings.ToUpper(args[0]))
			}},
		{"close-all", "Sell every open position", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.CloseAll(ctx) }},
		{"clear-failed", "Drop permanently failed orders", cobra.NoArgs,
			func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) { return c.ClearFailed(ctx) }},
	}
	for _, s := range simple {
		call := s.call
		rootCmd.AddCommand(&cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  s.args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return remote(cmd, app, args, call)
			},
		})
	}

	rootCmd.AddCommand(newEmergencyStopCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

// remote runs call against the configured control server and prints the
// outcome. A refused action exits non-zero.
func remote(cmd *cobra.Command, app *App, args []string, call remoteAction) error {
	client := control.NewClientFromConfig(app.Config.Control)
	res, err := call(cmd.Context(), client, args)
	if err != nil {
		return err
	}

	output := NewOutput(cmd)
	if output.IsJSON() {
		if err := output.JSON(res); err != nil {
			return err
		}
	} else if res.Success {
		output.Success("%s", res.Message)
	} else {
		output.Error("%s", res.Message)
	}
	if !res.Success {
		return fmt.Errorf("%s refused", res.Action)
	}
	return nil
}

func newEmergencyStopCmd(app *App) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Block all order generation until cleared",
		Long: `Engage the persisted emergency stop. Phases stop firing and no new
orders are generated; open positions are kept and can still be closed with
'trader close'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(cmd, app, args, func(ctx context.Context, c *control.Client, _ []string) (*control.Response, error) {
				return c.EmergencyStop(ctx, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the stop")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine, portfolio and risk status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClientFromConfig(app.Config.Control)
			res, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(res)
			}
			var rep engine.StatusReport
			if err := res.Decode(&rep); err != nil {
				return err
			}
			printStatus(output, rep)
			return nil
		},
	}
}

func printStatus(output *Output, rep engine.StatusReport) {
	state := string(rep.State)
	switch rep.State {
	case engine.StateRunning:
		state = green.Sprint(state)
	case engine.StateEmergency:
		state = red.Sprint(state)
	default:
		state = yellow.Sprint(state)
	}
	output.Printf("Engine:    %s  phase %s\n", state, rep.Phase)
	if rep.Emergency.Active {
		output.Error("Emergency stop since %s: %s", rep.Emergency.Since.Format(time.RFC3339), rep.Emergency.Reason)
	}
	if !rep.Risk.CanTrade {
		output.Warning("Trading blocked: %s", rep.Risk.Reason)
	}
	output.Printf("Equity:    %s  cash %s\n", output.Money(rep.Equity), output.Money(rep.Cash))
	output.Printf("Orders:    %d pending, %d failed, %d permanently failed\n",
		rep.PendingOrders, rep.FailedOrders, rep.PermanentlyFailed)
	output.Printf("Rebalance: last %s, screened %s\n",
		orNone(rep.Markers.LastRebalanceDate), orNone(rep.Markers.LastScreeningDate))
	output.Println()

	if len(rep.Positions) == 0 {
		output.Dim("No open positions")
		return
	}
	table := NewTable(output, "SYMBOL", "QTY", "ENTRY", "LAST", "STOP", "TP1", "TP2", "P&L")
	for _, p := range rep.Positions {
		tp1, tp2 := utils.FormatMoney(p.TakeProfit1), utils.FormatMoney(p.TakeProfit2)
		if p.TP1Executed {
			tp1 = dim.Sprint("done")
		}
		if p.TP2Executed {
			tp2 = dim.Sprint("done")
		}
		table.AddRow(
			p.Symbol,
			utils.FormatQuantity(int64(p.Quantity)),
			utils.FormatMoney(p.EntryPrice),
			utils.FormatMoney(p.CurrentPrice),
			utils.FormatMoney(p.StopLoss),
			tp1,
			tp2,
			output.PnL(p.UnrealizedPnL()),
		)
	}
	table.Render()
}

func orNone(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
