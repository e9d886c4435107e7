package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"factor-trader/internal/models"
	"factor-trader/internal/state"
	"factor-trader/internal/store"
	"factor-trader/pkg/utils"
)

// Commands that read the state file and the ledger directly. They work
// whether or not an engine is running.
func addOfflineCommands(rootCmd *cobra.Command, app *App) {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the engine state file",
	}
	stateCmd.AddCommand(newStateShowCmd(app))
	rootCmd.AddCommand(stateCmd)

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the trade ledger",
	}
	ledgerCmd.AddCommand(newSnapshotsCmd(app))
	ledgerCmd.AddCommand(newTransactionsCmd(app))
	rootCmd.AddCommand(ledgerCmd)
}

func newStateShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := state.ReadFile(app.Config.State.Path)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(doc)
			}
			printState(output, app.Config.State.Path, doc)
			return nil
		},
	}
}

func printState(output *Output, path string, doc *state.EngineState) {
	output.Bold("State %s", path)
	output.Dim("version %d, updated %s", doc.Version, doc.UpdatedAt.Format(time.RFC3339))
	if doc.Emergency.Active {
		output.Error("Emergency stop since %s: %s", doc.Emergency.Since.Format(time.RFC3339), doc.Emergency.Reason)
	}
	output.Printf("Cash:         %s\n", utils.FormatMoney(doc.Cash))
	output.Printf("Screened:     %s\n", orNone(doc.LastScreeningDate))
	output.Printf("Rebalanced:   %s (month %s)\n", orNone(doc.LastRebalanceDate), orNone(doc.LastRebalanceMonth))
	if doc.LastUrgentRebalanceMonth != "" {
		output.Printf("Urgent month: %s\n", doc.LastUrgentRebalanceMonth)
	}
	if doc.Risk.ConsecutiveLosses > 0 || !doc.Risk.CooldownUntil.IsZero() {
		output.Printf("Risk:         %d consecutive losses, cooldown until %s\n",
			doc.Risk.ConsecutiveLosses, doc.Risk.CooldownUntil.Format(time.RFC3339))
	}

	dates := make([]string, 0, len(doc.FiredPhases))
	for d := range doc.FiredPhases {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		output.Printf("Fired %s: %s\n", d, strings.Join(doc.FiredPhases[d], ", "))
	}
	output.Println()

	if len(doc.Positions) > 0 {
		table := NewTable(output, "SYMBOL", "QTY", "ENTRY", "LAST", "STOP", "HIGH", "ATR")
		for _, p := range doc.Positions {
			table.AddRow(p.Symbol, utils.FormatQuantity(int64(p.Quantity)), utils.FormatMoney(p.EntryPrice),
				utils.FormatMoney(p.CurrentPrice), utils.FormatMoney(p.StopLoss), utils.FormatMoney(p.HighestPrice),
				fmt.Sprintf("%.2f", p.ATR))
		}
		table.Render()
		output.Println()
	}

	printOrders(output, "Pending orders", doc.PendingOrders)
	printOrders(output, "Failed orders", doc.FailedOrders)
	printOrders(output, "Permanently failed", doc.PermanentlyFailedOrders)
}

func printOrders(output *Output, title string, orders []models.PendingOrder) {
	if len(orders) == 0 {
		return
	}
	output.Bold("%s (%d)", title, len(orders))
	table := NewTable(output, "SIDE", "SYMBOL", "QTY", "SOURCE", "RETRIES", "LAST ERROR")
	for _, o := range orders {
		table.AddRow(string(o.Side), o.Symbol, utils.FormatQuantity(int64(o.Quantity)), string(o.Source),
			fmt.Sprintf("%d", o.RetryCount), truncate(o.LastError, 60))
	}
	table.Render()
	output.Println()
}

// dateRange parses the --from/--to flags. from defaults to days before today.
func dateRange(cmd *cobra.Command, days int, loc *time.Location) (time.Time, time.Time, error) {
	fromS, _ := cmd.Flags().GetString("from")
	toS, _ := cmd.Flags().GetString("to")

	now := time.Now().In(loc)
	to := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, loc)
	from := to.AddDate(0, 0, -days)
	if fromS != "" {
		t, err := time.ParseInLocation(store.DateLayout, fromS, loc)
		if err != nil {
			return from, to, fmt.Errorf("invalid --from: %w", err)
		}
		from = t
	}
	if toS != "" {
		t, err := time.ParseInLocation(store.DateLayout, toS, loc)
		if err != nil {
			return from, to, fmt.Errorf("invalid --to: %w", err)
		}
		to = t.Add(24*time.Hour - time.Second)
	}
	return from, to, nil
}

func openLedger(app *App) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(app.Config.Ledger.Path)
}

func newSnapshotsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List daily equity snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := dateRange(cmd, 30, app.Config.Location())
			if err != nil {
				return err
			}
			ledger, err := openLedger(app)
			if err != nil {
				return err
			}
			defer ledger.Close()

			snaps, err := ledger.Snapshots(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(snaps)
			}
			if len(snaps) == 0 {
				output.Dim("No snapshots between %s and %s", from.Format(store.DateLayout), to.Format(store.DateLayout))
				return nil
			}
			table := NewTable(output, "DATE", "EQUITY", "CASH", "P&L", "RETURN", "DRAWDOWN", "POS", "DISCREPANCY")
			for _, s := range snaps {
				table.AddRow(s.Date.Format(store.DateLayout), utils.FormatMoney(s.TotalEquity), utils.FormatMoney(s.Cash),
					output.PnL(s.DailyPnL), output.Percent(s.DailyReturn), utils.FormatPercent(s.Drawdown*100),
					fmt.Sprintf("%d", s.PositionCount), truncate(s.Discrepancy, 40))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("from", "", "first date (YYYY-MM-DD, default 30 days ago)")
	cmd.Flags().String("to", "", "last date (YYYY-MM-DD, default today)")
	return cmd
}

func newTransactionsCmd(app *App) *cobra.Command {
	var (
		symbol string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List executed fills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := dateRange(cmd, 90, app.Config.Location())
			if err != nil {
				return err
			}
			ledger, err := openLedger(app)
			if err != nil {
				return err
			}
			defer ledger.Close()

			txs, err := ledger.Transactions(cmd.Context(), store.TransactionFilter{
				Symbol: strings.ToUpper(symbol),
				From:   from,
				To:     to,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(txs)
			}
			if len(txs) == 0 {
				output.Dim("No transactions")
				return nil
			}
			var realized float64
			table := NewTable(output, "TIME", "SIDE", "SYMBOL", "QTY", "PRICE", "AMOUNT", "REALIZED", "REASON")
			for _, t := range txs {
				realized += t.RealizedPnL
				table.AddRow(t.ExecutedAt.In(app.Config.Location()).Format("2006-01-02 15:04"), string(t.Side), t.Symbol,
					utils.FormatQuantity(int64(t.Quantity)), utils.FormatMoney(t.Price), utils.FormatMoney(t.Amount),
					output.PnL(t.RealizedPnL), t.Reason)
			}
			table.Render()
			output.Println()
			output.Printf("%d fills, realized %s\n", len(txs), output.PnL(realized))
			return nil
		},
	}
	cmd.Flags().String("from", "", "first date (YYYY-MM-DD, default 90 days ago)")
	cmd.Flags().String("to", "", "last date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "only this symbol")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 = all)")
	return cmd
}
