package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dliu42/algorithmic-trading-bot/internal/store"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	ordersCmd.Flags().Int("limit", 50, "Number of most recent orders to show")
	ordersCmd.Flags().Bool("fills", false, "Show fills instead of orders")
	ordersCmd.Flags().String("symbol", "", "Restrict fills to one symbol")
	ordersCmd.Flags().Bool("discrepancies", false, "Show reconciliation findings")

	rootCmd.AddCommand(ordersCmd)
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Display journaled orders",
	Long: `Shows orders recorded by past sessions, most recent first. Use --fills
for executions or --discrepancies for reconciliation findings.`,
	RunE: runOrders,
}

func runOrders(cmd *cobra.Command, args []string) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("no journal configured (set store.path)")
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		return fmt.Errorf("journal %s: %w", cfg.Store.Path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	journal, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	showFills, _ := cmd.Flags().GetBool("fills")
	showDiscrepancies, _ := cmd.Flags().GetBool("discrepancies")

	switch {
	case showDiscrepancies:
		found, err := journal.Discrepancies(ctx)
		if err != nil {
			return err
		}
		fmt.Println(formatters.FormatDiscrepancies(found))
	case showFills:
		symbol, _ := cmd.Flags().GetString("symbol")
		fills, err := journal.Fills(ctx, strings.ToUpper(symbol))
		if err != nil {
			return err
		}
		fmt.Println(formatters.FormatFillsTable(fills))
	default:
		limit, _ := cmd.Flags().GetInt("limit")
		orders, err := journal.RecentOrders(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Println(formatters.FormatOrdersTable(orders))
	}

	return nil
}
