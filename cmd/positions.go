package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(posCmd) // Alias
}

var posCmd = &cobra.Command{
	Use:   "pos",
	Short: "Show positions (alias)",
	RunE:  runPositions,
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Display all open positions",
	Long:  `Shows broker positions with P&L, cost basis, and market value.`,
	RunE:  runPositions,
}

func runPositions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	client, err := connectBroker(ctx)
	if err != nil {
		return err
	}

	positions, marks, err := client.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get positions: %w", err)
	}

	if len(positions) == 0 {
		fmt.Println("No open positions")
		return nil
	}

	fmt.Println(formatters.FormatPositionsTable(positions, marks))
	return nil
}
