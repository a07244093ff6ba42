package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dliu42/algorithmic-trading-bot/internal/risk"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(acctCmd) // Alias
}

var acctCmd = &cobra.Command{
	Use:   "acct",
	Short: "Account summary (alias)",
	RunE:  runAccount,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Display account information",
	Long:  `Shows account status, buying power, equity, and daily P&L against the configured loss limit.`,
	RunE:  runAccount,
}

func runAccount(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	client, err := connectBroker(ctx)
	if err != nil {
		return err
	}

	account, err := client.Account(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	fmt.Println(formatters.FormatAccount(account, cfg.Account))
	if cfg.IsPaperTrading() {
		fmt.Println("📄 Paper trading: no real money at risk")
	}

	// Check daily loss limit
	result := risk.NewChecker(cfg.Risk, nil, logger).CheckDailyLoss(account)
	if !result.Passed {
		fmt.Printf("\n❌ %s\n", result.Reason)
	} else if len(result.Warnings) > 0 {
		for _, warning := range result.Warnings {
			fmt.Printf("\n⚠️  %s\n", warning)
		}
	}

	return nil
}
