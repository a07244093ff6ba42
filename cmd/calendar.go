package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	calendarCmd.Flags().String("date", "", "Trading day to look up as YYYY-MM-DD (default today)")
	rootCmd.AddCommand(calendarCmd)
}

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Show market hours for a day",
	RunE:  runCalendar,
}

func runCalendar(cmd *cobra.Command, args []string) error {
	day := time.Now()
	if s, _ := cmd.Flags().GetString("date"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", s, err)
		}
		// noon UTC lands on the same calendar date in New York
		day = parsed.Add(12 * time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	client, err := connectBroker(ctx)
	if err != nil {
		return err
	}

	td, err := client.MarketCalendar(ctx, day)
	if errors.Is(err, broker.ErrNoTradingDay) {
		fmt.Println("Market closed")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(formatters.FormatTradingDay(td))
	return nil
}
