package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dliu42/algorithmic-trading-bot/internal/cache"
	"github.com/dliu42/algorithmic-trading-bot/internal/marketdata"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	rootCmd.AddCommand(streamCmd)
}

var streamCmd = &cobra.Command{
	Use:   "stream [symbols...]",
	Short: "Stream normalized market data",
	Long: `Streams the prices the trading session would see for the given symbols,
or for every configured pair when none are given.`,
	RunE: runStream,
}

func runStream(cmd *cobra.Command, args []string) error {
	symbols := cfg.Symbols()
	if len(args) > 0 {
		symbols = make([]string, len(args))
		for i, s := range args {
			symbols[i] = strings.ToUpper(s)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("📡 Connecting to market data (%s)...\n", cfg.MarketData.Source)

	client, err := connectBroker(ctx)
	if err != nil {
		return err
	}

	prices := cache.NewCache(10 * time.Minute)
	feed := marketdata.NewFeed(client, symbols, cfg.InstrumentMap(), prices, logger)

	fmt.Printf("✅ Streaming %d symbols: %s\n", len(symbols), strings.Join(symbols, ", "))
	fmt.Println("Press Ctrl+C to stop...")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(ctx, func(ev models.MarketEvent) {
			fmt.Printf("[%s] %s @ $%s\n",
				formatters.FormatTimestamp(ev.Timestamp),
				formatters.ColorBlue.Sprint(ev.Symbol),
				ev.Price.StringFixed(2))
		})
	})
	g.Go(func() error {
		// Status ticker
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				stats := prices.GetStats()
				fmt.Printf("📊 Cached: %d prices | Dropped: %d ticks\n", stats.PriceCount, feed.Dropped())
			}
		}
	})

	err = g.Wait()
	fmt.Println("\n📴 Stream stopped")
	return err
}
