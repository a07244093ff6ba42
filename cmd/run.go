package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/alpaca"
	"github.com/dliu42/algorithmic-trading-bot/internal/cache"
	"github.com/dliu42/algorithmic-trading-bot/internal/execution"
	"github.com/dliu42/algorithmic-trading-bot/internal/ledger"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/marketdata"
	"github.com/dliu42/algorithmic-trading-bot/internal/metrics"
	"github.com/dliu42/algorithmic-trading-bot/internal/risk"
	"github.com/dliu42/algorithmic-trading-bot/internal/session"
	"github.com/dliu42/algorithmic-trading-bot/internal/stats"
	"github.com/dliu42/algorithmic-trading-bot/internal/store"
	"github.com/dliu42/algorithmic-trading-bot/internal/strategy"
	"github.com/dliu42/algorithmic-trading-bot/pkg/formatters"
)

func init() {
	runCmd.Flags().Bool("yes", false, "skip the live trading confirmation")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trade today's session",
	Long: `Runs one trading day: waits for the market open, reconciles with the
broker, trades every configured pair and closes out before the market
closes. Ctrl+C starts an orderly close.`,
	RunE: runSession,
}

func runSession(cmd *cobra.Command, args []string) error {
	if err := checkLiveMode(cmd); err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	fileLogger, logPath, err := logging.New(logging.Options{Dir: cfg.Log.Dir, Level: cfg.Log.Level, Verbose: verbose})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = fileLogger
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🚀 pairs-bot - %s Trading Mode\n", tradingMode())
	if logPath != "" {
		fmt.Printf("📝 Logging to %s\n", logPath)
	}

	sink := logging.Multi(logging.NewZapSink(logger), metrics.Sink{})

	ledgerOpts := []ledger.Option{ledger.WithSink(sink)}
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		journal, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer journal.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(journal))
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
	}

	ctrl, l, err := buildSession(sink, ledgerOpts)
	if err != nil {
		return err
	}

	runErr := ctrl.Run(ctx)

	fmt.Println()
	fmt.Println(formatters.FormatSessionState(ctrl.State(), false))
	if positions := l.Positions(); len(positions) > 0 {
		fmt.Println(formatters.FormatPositionsTable(positions, nil))
	}

	if runErr != nil {
		logger.Error("session failed", zap.Error(runErr))
		return runErr
	}
	fmt.Println("✅ Session complete")
	return nil
}

func buildSession(sink logging.Sink, ledgerOpts []ledger.Option) (*session.Controller, *ledger.Ledger, error) {
	client := alpaca.NewClient(alpaca.OptionsFromConfig(cfg), logger)
	pairs := cfg.PairDefinitions()
	instruments := cfg.InstrumentMap()

	ttl := 2 * cfg.Session.StaleAfter
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	prices := cache.NewCache(ttl)

	l := ledger.New(logger, ledgerOpts...)
	exec := execution.NewManager(client, l, prices, execution.Options{
		NotionalFraction: cfg.Execution.NotionalFraction,
		SubmitTimeout:    cfg.Execution.SubmitTimeout,
		MaxAuthFailures:  cfg.Execution.MaxAuthFailures,
		Retry: execution.RetryPolicy{
			MaxRetries: cfg.Execution.MaxRetries,
			Base:       cfg.Execution.RetryBase,
			Max:        cfg.Execution.RetryMax,
		},
		Instruments: instruments,
		Risk:        risk.NewChecker(cfg.Risk, l, logger),
		Sink:        sink,
	}, logger)

	eval, err := strategy.NewEvaluator(cfg.Strategy, pairs,
		strategy.Params{Notional: strategy.FixedNotional(cfg.Execution.Notional)}, exec, sink, logger)
	if err != nil {
		return nil, nil, err
	}

	ctrl := session.NewController(session.Components{
		Client:    client,
		Feed:      marketdata.NewFeed(client, cfg.Symbols(), instruments, prices, logger),
		Tracker:   stats.NewTracker(pairs, stats.WithStaleAfter(cfg.Session.StaleAfter)),
		Evaluator: eval,
		Execution: exec,
		Ledger:    l,
		Sink:      sink,
	}, session.Options{
		Account:           cfg.Account,
		Credentials:       brokerCredentials(),
		QueueSize:         cfg.Session.QueueSize,
		ReconcileInterval: cfg.Session.ReconcileInterval,
		ClosingTimeout:    cfg.Session.ClosingTimeout,
		CloseBuffer:       cfg.Session.CloseBuffer,
		StateFile:         session.StateFile{Path: cfg.Session.StateFile},
	}, logger)

	return ctrl, l, nil
}
