package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/alpaca"
	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/config"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
)

// commandTimeout bounds the one-shot REST commands
const commandTimeout = 30 * time.Second

var (
	// Global instances
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pairs-bot",
	Short: "Statistical arbitrage on cointegrated equity pairs",
	Long: `pairs-bot trades configured equity pairs on Alpaca. It tracks the
rolling spread of each pair, enters when the z-score stretches past the
entry threshold and exits when it reverts, reconciling against the
broker throughout the session.`,
	PersistentPreRunE: initializeApp,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default is ./config.yaml or $HOME/.pairs-bot/config.yaml)")
	rootCmd.PersistentFlags().String("account", "", "account to use: PAPER or REAL (overrides the config file)")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose output")
}

// initializeApp loads configuration and builds the console logger. The run
// command adds a file core of its own.
func initializeApp(cmd *cobra.Command, args []string) error {
	if account, _ := cmd.Flags().GetString("account"); account != "" {
		os.Setenv("PAIRS_ACCOUNT", strings.ToUpper(account))
	}

	path, _ := cmd.Flags().GetString("config")
	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, _, err = logging.New(logging.Options{Level: cfg.Log.Level, Verbose: verbose})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// connectBroker builds an Alpaca client and verifies the credentials
func connectBroker(ctx context.Context) (*alpaca.Client, error) {
	client := alpaca.NewClient(alpaca.OptionsFromConfig(cfg), logger)
	if err := client.Connect(ctx, brokerCredentials()); err != nil {
		return nil, err
	}
	return client, nil
}

func brokerCredentials() broker.Credentials {
	return broker.Credentials{KeyID: cfg.Credentials.KeyID, SecretKey: cfg.Credentials.SecretKey}
}

func tradingMode() string {
	if cfg.IsPaperTrading() {
		return "PAPER"
	}
	return "LIVE"
}

// Helper function to check if in live mode
func checkLiveMode(cmd *cobra.Command) error {
	if cfg.IsPaperTrading() {
		return nil
	}
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return nil
	}

	fmt.Println("⚠️  WARNING: You are in LIVE trading mode!")
	fmt.Print("Type 'confirm-live' to proceed: ")

	var confirm string
	fmt.Scanln(&confirm)

	if confirm != "confirm-live" {
		return fmt.Errorf("live trading not confirmed")
	}
	return nil
}
