package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Account types
const (
	AccountPaper = "PAPER"
	AccountReal  = "REAL"
)

const (
	paperTradingURL = "https://paper-api.alpaca.markets"
	liveTradingURL  = "https://api.alpaca.markets"
	defaultDataURL  = "https://data.alpaca.markets"
	streamURLFormat = "wss://stream.data.alpaca.markets/v2/%s"
)

// Credentials authenticate against the broker
type Credentials struct {
	KeyID     string
	SecretKey string
}

// Config is the validated session configuration consumed by the engine
type Config struct {
	Account      string           `mapstructure:"account"`
	Strategy     string           `mapstructure:"strategy"`
	Pairs        []PairConfig     `mapstructure:"pairs"`
	Instruments  []InstrumentSpec `mapstructure:"instruments"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	HTTPTimeout  time.Duration    `mapstructure:"http_timeout"`

	MarketData MarketDataConfig `mapstructure:"market_data"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Session    SessionConfig    `mapstructure:"session"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Endpoints  Endpoints        `mapstructure:"endpoints"`

	// Resolved from the environment, never from the config file
	Credentials Credentials `mapstructure:"-"`
}

// PairConfig is the file form of a pair; nil fields take defaults
type PairConfig struct {
	SymbolA    string   `mapstructure:"symbol_a"`
	SymbolB    string   `mapstructure:"symbol_b"`
	Lookback   *int     `mapstructure:"lookback"`
	Entry      *float64 `mapstructure:"entry"`
	Exit       *float64 `mapstructure:"exit"`
	HedgeRatio *float64 `mapstructure:"hedge_ratio"`
}

// InstrumentSpec overrides tick and lot size for a symbol
type InstrumentSpec struct {
	Symbol   string          `mapstructure:"symbol"`
	TickSize decimal.Decimal `mapstructure:"tick_size"`
	LotSize  decimal.Decimal `mapstructure:"lot_size"`
}

// MarketDataConfig selects the feed
type MarketDataConfig struct {
	Feed   string `mapstructure:"feed"`   // iex or sip
	Source string `mapstructure:"source"` // bars, trades or poll
}

// ExecutionConfig controls sizing and retries
type ExecutionConfig struct {
	Notional         decimal.Decimal `mapstructure:"notional"`
	NotionalFraction decimal.Decimal `mapstructure:"notional_fraction"`
	MaxRetries       int             `mapstructure:"max_retries"`
	RetryBase        time.Duration   `mapstructure:"retry_base"`
	RetryMax         time.Duration   `mapstructure:"retry_max"`
	SubmitTimeout    time.Duration   `mapstructure:"submit_timeout"`
	MaxAuthFailures  int             `mapstructure:"max_auth_failures"`
}

// SessionConfig controls the run loop
type SessionConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ClosingTimeout    time.Duration `mapstructure:"closing_timeout"`
	CloseBuffer       time.Duration `mapstructure:"close_buffer"`
	StateFile         string        `mapstructure:"state_file"`
}

// RiskConfig holds pre-trade limits; zero disables a limit
type RiskConfig struct {
	MaxOrderNotional decimal.Decimal `mapstructure:"max_order_notional"`
	MaxPositionQty   decimal.Decimal `mapstructure:"max_position_qty"`
	MaxDailyLoss     decimal.Decimal `mapstructure:"max_daily_loss"`
}

// LogConfig controls the console/file logger
type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	Level string `mapstructure:"level"`
}

// StoreConfig locates the SQLite journal; empty disables it
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig exposes prometheus metrics when Addr is set
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Endpoints override the broker URLs derived from the account type
type Endpoints struct {
	Trading string `mapstructure:"trading"`
	Data    string `mapstructure:"data"`
	Stream  string `mapstructure:"stream"`
}

// Load reads the config file at path (or searches the default locations when
// path is empty), overlays PAIRS_* environment variables and resolves
// credentials for the selected account.
func Load(path string) (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAIRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &models.FatalConfigError{Err: fmt.Errorf("read %s: %w", path, err)}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pairs-bot"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &models.FatalConfigError{Err: fmt.Errorf("read config: %w", err)}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, &models.FatalConfigError{Err: fmt.Errorf("decode config: %w", err)}
	}

	cfg.Account = strings.ToUpper(strings.TrimSpace(cfg.Account))
	cfg.resolveEndpoints()

	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &models.FatalConfigError{Err: err}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account", AccountPaper)
	v.SetDefault("strategy", "pair_zscore")
	v.SetDefault("pairs", []map[string]interface{}{
		{"symbol_a": "GOOGL", "symbol_b": "GOOG"},
		{"symbol_a": "KO", "symbol_b": "PEP"},
	})
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("http_timeout", "10s")

	v.SetDefault("market_data.feed", "iex")
	v.SetDefault("market_data.source", "bars")

	v.SetDefault("execution.notional", "0")
	v.SetDefault("execution.notional_fraction", "0.1")
	v.SetDefault("execution.max_retries", 5)
	v.SetDefault("execution.retry_base", "500ms")
	v.SetDefault("execution.retry_max", "30s")
	v.SetDefault("execution.submit_timeout", "10s")
	v.SetDefault("execution.max_auth_failures", 3)

	v.SetDefault("session.queue_size", 1024)
	v.SetDefault("session.reconcile_interval", "5m")
	v.SetDefault("session.stale_after", "3m")
	v.SetDefault("session.closing_timeout", "30s")
	v.SetDefault("session.close_buffer", "0s")
	v.SetDefault("session.state_file", defaultStateFile())

	v.SetDefault("risk.max_order_notional", "0")
	v.SetDefault("risk.max_position_qty", "0")
	v.SetDefault("risk.max_daily_loss", "0")

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.path", filepath.Join("data", "journal.db"))
	v.SetDefault("metrics.addr", "")

	v.SetDefault("endpoints.trading", "")
	v.SetDefault("endpoints.data", "")
	v.SetDefault("endpoints.stream", "")
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".pairs-bot", "session_state.json")
	}
	return filepath.Join(home, ".pairs-bot", "session_state.json")
}

// decimalHook decodes YAML numbers and strings into decimal.Decimal
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

func (c *Config) resolveEndpoints() {
	if c.Endpoints.Trading == "" {
		c.Endpoints.Trading = paperTradingURL
		if c.Account == AccountReal {
			c.Endpoints.Trading = liveTradingURL
		}
	}
	if c.Endpoints.Data == "" {
		c.Endpoints.Data = defaultDataURL
	}
	if c.Endpoints.Stream == "" {
		feed := c.MarketData.Feed
		if feed == "" {
			feed = "iex"
		}
		c.Endpoints.Stream = fmt.Sprintf(streamURLFormat, feed)
	}
}

func (c *Config) resolveCredentials() error {
	var keyVar, secretVar string
	switch c.Account {
	case AccountPaper:
		keyVar, secretVar = "PAPER_API_KEY", "PAPER_API_SECRET"
	case AccountReal:
		keyVar, secretVar = "REAL_API_KEY", "REAL_API_SECRET"
	default:
		return &models.FatalConfigError{Err: fmt.Errorf("account must be %s or %s, got %q", AccountPaper, AccountReal, c.Account)}
	}

	c.Credentials = Credentials{
		KeyID:     getEnv(keyVar, ""),
		SecretKey: getEnv(secretVar, ""),
	}
	if c.Credentials.KeyID == "" || c.Credentials.SecretKey == "" {
		return &models.FatalConfigError{Err: fmt.Errorf("missing API credentials for %s account", c.Account)}
	}
	return nil
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var err error

	if c.Account != AccountPaper && c.Account != AccountReal {
		err = multierr.Append(err, fmt.Errorf("account must be %s or %s", AccountPaper, AccountReal))
	}
	if len(c.Pairs) == 0 {
		err = multierr.Append(err, errors.New("at least one pair is required"))
	}

	seen := make(map[string]bool)
	for i, p := range c.PairDefinitions() {
		if p.SymbolA == "" || p.SymbolB == "" {
			err = multierr.Append(err, fmt.Errorf("pairs[%d]: both symbols are required", i))
			continue
		}
		if p.SymbolA == p.SymbolB {
			err = multierr.Append(err, fmt.Errorf("pairs[%d]: legs must differ, got %s twice", i, p.SymbolA))
		}
		if seen[p.ID()] {
			err = multierr.Append(err, fmt.Errorf("pairs[%d]: duplicate pair %s", i, p.ID()))
		}
		seen[p.ID()] = true
		if p.LookbackWindow < 2 {
			err = multierr.Append(err, fmt.Errorf("pair %s: lookback must be at least 2", p.ID()))
		}
		if p.ExitThreshold < 0 || p.EntryThreshold <= p.ExitThreshold {
			err = multierr.Append(err, fmt.Errorf("pair %s: need entry > exit >= 0, got entry=%v exit=%v", p.ID(), p.EntryThreshold, p.ExitThreshold))
		}
		if p.HedgeRatio <= 0 {
			err = multierr.Append(err, fmt.Errorf("pair %s: hedge_ratio must be positive", p.ID()))
		}
	}

	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			err = multierr.Append(err, errors.New("instrument with empty symbol"))
		}
		if inst.LotSize.IsNegative() || inst.TickSize.IsNegative() {
			err = multierr.Append(err, fmt.Errorf("instrument %s: tick and lot size must not be negative", inst.Symbol))
		}
	}

	switch c.MarketData.Source {
	case "bars", "trades", "poll":
	default:
		err = multierr.Append(err, fmt.Errorf("market_data.source must be bars, trades or poll, got %q", c.MarketData.Source))
	}

	durations := map[string]time.Duration{
		"poll_interval":              c.PollInterval,
		"http_timeout":               c.HTTPTimeout,
		"execution.retry_base":       c.Execution.RetryBase,
		"execution.retry_max":        c.Execution.RetryMax,
		"execution.submit_timeout":   c.Execution.SubmitTimeout,
		"session.reconcile_interval": c.Session.ReconcileInterval,
		"session.stale_after":        c.Session.StaleAfter,
		"session.closing_timeout":    c.Session.ClosingTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Session.CloseBuffer < 0 {
		err = multierr.Append(err, errors.New("session.close_buffer must not be negative"))
	}
	if c.Session.QueueSize < 1 {
		err = multierr.Append(err, errors.New("session.queue_size must be at least 1"))
	}
	if c.Execution.MaxAuthFailures < 1 {
		err = multierr.Append(err, errors.New("execution.max_auth_failures must be at least 1"))
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("execution.max_retries must not be negative"))
	}
	if c.Execution.Notional.IsNegative() || c.Execution.NotionalFraction.IsNegative() {
		err = multierr.Append(err, errors.New("execution notional settings must not be negative"))
	}
	if c.Execution.Notional.IsZero() && !c.Execution.NotionalFraction.IsPositive() {
		err = multierr.Append(err, errors.New("set execution.notional or a positive execution.notional_fraction"))
	}

	return err
}

// PairDefinitions applies per-pair defaults and returns the immutable definitions
func (c *Config) PairDefinitions() []models.PairDefinition {
	defs := make([]models.PairDefinition, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		def := models.PairDefinition{
			SymbolA:        strings.ToUpper(strings.TrimSpace(p.SymbolA)),
			SymbolB:        strings.ToUpper(strings.TrimSpace(p.SymbolB)),
			LookbackWindow: 20,
			EntryThreshold: 2.0,
			ExitThreshold:  0.5,
			HedgeRatio:     1.0,
		}
		if p.Lookback != nil {
			def.LookbackWindow = *p.Lookback
		}
		if p.Entry != nil {
			def.EntryThreshold = *p.Entry
		}
		if p.Exit != nil {
			def.ExitThreshold = *p.Exit
		}
		if p.HedgeRatio != nil {
			def.HedgeRatio = *p.HedgeRatio
		}
		defs = append(defs, def)
	}
	return defs
}

// InstrumentMap returns reference data for every traded symbol
func (c *Config) InstrumentMap() map[string]models.Instrument {
	out := make(map[string]models.Instrument)
	for _, p := range c.PairDefinitions() {
		for _, sym := range p.Legs() {
			out[sym] = models.DefaultInstrument(sym)
		}
	}
	for _, ic := range c.Instruments {
		sym := strings.ToUpper(ic.Symbol)
		inst := models.DefaultInstrument(sym)
		if ic.TickSize.IsPositive() {
			inst.TickSize = ic.TickSize
		}
		if ic.LotSize.IsPositive() {
			inst.LotSize = ic.LotSize
		}
		out[sym] = inst
	}
	return out
}

// Symbols returns the distinct traded symbols in pair order
func (c *Config) Symbols() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range c.PairDefinitions() {
		for _, sym := range p.Legs() {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

// IsPaperTrading returns true if using the paper account
func (c *Config) IsPaperTrading() bool {
	return c.Account != AccountReal
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
