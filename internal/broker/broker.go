// Package broker defines the brokerage capability the engine consumes.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Credentials authenticate a broker session
type Credentials struct {
	KeyID     string
	SecretKey string
}

// TickKind identifies the raw market data message type
type TickKind string

const (
	TickTrade TickKind = "trade"
	TickQuote TickKind = "quote"
	TickBar   TickKind = "bar"
)

// Tick is a raw market data message before normalization
type Tick struct {
	Kind      TickKind
	Symbol    string
	Price     decimal.Decimal // trade price or bar close
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Size      int64
	Timestamp time.Time
}

// Ack is the broker's synchronous acknowledgment of a submitted order
type Ack struct {
	BrokerOrderID string
	ClientOrderID string
	Status        models.OrderState
	At            time.Time
}

// OpenOrder is an order the broker still considers working
type OpenOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
}

// Snapshot is the broker's authoritative view used for reconciliation
type Snapshot struct {
	Positions  []models.Position
	OpenOrders []OpenOrder
	At         time.Time
}

// Account carries the balances used for sizing and risk checks
type Account struct {
	AccountNumber  string
	Status         string
	BuyingPower    decimal.Decimal
	Cash           decimal.Decimal
	Equity         decimal.Decimal
	LastEquity     decimal.Decimal
	TradingBlocked bool
}

// DailyProfit is equity relative to the previous close
func (a Account) DailyProfit() decimal.Decimal {
	return a.Equity.Sub(a.LastEquity)
}

// Client is the brokerage capability. Implementations classify failures as
// models.TransientBrokerError, models.RejectedOrderError or models.AuthError.
type Client interface {
	Connect(ctx context.Context, creds Credentials) error
	SubscribeMarketData(ctx context.Context, symbols []string) (<-chan Tick, error)
	SubmitOrder(ctx context.Context, intent models.OrderIntent) (Ack, error)
	// OrderByClientID looks up an order we submitted. Submitting an id the
	// broker already holds fails with models.ErrDuplicateClientOrderID.
	OrderByClientID(ctx context.Context, clientOrderID string) (Ack, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	StreamOrderUpdates(ctx context.Context) (<-chan models.OrderUpdate, error)
	SnapshotPositions(ctx context.Context) (Snapshot, error)
	MarketCalendar(ctx context.Context, day time.Time) (models.TradingDay, error)
	Account(ctx context.Context) (Account, error)
}
