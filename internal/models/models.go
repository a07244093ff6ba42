package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells
func (s OrderSide) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the side that offsets s
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the order type
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// TimeInForce represents order duration
type TimeInForce string

const (
	Day TimeInForce = "day"
	GTC TimeInForce = "gtc"
)

// Instrument is immutable reference data for a tradable symbol
type Instrument struct {
	Symbol   string          `json:"symbol"`
	TickSize decimal.Decimal `json:"tick_size"`
	LotSize  decimal.Decimal `json:"lot_size"`
}

// DefaultInstrument returns a US equity with a one cent tick and single share lots
func DefaultInstrument(symbol string) Instrument {
	return Instrument{
		Symbol:   symbol,
		TickSize: decimal.NewFromFloat(0.01),
		LotSize:  decimal.NewFromInt(1),
	}
}

// RoundPrice rounds p to the nearest tick
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsPositive() {
		return p.Div(i.TickSize).Round(0).Mul(i.TickSize)
	}
	return p
}

// FloorQty rounds q down to a whole number of lots
func (i Instrument) FloorQty(q decimal.Decimal) decimal.Decimal {
	if !i.LotSize.IsPositive() {
		return q.Floor()
	}
	return q.Div(i.LotSize).Floor().Mul(i.LotSize)
}

// MarketEvent is a normalized price observation for one instrument
type MarketEvent struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume,omitempty"` // zero when the source carries none
}

// PairDefinition configures one traded pair. Immutable during a session.
type PairDefinition struct {
	SymbolA        string  `json:"symbol_a"`
	SymbolB        string  `json:"symbol_b"`
	LookbackWindow int     `json:"lookback"`
	EntryThreshold float64 `json:"entry"`
	ExitThreshold  float64 `json:"exit"`
	HedgeRatio     float64 `json:"hedge_ratio"`
}

// ID returns the pair key, e.g. "KO/PEP"
func (p PairDefinition) ID() string {
	return p.SymbolA + "/" + p.SymbolB
}

// Legs returns both symbols, A first
func (p PairDefinition) Legs() []string {
	return []string{p.SymbolA, p.SymbolB}
}

// Direction is the action a strategy wants for a pair
type Direction string

const (
	EnterLong  Direction = "enter_long"
	EnterShort Direction = "enter_short"
	ExitToFlat Direction = "exit_to_flat"
	Hold       Direction = "hold"
)

// IsEntry reports whether d opens a position
func (d Direction) IsEntry() bool {
	return d == EnterLong || d == EnterShort
}

// TradeSignal is consumed exactly once by the execution manager
type TradeSignal struct {
	Pair           PairDefinition  `json:"pair"`
	Direction      Direction       `json:"direction"`
	TargetNotional decimal.Decimal `json:"target_notional"`
	ZScore         float64         `json:"z_score"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// Position is a signed holding in one instrument
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// IsFlat reports whether the position holds nothing
func (p Position) IsFlat() bool {
	return p.Qty.IsZero()
}

// PairPosition summarizes the spread position held across both legs
type PairPosition string

const (
	PairFlat  PairPosition = "flat"
	PairLong  PairPosition = "long"
	PairShort PairPosition = "short"
)

// PairPositionOf derives the spread position from leg holdings. Long the
// spread is long A and short B; a lone residual leg still counts as positioned.
func PairPositionOf(a, b Position) PairPosition {
	switch {
	case a.Qty.IsPositive():
		return PairLong
	case a.Qty.IsNegative():
		return PairShort
	case b.Qty.IsNegative():
		return PairLong
	case b.Qty.IsPositive():
		return PairShort
	}
	return PairFlat
}

// SessionPhase is the controller's lifecycle phase
type SessionPhase string

const (
	PreMarket SessionPhase = "pre_market"
	Trading   SessionPhase = "trading"
	Closing   SessionPhase = "closing"
	Stopped   SessionPhase = "stopped"
)

var phaseOrder = map[SessionPhase]int{
	PreMarket: 0,
	Trading:   1,
	Closing:   2,
	Stopped:   3,
}

// CanAdvance reports whether moving from p to next goes forward. Phases may be
// skipped (PreMarket straight to Stopped) but never revisited.
func (p SessionPhase) CanAdvance(next SessionPhase) bool {
	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	return ok && to > from
}

// TradingDay is the market calendar entry for one session date
type TradingDay struct {
	Date  string    `json:"date"` // YYYY-MM-DD in exchange time
	Open  time.Time `json:"open"`
	Close time.Time `json:"close"`
}

// IsOpenAt reports whether t falls inside regular hours
func (d TradingDay) IsOpenAt(t time.Time) bool {
	return !t.Before(d.Open) && t.Before(d.Close)
}

// SessionState is owned by the session controller for the duration of a run
type SessionState struct {
	Phase            SessionPhase `json:"phase"`
	LastReconciledAt time.Time    `json:"last_reconciled_at"`
	TradingDay       TradingDay   `json:"trading_day"`
	StartedAt        time.Time    `json:"started_at"`
	Account          string       `json:"account"`
	PID              int          `json:"pid"`
	ActivePairs      []string     `json:"active_pairs"`
	DeactivatedPairs []string     `json:"deactivated_pairs,omitempty"`
}

func (s SessionState) String() string {
	return fmt.Sprintf("phase=%s reconciled=%s", s.Phase, s.LastReconciledAt.Format(time.RFC3339))
}
