package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Leg is one side of a sized pair order
type Leg struct {
	Symbol string
	Side   models.OrderSide
	Qty    decimal.Decimal
}

// EntrySides returns the order sides for legs A and B. Long the spread buys A
// and sells B.
func EntrySides(d models.Direction) (models.OrderSide, models.OrderSide, error) {
	switch d {
	case models.EnterLong:
		return models.Buy, models.Sell, nil
	case models.EnterShort:
		return models.Sell, models.Buy, nil
	}
	return "", "", fmt.Errorf("%s is not an entry", d)
}

// LegQuantity converts a notional into a lot-rounded quantity, never below
// one lot.
func LegQuantity(notional, price decimal.Decimal, inst models.Instrument) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable price for %s", inst.Symbol)
	}
	qty := inst.FloorQty(notional.Div(price))
	if qty.LessThan(inst.LotSize) {
		qty = inst.LotSize
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: notional %s rounds to zero quantity", inst.Symbol, notional)
	}
	return qty, nil
}

// SizeEntry sizes both legs: leg A trades notional, leg B trades
// hedgeRatio * notional.
func SizeEntry(d models.Direction, pair models.PairDefinition, notional, priceA, priceB decimal.Decimal, instA, instB models.Instrument) ([]Leg, error) {
	sideA, sideB, err := EntrySides(d)
	if err != nil {
		return nil, err
	}
	if !notional.IsPositive() {
		return nil, fmt.Errorf("pair %s: non-positive notional %s", pair.ID(), notional)
	}

	qtyA, err := LegQuantity(notional, priceA, instA)
	if err != nil {
		return nil, err
	}
	qtyB, err := LegQuantity(notional.Mul(decimal.NewFromFloat(pair.HedgeRatio)), priceB, instB)
	if err != nil {
		return nil, err
	}

	return []Leg{
		{Symbol: pair.SymbolA, Side: sideA, Qty: qtyA},
		{Symbol: pair.SymbolB, Side: sideB, Qty: qtyB},
	}, nil
}

// SizeExit closes every non-flat leg with an offsetting order
func SizeExit(positions ...models.Position) []Leg {
	var legs []Leg
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		side := models.Sell
		if p.Qty.IsNegative() {
			side = models.Buy
		}
		legs = append(legs, Leg{Symbol: p.Symbol, Side: side, Qty: p.Qty.Abs()})
	}
	return legs
}
