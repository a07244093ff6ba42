package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is a step in the local order lifecycle
type OrderState string

const (
	OrderCreated         OrderState = "created"
	OrderSubmitted       OrderState = "submitted"
	OrderAcknowledged    OrderState = "acknowledged"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCanceled        OrderState = "canceled"
	OrderExpired         OrderState = "expired"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitted},
	OrderSubmitted:       {OrderAcknowledged, OrderRejected, OrderExpired, OrderCanceled},
	OrderAcknowledged:    {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderExpired, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderExpired},
}

// Terminal reports whether no further transitions are possible
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderExpired:
		return true
	}
	return false
}

// Open reports whether the broker may still fill the order
func (s OrderState) Open() bool {
	return s == OrderSubmitted || s == OrderAcknowledged || s == OrderPartiallyFilled
}

// CanTransition reports whether s -> next is a legal lifecycle edge
func (s OrderState) CanTransition(next OrderState) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderIntent is a single-leg order the execution manager wants placed
type OrderIntent struct {
	ClientOrderID string          `json:"client_order_id"`
	PairID        string          `json:"pair_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Direction     Direction       `json:"direction"`
}

// OrderRecord tracks an intent through the lifecycle
type OrderRecord struct {
	OrderIntent
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewOrderRecord wraps an intent in the Created state
func NewOrderRecord(intent OrderIntent, at time.Time) *OrderRecord {
	return &OrderRecord{
		OrderIntent: intent,
		State:       OrderCreated,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// Transition moves the record to next, rejecting illegal edges
func (r *OrderRecord) Transition(next OrderState, at time.Time) error {
	if !r.State.CanTransition(next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", r.ClientOrderID, r.State, next)
	}
	if next == OrderSubmitted {
		r.SubmittedAt = at
	}
	r.State = next
	r.UpdatedAt = at
	return nil
}

// SignedFill returns qty signed by the order side
func (r *OrderRecord) SignedFill(qty decimal.Decimal) decimal.Decimal {
	return qty.Mul(r.Side.Sign())
}

// OrderUpdate is a broker-originated lifecycle event. FilledQty is cumulative
// for the order; FillPrice is the price of the most recent fill.
type OrderUpdate struct {
	ClientOrderID string          `json:"client_order_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Status        OrderState      `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	Reason        string          `json:"reason,omitempty"`
	At            time.Time       `json:"at"`
}

// Fill is one confirmed execution applied to the ledger
type Fill struct {
	ClientOrderID string          `json:"client_order_id"`
	PairID        string          `json:"pair_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	At            time.Time       `json:"at"`
}

// Signed returns the fill quantity signed by side
func (f Fill) Signed() decimal.Decimal {
	return f.Qty.Mul(f.Side.Sign())
}
