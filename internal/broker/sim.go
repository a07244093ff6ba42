package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Compile-time interface check.
var _ Client = (*Sim)(nil)

// ErrNoTradingDay is returned by MarketCalendar when the market is closed
var ErrNoTradingDay = errors.New("no trading session on this date")

type simOrder struct {
	intent    models.OrderIntent
	brokerID  string
	state     models.OrderState
	filledQty decimal.Decimal
}

// Sim is an in-memory broker. Orders are acknowledged synchronously and filled
// either automatically (AutoFill) or explicitly through Fill.
type Sim struct {
	mu sync.Mutex

	positions map[string]models.Position
	orders    map[string]*simOrder // by broker id
	byClient  map[string]string    // client id -> broker id
	prices    map[string]decimal.Decimal

	ticks   chan Tick
	updates chan models.OrderUpdate

	calendar    *models.TradingDay
	account     Account
	connectErr  error
	snapshotErr error
	submitErrs  []error
	symbolErrs  map[string][]error
	lostAcks    map[string][]error
	lookupErrs  []error
	lookups     int
	rejects     map[string]string

	submitted []models.OrderIntent
	canceled  []string
	nextID    int

	AutoFill bool
	Now      func() time.Time
}

// NewSim creates an empty simulated broker
func NewSim() *Sim {
	return &Sim{
		positions:  make(map[string]models.Position),
		orders:     make(map[string]*simOrder),
		byClient:   make(map[string]string),
		prices:     make(map[string]decimal.Decimal),
		ticks:      make(chan Tick, 1024),
		updates:    make(chan models.OrderUpdate, 1024),
		rejects:    make(map[string]string),
		lostAcks:   make(map[string][]error),
		symbolErrs: make(map[string][]error),
		account: Account{
			Status:      "ACTIVE",
			BuyingPower: decimal.NewFromInt(100000),
			Equity:      decimal.NewFromInt(100000),
			LastEquity:  decimal.NewFromInt(100000),
		},
		Now: time.Now,
	}
}

// Connect implements Client
func (s *Sim) Connect(_ context.Context, _ Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

// SubscribeMarketData implements Client; ticks come from Publish
func (s *Sim) SubscribeMarketData(_ context.Context, _ []string) (<-chan Tick, error) {
	return s.ticks, nil
}

// StreamOrderUpdates implements Client
func (s *Sim) StreamOrderUpdates(_ context.Context) (<-chan models.OrderUpdate, error) {
	return s.updates, nil
}

// Publish injects a raw tick and remembers its price for AutoFill
func (s *Sim) Publish(t Tick) {
	s.mu.Lock()
	price := t.Price
	if t.Kind == TickQuote {
		price = t.BidPrice.Add(t.AskPrice).Div(decimal.NewFromInt(2))
	}
	s.prices[t.Symbol] = price
	s.mu.Unlock()
	s.ticks <- t
}

// SubmitOrder implements Client
func (s *Sim) SubmitOrder(_ context.Context, intent models.OrderIntent) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitted = append(s.submitted, intent)

	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return Ack{}, err
		}
	}
	if errs := s.symbolErrs[intent.Symbol]; len(errs) > 0 {
		s.symbolErrs[intent.Symbol] = errs[1:]
		if errs[0] != nil {
			return Ack{}, errs[0]
		}
	}
	if reason, ok := s.rejects[intent.Symbol]; ok {
		return Ack{}, &models.RejectedOrderError{Symbol: intent.Symbol, ClientOrderID: intent.ClientOrderID, Reason: reason}
	}
	if _, dup := s.byClient[intent.ClientOrderID]; dup {
		return Ack{}, fmt.Errorf("client_order_id must be unique: %w", models.ErrDuplicateClientOrderID)
	}

	s.nextID++
	id := fmt.Sprintf("sim-%d", s.nextID)
	o := &simOrder{intent: intent, brokerID: id, state: models.OrderAcknowledged}
	s.orders[id] = o
	s.byClient[intent.ClientOrderID] = id

	ack := Ack{BrokerOrderID: id, ClientOrderID: intent.ClientOrderID, Status: models.OrderAcknowledged, At: s.Now()}

	if s.AutoFill {
		price, ok := s.prices[intent.Symbol]
		if !ok {
			price = decimal.NewFromInt(100)
		}
		s.fillLocked(o, intent.Qty, price)
	}
	if err, ok := s.popLostAckLocked(intent.Symbol); ok {
		return Ack{}, err
	}
	return ack, nil
}

func (s *Sim) popLostAckLocked(symbol string) (error, bool) {
	errs := s.lostAcks[symbol]
	if len(errs) == 0 {
		return nil, false
	}
	s.lostAcks[symbol] = errs[1:]
	return errs[0], true
}

// OrderByClientID implements Client
func (s *Sim) OrderByClientID(_ context.Context, clientOrderID string) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lookups++
	if len(s.lookupErrs) > 0 {
		err := s.lookupErrs[0]
		s.lookupErrs = s.lookupErrs[1:]
		if err != nil {
			return Ack{}, err
		}
	}
	id, ok := s.byClient[clientOrderID]
	if !ok {
		return Ack{}, fmt.Errorf("client order id %s: %w", clientOrderID, models.ErrOrderNotFound)
	}
	return Ack{BrokerOrderID: id, ClientOrderID: clientOrderID, Status: s.orders[id].state, At: s.Now()}, nil
}

// Fill executes qty of the order with the given client id at price
func (s *Sim) Fill(clientOrderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byClient[clientOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	o := s.orders[id]
	if !o.state.Open() {
		return fmt.Errorf("order %s is %s", clientOrderID, o.state)
	}
	s.fillLocked(o, qty, price)
	return nil
}

func (s *Sim) fillLocked(o *simOrder, qty, price decimal.Decimal) {
	remaining := o.intent.Qty.Sub(o.filledQty)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	o.filledQty = o.filledQty.Add(qty)
	o.state = models.OrderPartiallyFilled
	if o.filledQty.Equal(o.intent.Qty) {
		o.state = models.OrderFilled
	}

	pos := s.positions[o.intent.Symbol]
	pos.Symbol = o.intent.Symbol
	next := pos.Qty.Add(qty.Mul(o.intent.Side.Sign()))
	switch {
	case next.IsZero():
		pos.AvgEntryPrice = decimal.Zero
	case pos.Qty.IsZero() || pos.Qty.Sign() != next.Sign():
		pos.AvgEntryPrice = price
	}
	pos.Qty = next
	s.positions[o.intent.Symbol] = pos

	s.updates <- models.OrderUpdate{
		ClientOrderID: o.intent.ClientOrderID,
		BrokerOrderID: o.brokerID,
		Symbol:        o.intent.Symbol,
		Status:        o.state,
		FilledQty:     o.filledQty,
		FillPrice:     price,
		At:            s.Now(),
	}
}

// CancelOrder implements Client
func (s *Sim) CancelOrder(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return &models.RejectedOrderError{ClientOrderID: brokerOrderID, Reason: "order not found"}
	}
	if !o.state.Open() {
		return &models.RejectedOrderError{Symbol: o.intent.Symbol, ClientOrderID: o.intent.ClientOrderID, Reason: "order is not cancelable"}
	}
	o.state = models.OrderCanceled
	s.canceled = append(s.canceled, brokerOrderID)
	s.updates <- models.OrderUpdate{
		ClientOrderID: o.intent.ClientOrderID,
		BrokerOrderID: o.brokerID,
		Symbol:        o.intent.Symbol,
		Status:        models.OrderCanceled,
		FilledQty:     o.filledQty,
		At:            s.Now(),
	}
	return nil
}

// SnapshotPositions implements Client
func (s *Sim) SnapshotPositions(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshotErr != nil {
		return Snapshot{}, s.snapshotErr
	}

	snap := Snapshot{At: s.Now()}
	for _, p := range s.positions {
		if !p.Qty.IsZero() {
			snap.Positions = append(snap.Positions, p)
		}
	}
	for _, o := range s.orders {
		if o.state.Open() {
			snap.OpenOrders = append(snap.OpenOrders, OpenOrder{
				BrokerOrderID: o.brokerID,
				ClientOrderID: o.intent.ClientOrderID,
				Symbol:        o.intent.Symbol,
				Side:          o.intent.Side,
				Qty:           o.intent.Qty,
				FilledQty:     o.filledQty,
			})
		}
	}
	return snap, nil
}

// MarketCalendar implements Client
func (s *Sim) MarketCalendar(_ context.Context, _ time.Time) (models.TradingDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calendar == nil {
		return models.TradingDay{}, ErrNoTradingDay
	}
	return *s.calendar, nil
}

// Account implements Client
func (s *Sim) Account(_ context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, nil
}

// SetCalendar sets the trading day returned by MarketCalendar
func (s *Sim) SetCalendar(day models.TradingDay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendar = &day
}

// SetAccount replaces the account balances
func (s *Sim) SetAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = a
}

// SetPosition overwrites the broker-side position for symbol
func (s *Sim) SetPosition(symbol string, qty, avg decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = models.Position{Symbol: symbol, Qty: qty, AvgEntryPrice: avg}
}

// SetPrice sets the AutoFill price for symbol without publishing a tick
func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// FailConnect makes Connect return err
func (s *Sim) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// FailSnapshot makes SnapshotPositions return err
func (s *Sim) FailSnapshot(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotErr = err
}

// FailNextSubmits queues errors returned by the next SubmitOrder calls; a nil
// entry lets that call succeed.
func (s *Sim) FailNextSubmits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// FailSubmits queues errors for the next orders in symbol; a nil entry lets
// that order through.
func (s *Sim) FailSubmits(symbol string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolErrs[symbol] = append(s.symbolErrs[symbol], errs...)
}

// LoseAcks makes the next orders for symbol reach the book while the caller
// sees errs instead of an acknowledgment, as when a response is lost.
func (s *Sim) LoseAcks(symbol string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostAcks[symbol] = append(s.lostAcks[symbol], errs...)
}

// FailNextLookups queues errors for the next OrderByClientID calls
func (s *Sim) FailNextLookups(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupErrs = append(s.lookupErrs, errs...)
}

// Lookups returns how many OrderByClientID calls were made
func (s *Sim) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// Reject makes every order for symbol fail with reason
func (s *Sim) Reject(symbol, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[symbol] = reason
}

// Submitted returns every intent passed to SubmitOrder, including failures
func (s *Sim) Submitted() []models.OrderIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderIntent, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Canceled returns broker ids canceled so far
func (s *Sim) Canceled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.canceled))
	copy(out, s.canceled)
	return out
}

// OpenOrderCount returns the number of working orders
func (s *Sim) OpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.state.Open() {
			n++
		}
	}
	return n
}

// BrokerID returns the broker id assigned to clientOrderID
func (s *Sim) BrokerID(clientOrderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientOrderID]
	return id, ok
}
