package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/ledger"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

var (
	// ErrInFlight is returned by Execute while a pair still has open orders
	ErrInFlight = errors.New("order in flight")
	// ErrPairInactive is returned by Execute for a deactivated pair
	ErrPairInactive = errors.New("pair deactivated")
)

// PriceSource supplies the latest price per symbol
type PriceSource interface {
	GetPrice(symbol string) (models.MarketEvent, bool)
}

// RiskChecker vets each intent before submission
type RiskChecker interface {
	Check(intent models.OrderIntent, price decimal.Decimal, account broker.Account) error
}

// Options configures a Manager
type Options struct {
	NotionalFraction decimal.Decimal // share of buying power per leg when a signal carries no notional
	SubmitTimeout    time.Duration
	Retry            RetryPolicy
	MaxAuthFailures  int // consecutive credential refusals before they are fatal
	Instruments      map[string]models.Instrument
	Risk             RiskChecker
	Sink             logging.Sink
	Now              func() time.Time
	NewID            func() string
}

type order struct {
	rec     *models.OrderRecord
	retry   RetryState
	sending bool
}

type flight struct {
	direction models.Direction
	target    models.PairPosition
	orders    []*order
}

// Manager turns trade signals into leg orders and drives each order through
// its lifecycle from broker updates.
type Manager struct {
	mu sync.Mutex

	client broker.Client
	ledger *ledger.Ledger
	prices PriceSource
	opts   Options

	orders      map[string]*order  // open, by client order id
	flights     map[string]*flight // by pair id
	deactivated map[string]string

	authFailures int

	logger *zap.Logger
}

// NewManager creates an execution manager
func NewManager(client broker.Client, l *ledger.Ledger, prices PriceSource, opts Options, logger *zap.Logger) *Manager {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.MaxAuthFailures <= 0 {
		opts.MaxAuthFailures = 3
	}
	if opts.NotionalFraction.IsZero() {
		opts.NotionalFraction = decimal.NewFromFloat(0.1)
	}
	if opts.Sink == nil {
		opts.Sink = logging.Nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{
		client:      client,
		ledger:      l,
		prices:      prices,
		opts:        opts,
		orders:      make(map[string]*order),
		flights:     make(map[string]*flight),
		deactivated: make(map[string]string),
		logger:      logger.With(zap.String("component", "order_execution")),
	}
}

// Execute sizes and submits the legs for signal. Both legs are sent
// concurrently; each then follows its own lifecycle.
func (m *Manager) Execute(ctx context.Context, signal models.TradeSignal) ([]models.OrderIntent, error) {
	if signal.Direction == models.Hold {
		return nil, nil
	}
	pairID := signal.Pair.ID()

	if err := m.available(pairID); err != nil {
		return nil, err
	}

	legs, prices, account, target, err := m.plan(ctx, signal)
	if err != nil {
		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			m.mu.Lock()
			fatal := m.authFailedLocked(err)
			m.mu.Unlock()
			if fatal == nil {
				return nil, fmt.Errorf("pair %s: %v", pairID, err)
			}
		}
		return nil, fmt.Errorf("pair %s: %w", pairID, err)
	}
	if len(legs) == 0 {
		m.logger.Debug("nothing to do for signal", zap.String("pair", pairID), zap.String("direction", string(signal.Direction)))
		return nil, nil
	}

	intents := make([]models.OrderIntent, 0, len(legs))
	for _, leg := range legs {
		intents = append(intents, models.OrderIntent{
			ClientOrderID: m.opts.NewID(),
			PairID:        pairID,
			Symbol:        leg.Symbol,
			Side:          leg.Side,
			Qty:           leg.Qty,
			Type:          models.Market,
			TimeInForce:   models.Day,
			Direction:     signal.Direction,
		})
	}

	if m.opts.Risk != nil {
		for _, intent := range intents {
			if err := m.opts.Risk.Check(intent, prices[intent.Symbol], account); err != nil {
				m.logger.Warn("signal rejected by risk checks",
					zap.String("pair", pairID),
					zap.String("symbol", intent.Symbol),
					zap.Error(err))
				return nil, err
			}
		}
	}

	now := m.opts.Now()
	f := &flight{direction: signal.Direction, target: target}

	m.mu.Lock()
	if _, busy := m.flights[pairID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInFlight, pairID)
	}
	for _, intent := range intents {
		o := &order{rec: models.NewOrderRecord(intent, now)}
		m.orders[intent.ClientOrderID] = o
		f.orders = append(f.orders, o)
		m.ledger.TrackOrder(*o.rec)
	}
	m.flights[pairID] = f
	for _, o := range f.orders {
		if err := m.transitionLocked(ctx, o, models.OrderSubmitted, "", now); err != nil {
			m.logger.Error("failed to mark order submitted", zap.Error(err))
		}
	}
	m.mu.Unlock()

	m.logger.Info("submitting pair orders",
		zap.String("pair", pairID),
		zap.String("direction", string(signal.Direction)),
		zap.Int("legs", len(intents)))

	var g errgroup.Group
	for _, o := range f.orders {
		o := o
		g.Go(func() error { return m.send(ctx, o) })
	}
	return intents, g.Wait()
}

func (m *Manager) available(pairID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason, ok := m.deactivated[pairID]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrPairInactive, pairID, reason)
	}
	if _, busy := m.flights[pairID]; busy {
		return fmt.Errorf("%w: %s", ErrInFlight, pairID)
	}
	return nil
}

// plan sizes the legs for a signal and returns the prices and account the
// risk checks need.
func (m *Manager) plan(ctx context.Context, signal models.TradeSignal) ([]Leg, map[string]decimal.Decimal, broker.Account, models.PairPosition, error) {
	pair := signal.Pair
	prices := make(map[string]decimal.Decimal, 2)
	for _, sym := range pair.Legs() {
		if ev, ok := m.prices.GetPrice(sym); ok {
			prices[sym] = ev.Price
		}
	}

	var account broker.Account
	needAccount := m.opts.Risk != nil || (signal.Direction.IsEntry() && !signal.TargetNotional.IsPositive())
	if needAccount {
		var err error
		if account, err = m.client.Account(ctx); err != nil {
			return nil, nil, account, "", fmt.Errorf("fetch account: %w", err)
		}
	}

	if signal.Direction == models.ExitToFlat {
		legs := SizeExit(m.ledger.CurrentPosition(pair.SymbolA), m.ledger.CurrentPosition(pair.SymbolB))
		return legs, prices, account, models.PairFlat, nil
	}

	for _, sym := range pair.Legs() {
		if _, ok := prices[sym]; !ok {
			return nil, nil, account, "", fmt.Errorf("no fresh price for %s", sym)
		}
	}

	notional := signal.TargetNotional
	if !notional.IsPositive() {
		notional = account.BuyingPower.Mul(m.opts.NotionalFraction)
	}

	legs, err := SizeEntry(signal.Direction, pair, notional,
		prices[pair.SymbolA], prices[pair.SymbolB],
		m.instrument(pair.SymbolA), m.instrument(pair.SymbolB))
	if err != nil {
		return nil, nil, account, "", err
	}

	target := models.PairShort
	if signal.Direction == models.EnterLong {
		target = models.PairLong
	}
	return legs, prices, account, target, nil
}

func (m *Manager) instrument(symbol string) models.Instrument {
	if inst, ok := m.opts.Instruments[symbol]; ok {
		return inst
	}
	return models.DefaultInstrument(symbol)
}

// send performs one submission for o and applies the outcome. Only repeated
// authentication failures are returned.
func (m *Manager) send(ctx context.Context, o *order) error {
	m.mu.Lock()
	if o.sending {
		m.mu.Unlock()
		return nil
	}
	o.sending = true
	intent := o.rec.OrderIntent
	retried := o.retry.Attempts > 0
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	ack, adopted, err := m.submit(sctx, intent, retried)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	o.sending = false

	if _, open := m.orders[intent.ClientOrderID]; !open {
		return nil
	}
	now := m.opts.Now()

	var authErr *models.AuthError
	switch {
	case err == nil:
		m.authFailures = 0
		o.retry.Pending = false
		if adopted {
			m.logger.Warn("adopted order placed by an earlier attempt",
				zap.String("client_order_id", intent.ClientOrderID),
				zap.String("broker_order_id", ack.BrokerOrderID),
				zap.String("broker_status", string(ack.Status)))
		}
		if ack.BrokerOrderID != "" {
			o.rec.BrokerOrderID = ack.BrokerOrderID
		}
		if o.rec.State == models.OrderSubmitted && ack.Status != models.OrderSubmitted {
			m.mustTransitionLocked(ctx, o, models.OrderAcknowledged, "", now)
		} else {
			m.ledger.TrackOrder(*o.rec)
		}
		return nil

	case models.IsRejected(err):
		m.authFailures = 0
		m.mustTransitionLocked(ctx, o, models.OrderRejected, reasonOf(err), now)
		return nil

	case errors.As(err, &authErr):
		m.mustTransitionLocked(ctx, o, models.OrderRejected, err.Error(), now)
		return m.authFailedLocked(err)
	}

	// Anything else, including our own submit deadline, is retried
	next, ok := m.opts.Retry.Schedule(o.retry, now, err)
	if !ok {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", o.retry.Attempts, err)
		m.mustTransitionLocked(ctx, o, models.OrderRejected, reason, now)
		m.deactivateLocked(intent.PairID, reason)
		return nil
	}
	o.retry = next
	m.opts.Sink.Emit(zapcore.WarnLevel, logging.NewEvent(logging.EventRetryScheduled,
		zap.String("client_order_id", intent.ClientOrderID),
		zap.String("pair", intent.PairID),
		zap.String("symbol", intent.Symbol),
		zap.Int("attempt", next.Attempts),
		zap.Time("next_at", next.NextAt),
		zap.Error(err),
	))
	return nil
}

// submit places intent. After a failed attempt the broker may already hold
// the order, so a retry looks it up by client id first and a duplicate-id
// refusal adopts the existing order. adopted reports that no new order was
// placed.
func (m *Manager) submit(ctx context.Context, intent models.OrderIntent, retried bool) (ack broker.Ack, adopted bool, err error) {
	if retried {
		ack, err = m.client.OrderByClientID(ctx, intent.ClientOrderID)
		if err == nil {
			return ack, true, nil
		}
		if !errors.Is(err, models.ErrOrderNotFound) {
			return broker.Ack{}, false, err
		}
	}

	ack, err = m.client.SubmitOrder(ctx, intent)
	if errors.Is(err, models.ErrDuplicateClientOrderID) {
		ack, err = m.client.OrderByClientID(ctx, intent.ClientOrderID)
		return ack, err == nil, err
	}
	return ack, false, err
}

// authFailedLocked counts a credential refusal. It returns err once
// MaxAuthFailures have happened in a row; until then the refusal only rejects
// the order at hand.
func (m *Manager) authFailedLocked(err error) error {
	m.authFailures++
	if m.authFailures >= m.opts.MaxAuthFailures {
		return err
	}
	m.logger.Warn("broker refused credentials",
		zap.Int("consecutive", m.authFailures),
		zap.Int("limit", m.opts.MaxAuthFailures),
		zap.Error(err))
	return nil
}

func reasonOf(err error) string {
	var rej *models.RejectedOrderError
	if errors.As(err, &rej) && rej.Reason != "" {
		return rej.Reason
	}
	return err.Error()
}

// ProcessRetries resubmits orders whose backoff has elapsed, reusing their
// client order ids so the broker can deduplicate.
func (m *Manager) ProcessRetries(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	var due []*order
	for _, o := range m.orders {
		if o.retry.Due(now) && !o.sending {
			o.retry.Pending = false
			o.rec.SubmittedAt = now
			due = append(due, o)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, o := range due {
		o := o
		m.logger.Info("retrying order submission",
			zap.String("client_order_id", o.rec.ClientOrderID),
			zap.Int("attempt", o.retry.Attempts))
		g.Go(func() error { return m.send(ctx, o) })
	}
	return g.Wait()
}

// CheckTimeouts expires orders the broker never acknowledged and asks the
// broker to cancel them.
func (m *Manager) CheckTimeouts(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var cancels []string
	for _, o := range m.sortedOrdersLocked() {
		if o.rec.State != models.OrderSubmitted || o.retry.Pending || o.sending {
			continue
		}
		if now.Sub(o.rec.SubmittedAt) < m.opts.SubmitTimeout {
			continue
		}
		if o.rec.BrokerOrderID != "" {
			cancels = append(cancels, o.rec.BrokerOrderID)
		}
		m.mustTransitionLocked(ctx, o, models.OrderExpired, "not acknowledged within submit timeout", now)
	}
	m.mu.Unlock()

	for _, id := range cancels {
		cctx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
		if err := m.client.CancelOrder(cctx, id); err != nil {
			m.logger.Debug("cancel after timeout failed", zap.String("broker_order_id", id), zap.Error(err))
		}
		cancel()
	}
}

// CancelAll cancels every open order. Orders still waiting for a retry are
// canceled locally.
func (m *Manager) CancelAll(ctx context.Context) error {
	m.mu.Lock()
	var targets []*order
	now := m.opts.Now()
	for _, o := range m.sortedOrdersLocked() {
		if o.rec.BrokerOrderID == "" && !o.sending {
			if o.rec.State.CanTransition(models.OrderCanceled) {
				m.mustTransitionLocked(ctx, o, models.OrderCanceled, "canceled before reaching broker", now)
			}
			continue
		}
		targets = append(targets, o)
	}
	m.mu.Unlock()

	var errs error
	for _, o := range targets {
		id, brokerID := o.rec.ClientOrderID, o.rec.BrokerOrderID
		if brokerID == "" {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: submission still in progress", id))
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
		err := m.client.CancelOrder(cctx, brokerID)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", id, err))
			continue
		}

		m.mu.Lock()
		if _, open := m.orders[id]; open && o.rec.State.CanTransition(models.OrderCanceled) {
			m.mustTransitionLocked(ctx, o, models.OrderCanceled, "canceled by request", m.opts.Now())
		}
		m.mu.Unlock()
	}
	return errs
}

// OnBrokerEvent applies a broker order update. Updates are idempotent:
// FilledQty is cumulative, so a repeated update applies no new fill.
func (m *Manager) OnBrokerEvent(ctx context.Context, u models.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := u.At
	if at.IsZero() {
		at = m.opts.Now()
	}

	o, ok := m.orders[u.ClientOrderID]
	if !ok {
		m.lateUpdateLocked(ctx, u, at)
		return
	}

	if u.BrokerOrderID != "" && o.rec.BrokerOrderID == "" {
		o.rec.BrokerOrderID = u.BrokerOrderID
	}
	o.retry.Pending = false

	filled := u.FilledQty.GreaterThan(o.rec.FilledQty)
	fillStatus := u.Status == models.OrderPartiallyFilled || u.Status == models.OrderFilled

	// A fill may overtake the acknowledgment
	if (filled || fillStatus) && o.rec.State == models.OrderSubmitted {
		m.mustTransitionLocked(ctx, o, models.OrderAcknowledged, "", at)
	}
	if filled {
		m.applyFillLocked(ctx, o, u, at)
	}

	next := u.Status
	if next == models.OrderPartiallyFilled && o.rec.State == models.OrderPartiallyFilled && !filled {
		return
	}
	if next == o.rec.State && next != models.OrderPartiallyFilled {
		return
	}
	if next == models.OrderSubmitted || (next == models.OrderAcknowledged && o.rec.State != models.OrderSubmitted) {
		return
	}

	if err := m.transitionLocked(ctx, o, next, u.Reason, at); err != nil {
		m.logger.Warn("ignoring out-of-order update",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("state", string(o.rec.State)),
			zap.String("update", string(u.Status)),
			zap.Error(err))
	}
}

func (m *Manager) lateUpdateLocked(ctx context.Context, u models.OrderUpdate, at time.Time) {
	rec, ok := m.ledger.Archived(u.ClientOrderID)
	if !ok {
		m.logger.Warn("update for unknown order",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("symbol", u.Symbol),
			zap.String("status", string(u.Status)))
		return
	}
	if !u.FilledQty.GreaterThan(rec.FilledQty) {
		return
	}

	m.logger.Warn("late fill on closed order",
		zap.String("client_order_id", rec.ClientOrderID),
		zap.String("state", string(rec.State)),
		zap.String("filled_qty", u.FilledQty.String()))

	o := &order{rec: &rec}
	m.applyFillLocked(ctx, o, u, at)
	m.ledger.Archive(context.WithoutCancel(ctx), rec)
}

func (m *Manager) applyFillLocked(ctx context.Context, o *order, u models.OrderUpdate, at time.Time) {
	delta := u.FilledQty.Sub(o.rec.FilledQty)
	price := u.FillPrice
	if !price.IsPositive() {
		price = o.rec.AvgFillPrice
	}
	if !price.IsPositive() {
		if ev, ok := m.prices.GetPrice(o.rec.Symbol); ok {
			price = ev.Price
		}
		m.logger.Warn("fill without price, using last market price",
			zap.String("client_order_id", o.rec.ClientOrderID),
			zap.String("symbol", o.rec.Symbol),
			zap.String("price", price.String()))
	}

	cost := o.rec.AvgFillPrice.Mul(o.rec.FilledQty).Add(price.Mul(delta))
	o.rec.FilledQty = u.FilledQty
	o.rec.AvgFillPrice = cost.Div(u.FilledQty)
	o.rec.UpdatedAt = at

	m.ledger.ApplyFill(context.WithoutCancel(ctx), models.Fill{
		ClientOrderID: o.rec.ClientOrderID,
		PairID:        o.rec.PairID,
		Symbol:        o.rec.Symbol,
		Side:          o.rec.Side,
		Qty:           delta,
		Price:         price,
		At:            at,
	})
}

func (m *Manager) mustTransitionLocked(ctx context.Context, o *order, next models.OrderState, reason string, at time.Time) {
	if err := m.transitionLocked(ctx, o, next, reason, at); err != nil {
		m.logger.Error("unexpected order transition", zap.Error(err))
	}
}

// transitionLocked moves o to next, emits the transition event and archives
// terminal orders.
func (m *Manager) transitionLocked(ctx context.Context, o *order, next models.OrderState, reason string, at time.Time) error {
	from := o.rec.State
	if err := o.rec.Transition(next, at); err != nil {
		return err
	}
	if reason != "" {
		o.rec.Reason = reason
	}

	level := zapcore.InfoLevel
	if next == models.OrderRejected || next == models.OrderExpired {
		level = zapcore.WarnLevel
	}
	m.opts.Sink.Emit(level, logging.NewEvent(logging.EventOrderTransition,
		zap.String("client_order_id", o.rec.ClientOrderID),
		zap.String("broker_order_id", o.rec.BrokerOrderID),
		zap.String("pair", o.rec.PairID),
		zap.String("symbol", o.rec.Symbol),
		zap.String("side", string(o.rec.Side)),
		zap.String("qty", o.rec.Qty.String()),
		zap.String("filled_qty", o.rec.FilledQty.String()),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason),
	))

	if !next.Terminal() {
		m.ledger.TrackOrder(*o.rec)
		return nil
	}
	delete(m.orders, o.rec.ClientOrderID)
	m.ledger.Archive(context.WithoutCancel(ctx), *o.rec)
	m.settleLocked(o.rec.PairID)
	return nil
}

// settleLocked releases the pair guard once every leg is terminal
func (m *Manager) settleLocked(pairID string) {
	f, ok := m.flights[pairID]
	if !ok {
		return
	}
	filled := 0
	for _, o := range f.orders {
		if !o.rec.State.Terminal() {
			return
		}
		if o.rec.FilledQty.IsPositive() {
			filled++
		}
	}
	delete(m.flights, pairID)

	if filled > 0 && filled < len(f.orders) {
		fields := []zap.Field{
			zap.String("pair", pairID),
			zap.String("direction", string(f.direction)),
		}
		for _, o := range f.orders {
			fields = append(fields, zap.String(o.rec.Symbol, string(o.rec.State)+" "+o.rec.FilledQty.String()))
		}
		m.opts.Sink.Emit(zapcore.WarnLevel, logging.NewEvent(logging.EventUnbalancedPair, fields...))
	}
}

func (m *Manager) deactivateLocked(pairID, reason string) {
	if _, ok := m.deactivated[pairID]; ok {
		return
	}
	m.deactivated[pairID] = reason
	m.opts.Sink.Emit(zapcore.ErrorLevel, logging.NewEvent(logging.EventPairDeactivated,
		zap.String("pair", pairID),
		zap.String("reason", reason),
	))
}

func (m *Manager) sortedOrdersLocked() []*order {
	out := make([]*order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.ClientOrderID < out[j].rec.ClientOrderID })
	return out
}

// PairPosition implements strategy.PositionView. While a pair has orders in
// flight it reports the position those orders aim for.
func (m *Manager) PairPosition(pair models.PairDefinition) models.PairPosition {
	m.mu.Lock()
	f, busy := m.flights[pair.ID()]
	m.mu.Unlock()
	if busy {
		return f.target
	}
	return m.ledger.PairPosition(pair)
}

// OpenCount returns the number of non-terminal orders
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// OpenOrders returns copies of the non-terminal orders
func (m *Manager) OpenOrders() []models.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OrderRecord, 0, len(m.orders))
	for _, o := range m.sortedOrdersLocked() {
		out = append(out, *o.rec)
	}
	return out
}

// Order returns a copy of an open order and its retry state
func (m *Manager) Order(clientOrderID string) (models.OrderRecord, RetryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return models.OrderRecord{}, RetryState{}, false
	}
	return *o.rec, o.retry, true
}

// InFlight reports whether pairID has orders that are not yet terminal
func (m *Manager) InFlight(pairID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flights[pairID]
	return ok
}

// Active reports whether pairID may still trade this session
func (m *Manager) Active(pairID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, off := m.deactivated[pairID]
	return !off
}

// Deactivated returns deactivated pairs and why
func (m *Manager) Deactivated() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.deactivated))
	for k, v := range m.deactivated {
		out[k] = v
	}
	return out
}

// Deactivate stops a pair from trading for the rest of the session
func (m *Manager) Deactivate(pairID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked(pairID, reason)
}
