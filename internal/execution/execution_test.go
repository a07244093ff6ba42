package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/cache"
	"github.com/dliu42/algorithmic-trading-bot/internal/ledger"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

var (
	t0   = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	pair = models.PairDefinition{SymbolA: "KO", SymbolB: "PEP", LookbackWindow: 20, EntryThreshold: 2, ExitThreshold: 0.5, HedgeRatio: 1}
)

type harness struct {
	sim     *broker.Sim
	ledger  *ledger.Ledger
	manager *Manager
	events  *logging.Recorder
	updates <-chan models.OrderUpdate
}

func newHarness(t *testing.T, client broker.Client, sim *broker.Sim, mutate func(*Options)) *harness {
	t.Helper()

	prices := cache.NewCache(time.Hour)
	prices.SetPrice(models.MarketEvent{Symbol: "KO", Timestamp: t0, Price: decimal.NewFromInt(60)})
	prices.SetPrice(models.MarketEvent{Symbol: "PEP", Timestamp: t0, Price: decimal.NewFromInt(150)})
	sim.SetPrice("KO", decimal.NewFromInt(60))
	sim.SetPrice("PEP", decimal.NewFromInt(150))

	rec := &logging.Recorder{}
	l := ledger.New(zap.NewNop())

	n := 0
	opts := Options{
		SubmitTimeout: 10 * time.Second,
		Retry:         RetryPolicy{MaxRetries: 2, Base: time.Second, Max: 10 * time.Second},
		Sink:          rec,
		Now:           func() time.Time { return t0 },
		NewID: func() string {
			n++
			return fmt.Sprintf("c-%d", n)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	updates, _ := sim.StreamOrderUpdates(context.Background())
	return &harness{
		sim:     sim,
		ledger:  l,
		manager: NewManager(client, l, prices, opts, zap.NewNop()),
		events:  rec,
		updates: updates,
	}
}

func (h *harness) drain(ctx context.Context) {
	for {
		select {
		case u := <-h.updates:
			h.manager.OnBrokerEvent(ctx, u)
		default:
			return
		}
	}
}

func entry(d models.Direction, notional int64) models.TradeSignal {
	return models.TradeSignal{Pair: pair, Direction: d, TargetNotional: decimal.NewFromInt(notional), GeneratedAt: t0}
}

func TestExecuteEntrySizesAndFills(t *testing.T) {
	sim := broker.NewSim()
	sim.AutoFill = true
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	intents, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("Expected 2 intents, got %d", len(intents))
	}

	ko, pep := intents[0], intents[1]
	if ko.Symbol != "KO" || ko.Side != models.Sell || !ko.Qty.Equal(decimal.NewFromInt(16)) {
		t.Errorf("Expected sell 16 KO, got %s %s %s", ko.Side, ko.Qty, ko.Symbol)
	}
	if pep.Symbol != "PEP" || pep.Side != models.Buy || !pep.Qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected buy 6 PEP, got %s %s %s", pep.Side, pep.Qty, pep.Symbol)
	}
	if ko.Type != models.Market || ko.TimeInForce != models.Day {
		t.Errorf("Expected market DAY orders, got %s %s", ko.Type, ko.TimeInForce)
	}

	if !h.manager.InFlight(pair.ID()) {
		t.Error("Expected pair in flight before fills arrive")
	}
	h.drain(ctx)

	if h.manager.InFlight(pair.ID()) || h.manager.OpenCount() != 0 {
		t.Errorf("Expected guard released after fills, open=%d", h.manager.OpenCount())
	}
	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(decimal.NewFromInt(-16)) {
		t.Errorf("Expected KO -16, got %s", got)
	}
	if got := h.manager.PairPosition(pair); got != models.PairShort {
		t.Errorf("Expected short pair, got %s", got)
	}
	if rec, ok := h.ledger.Archived(ko.ClientOrderID); !ok || rec.State != models.OrderFilled {
		t.Errorf("Expected archived filled KO order, got %+v", rec)
	}
}

func TestDefaultNotionalFromBuyingPower(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)

	intents, err := h.manager.Execute(context.Background(), entry(models.EnterLong, 0))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	// 100000 * 0.1 = 10000 per leg
	if !intents[0].Qty.Equal(decimal.NewFromInt(166)) || intents[0].Side != models.Buy {
		t.Errorf("Expected buy 166 KO, got %s %s", intents[0].Side, intents[0].Qty)
	}
	if !intents[1].Qty.Equal(decimal.NewFromInt(66)) || intents[1].Side != models.Sell {
		t.Errorf("Expected sell 66 PEP, got %s %s", intents[1].Side, intents[1].Qty)
	}
}

func TestDuplicateSignalWhileInFlight(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	if _, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	_, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if !errors.Is(err, ErrInFlight) {
		t.Errorf("Expected ErrInFlight, got %v", err)
	}

	if n := len(sim.Submitted()); n != 2 {
		t.Errorf("Expected only the first signal's 2 legs submitted, got %d", n)
	}
	if n := sim.OpenOrderCount(); n != 2 {
		t.Errorf("Expected 2 live orders, got %d", n)
	}
	if got := h.manager.PairPosition(pair); got != models.PairShort {
		t.Errorf("Expected in-flight pair to report its target position, got %s", got)
	}
}

func TestBrokerRejectionReleasesGuard(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	reject := &models.RejectedOrderError{Reason: "insufficient buying power"}
	sim.FailNextSubmits(reject, reject)

	intents, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}

	for _, in := range intents {
		rec, ok := h.ledger.Archived(in.ClientOrderID)
		if !ok || rec.State != models.OrderRejected {
			t.Errorf("Expected %s rejected, got %+v", in.Symbol, rec)
		}
		if rec.Reason != "insufficient buying power" {
			t.Errorf("Expected rejection reason, got %q", rec.Reason)
		}
	}
	if len(h.ledger.Positions()) != 0 {
		t.Errorf("Expected ledger unchanged, got %v", h.ledger.Positions())
	}
	if h.manager.InFlight(pair.ID()) {
		t.Error("Expected in-flight guard released")
	}
	if got := h.manager.PairPosition(pair); got != models.PairFlat {
		t.Errorf("Expected flat after rejection, got %s", got)
	}

	if _, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000)); err != nil {
		t.Errorf("Expected fresh signal to be accepted, got %v", err)
	}
	if h.manager.OpenCount() != 2 {
		t.Errorf("Expected 2 open orders from fresh signal, got %d", h.manager.OpenCount())
	}

	transitions := h.events.Named(logging.EventOrderTransition)
	var rejected int
	for _, ev := range transitions {
		if to, _ := ev.Field("to"); to == string(models.OrderRejected) {
			rejected++
		}
	}
	if rejected != 2 {
		t.Errorf("Expected 2 rejected transition events, got %d", rejected)
	}
}

func TestDuplicateUpdatesAreIdempotent(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	ko := intents[0]

	if err := sim.Fill(ko.ClientOrderID, decimal.NewFromInt(5), decimal.NewFromInt(60)); err != nil {
		t.Fatalf("Fill() failed: %v", err)
	}
	u := <-h.updates
	h.manager.OnBrokerEvent(ctx, u)
	h.manager.OnBrokerEvent(ctx, u)

	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("Expected KO -5 after duplicate partial fill, got %s", got)
	}
	rec, _, ok := h.manager.Order(ko.ClientOrderID)
	if !ok || rec.State != models.OrderPartiallyFilled {
		t.Errorf("Expected partially filled, got %+v", rec)
	}

	sim.Fill(ko.ClientOrderID, decimal.NewFromInt(11), decimal.NewFromInt(61))
	final := <-h.updates
	h.manager.OnBrokerEvent(ctx, final)
	h.manager.OnBrokerEvent(ctx, final)

	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(decimal.NewFromInt(-16)) {
		t.Errorf("Expected KO -16 after fill, got %s", got)
	}
	if got := h.ledger.FillTotal("KO"); !got.Equal(decimal.NewFromInt(-16)) {
		t.Errorf("Expected fill total -16, got %s", got)
	}
	archived, _ := h.ledger.Archived(ko.ClientOrderID)
	if archived.State != models.OrderFilled || !archived.FilledQty.Equal(decimal.NewFromInt(16)) {
		t.Errorf("Expected filled 16, got %s %s", archived.State, archived.FilledQty)
	}
}

// pendingBroker acknowledges orders without the broker accepting them yet
type pendingBroker struct {
	*broker.Sim
}

func (p pendingBroker) SubmitOrder(ctx context.Context, intent models.OrderIntent) (broker.Ack, error) {
	ack, err := p.Sim.SubmitOrder(ctx, intent)
	ack.Status = models.OrderSubmitted
	return ack, err
}

func TestFillBeforeAcknowledgment(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, pendingBroker{sim}, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterLong, 1000))
	rec, _, _ := h.manager.Order(intents[0].ClientOrderID)
	if rec.State != models.OrderSubmitted {
		t.Fatalf("Expected submitted, got %s", rec.State)
	}

	sim.Fill(intents[0].ClientOrderID, intents[0].Qty, decimal.NewFromInt(60))
	h.drain(ctx)

	archived, ok := h.ledger.Archived(intents[0].ClientOrderID)
	if !ok || archived.State != models.OrderFilled {
		t.Fatalf("Expected filled, got %+v", archived)
	}

	var sawAck bool
	for _, ev := range h.events.Named(logging.EventOrderTransition) {
		id, _ := ev.Field("client_order_id")
		to, _ := ev.Field("to")
		if id == intents[0].ClientOrderID && to == string(models.OrderAcknowledged) {
			sawAck = true
		}
	}
	if !sawAck {
		t.Error("Expected an implicit acknowledged transition before the fill")
	}
}

func TestSubmitTimeoutExpiresAndCancels(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, pendingBroker{sim}, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterLong, 1000))

	h.manager.CheckTimeouts(ctx, t0.Add(5*time.Second))
	if h.manager.OpenCount() != 2 {
		t.Fatalf("Expected orders still open before timeout, got %d", h.manager.OpenCount())
	}

	h.manager.CheckTimeouts(ctx, t0.Add(11*time.Second))
	for _, in := range intents {
		rec, ok := h.ledger.Archived(in.ClientOrderID)
		if !ok || rec.State != models.OrderExpired {
			t.Errorf("Expected %s expired, got %+v", in.Symbol, rec)
		}
	}
	if n := len(sim.Canceled()); n != 2 {
		t.Errorf("Expected 2 cancel requests, got %d", n)
	}
	if h.manager.InFlight(pair.ID()) {
		t.Error("Expected guard released after expiry")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	sim.FailNextSubmits(&models.TransientBrokerError{Op: "submit order", Err: errors.New("connection reset")})
	if _, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	var retrying string
	for _, rec := range h.manager.OpenOrders() {
		if _, retry, _ := h.manager.Order(rec.ClientOrderID); retry.Pending {
			retrying = rec.ClientOrderID
			if retry.Attempts != 1 || !retry.NextAt.Equal(t0.Add(time.Second)) {
				t.Errorf("Expected attempt 1 due at t0+1s, got %+v", retry)
			}
		}
	}
	if retrying == "" {
		t.Fatal("Expected one order waiting for retry")
	}

	// Not yet due
	h.manager.ProcessRetries(ctx, t0.Add(500*time.Millisecond))
	if n := len(sim.Submitted()); n != 2 {
		t.Errorf("Expected no resubmission before backoff, got %d submits", n)
	}

	if err := h.manager.ProcessRetries(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("ProcessRetries() failed: %v", err)
	}
	rec, retry, _ := h.manager.Order(retrying)
	if rec.State != models.OrderAcknowledged || retry.Pending {
		t.Errorf("Expected acknowledged after retry, got %s pending=%v", rec.State, retry.Pending)
	}

	submitted := sim.Submitted()
	if last := submitted[len(submitted)-1]; last.ClientOrderID != retrying {
		t.Errorf("Expected resubmission to reuse client id %s, got %s", retrying, last.ClientOrderID)
	}
	if len(h.events.Named(logging.EventRetryScheduled)) != 1 {
		t.Errorf("Expected 1 retry event, got %d", len(h.events.Named(logging.EventRetryScheduled)))
	}
}

func TestRetryExhaustionDeactivatesPair(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	transient := &models.TransientBrokerError{Op: "submit order", Err: errors.New("503")}
	sim.FailNextSubmits(transient, transient, transient, transient, transient, transient)

	h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	for i := 1; i <= 2; i++ {
		h.manager.ProcessRetries(ctx, t0.Add(time.Duration(i)*time.Hour))
	}

	if h.manager.OpenCount() != 0 {
		t.Errorf("Expected no open orders after exhaustion, got %d", h.manager.OpenCount())
	}
	if h.manager.Active(pair.ID()) {
		t.Error("Expected pair deactivated")
	}
	if len(h.events.Named(logging.EventPairDeactivated)) != 1 {
		t.Errorf("Expected 1 deactivation event, got %d", len(h.events.Named(logging.EventPairDeactivated)))
	}

	_, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if !errors.Is(err, ErrPairInactive) {
		t.Errorf("Expected ErrPairInactive, got %v", err)
	}
	if n := len(sim.Submitted()); n != 6 {
		t.Errorf("Expected 6 submit attempts, got %d", n)
	}
}

func TestCancelAll(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	sim.Fill(intents[0].ClientOrderID, decimal.NewFromInt(4), decimal.NewFromInt(60))
	h.drain(ctx)

	if err := h.manager.CancelAll(ctx); err != nil {
		t.Fatalf("CancelAll() failed: %v", err)
	}
	h.drain(ctx)

	if h.manager.OpenCount() != 0 || h.manager.InFlight(pair.ID()) {
		t.Errorf("Expected everything closed, open=%d", h.manager.OpenCount())
	}
	rec, _ := h.ledger.Archived(intents[0].ClientOrderID)
	if rec.State != models.OrderCanceled || !rec.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Expected canceled with 4 filled, got %s %s", rec.State, rec.FilledQty)
	}
	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(decimal.NewFromInt(-4)) {
		t.Errorf("Expected ledger to keep only the fill before cancel, got %s", got)
	}

	// Canceling again is a no-op
	if err := h.manager.CancelAll(ctx); err != nil {
		t.Errorf("Expected second CancelAll() to be a no-op, got %v", err)
	}
}

func TestUnbalancedPairEvent(t *testing.T) {
	sim := broker.NewSim()
	sim.AutoFill = true
	sim.Reject("PEP", "not shortable")
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	h.manager.Execute(ctx, entry(models.EnterLong, 1000))
	h.drain(ctx)

	if h.manager.InFlight(pair.ID()) {
		t.Fatal("Expected guard released")
	}
	events := h.events.Named(logging.EventUnbalancedPair)
	if len(events) != 1 {
		t.Fatalf("Expected 1 unbalanced_pair event, got %d", len(events))
	}
	if got := h.manager.PairPosition(pair); got != models.PairLong {
		t.Errorf("Expected lone KO leg to read as long, got %s", got)
	}
}

func TestExitClosesLedgerLegs(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	h.ledger.ApplyFill(ctx, models.Fill{Symbol: "KO", Side: models.Sell, Qty: decimal.NewFromInt(16), Price: decimal.NewFromInt(60), At: t0})
	h.ledger.ApplyFill(ctx, models.Fill{Symbol: "PEP", Side: models.Buy, Qty: decimal.NewFromInt(6), Price: decimal.NewFromInt(150), At: t0})

	intents, err := h.manager.Execute(ctx, models.TradeSignal{Pair: pair, Direction: models.ExitToFlat})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("Expected 2 exit intents, got %d", len(intents))
	}
	if intents[0].Side != models.Buy || !intents[0].Qty.Equal(decimal.NewFromInt(16)) {
		t.Errorf("Expected buy 16 KO, got %s %s", intents[0].Side, intents[0].Qty)
	}
	if intents[1].Side != models.Sell || !intents[1].Qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected sell 6 PEP, got %s %s", intents[1].Side, intents[1].Qty)
	}
	if got := h.manager.PairPosition(pair); got != models.PairFlat {
		t.Errorf("Expected exiting pair to report flat, got %s", got)
	}
}

type denyAll struct{}

func (denyAll) Check(intent models.OrderIntent, _ decimal.Decimal, _ broker.Account) error {
	return &models.RejectedOrderError{Symbol: intent.Symbol, ClientOrderID: intent.ClientOrderID, Reason: "risk limit"}
}

func TestRiskRejectionSubmitsNothing(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, func(o *Options) { o.Risk = denyAll{} })

	_, err := h.manager.Execute(context.Background(), entry(models.EnterShort, 1000))
	if !models.IsRejected(err) {
		t.Errorf("Expected rejected error, got %v", err)
	}
	if len(sim.Submitted()) != 0 || h.manager.InFlight(pair.ID()) {
		t.Error("Expected nothing submitted and no guard held")
	}
}

func TestLateFillOnExpiredOrder(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, pendingBroker{sim}, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterLong, 1000))
	ko := intents[0]
	brokerID, _ := sim.BrokerID(ko.ClientOrderID)

	h.manager.CheckTimeouts(ctx, t0.Add(time.Minute))
	for len(h.updates) > 0 {
		<-h.updates
	}

	h.manager.OnBrokerEvent(ctx, models.OrderUpdate{
		ClientOrderID: ko.ClientOrderID,
		BrokerOrderID: brokerID,
		Symbol:        "KO",
		Status:        models.OrderFilled,
		FilledQty:     ko.Qty,
		FillPrice:     decimal.NewFromInt(60),
		At:            t0.Add(time.Minute),
	})

	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(ko.Qty) {
		t.Errorf("Expected late fill applied, got %s", got)
	}
	rec, _ := h.ledger.Archived(ko.ClientOrderID)
	if rec.State != models.OrderExpired || !rec.FilledQty.Equal(ko.Qty) {
		t.Errorf("Expected expired record to carry the late fill, got %s %s", rec.State, rec.FilledQty)
	}
}

func TestLostAckIsAdoptedOnRetry(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	sim.LoseAcks("KO", &models.TransientBrokerError{Op: "submit order", Err: errors.New("read: connection reset")})
	intents, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	ko := intents[0]

	rec, retry, _ := h.manager.Order(ko.ClientOrderID)
	if rec.State != models.OrderSubmitted || !retry.Pending {
		t.Fatalf("Expected KO waiting for retry, got %s pending=%v", rec.State, retry.Pending)
	}
	if sim.OpenOrderCount() != 2 {
		t.Fatalf("Expected both legs on the broker book, got %d", sim.OpenOrderCount())
	}

	if err := h.manager.ProcessRetries(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("ProcessRetries() failed: %v", err)
	}

	brokerID, _ := sim.BrokerID(ko.ClientOrderID)
	rec, retry, _ = h.manager.Order(ko.ClientOrderID)
	if rec.State != models.OrderAcknowledged || retry.Pending || rec.BrokerOrderID != brokerID {
		t.Errorf("Expected KO acknowledged as %s, got %s %s pending=%v", brokerID, rec.State, rec.BrokerOrderID, retry.Pending)
	}
	if n := len(sim.Submitted()); n != 2 {
		t.Errorf("Expected no second KO submission, got %d submits", n)
	}
	if n := sim.Lookups(); n != 1 {
		t.Errorf("Expected 1 lookup by client id, got %d", n)
	}
	if sim.OpenOrderCount() != 2 {
		t.Errorf("Expected 2 live orders, got %d", sim.OpenOrderCount())
	}

	if !h.manager.InFlight(pair.ID()) {
		t.Error("Expected pair still in flight")
	}
	if _, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000)); !errors.Is(err, ErrInFlight) {
		t.Errorf("Expected ErrInFlight while the adopted order works, got %v", err)
	}

	sim.Fill(ko.ClientOrderID, ko.Qty, decimal.NewFromInt(60))
	h.drain(ctx)
	if got := h.ledger.CurrentPosition("KO").Qty; !got.Equal(decimal.NewFromInt(-16)) {
		t.Errorf("Expected KO -16, got %s", got)
	}
}

func TestDuplicateRefusalAdoptsExistingOrder(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	sim.LoseAcks("KO", &models.TransientBrokerError{Op: "submit order", Err: errors.New("i/o timeout")})
	intents, _ := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	ko := intents[0]

	// The first lookup misses, so the retry is refused as a duplicate
	sim.FailNextLookups(fmt.Errorf("client order id %s: %w", ko.ClientOrderID, models.ErrOrderNotFound))
	if err := h.manager.ProcessRetries(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("ProcessRetries() failed: %v", err)
	}

	rec, retry, ok := h.manager.Order(ko.ClientOrderID)
	if !ok || rec.State != models.OrderAcknowledged || retry.Pending {
		t.Fatalf("Expected KO adopted after duplicate refusal, got %+v pending=%v", rec, retry.Pending)
	}
	brokerID, _ := sim.BrokerID(ko.ClientOrderID)
	if rec.BrokerOrderID != brokerID {
		t.Errorf("Expected broker id %s, got %s", brokerID, rec.BrokerOrderID)
	}
	if n := len(sim.Submitted()); n != 3 {
		t.Errorf("Expected 3 submits, got %d", n)
	}
	if n := sim.Lookups(); n != 2 {
		t.Errorf("Expected 2 lookups, got %d", n)
	}
	if sim.OpenOrderCount() != 2 {
		t.Errorf("Expected 2 live orders, got %d", sim.OpenOrderCount())
	}
}

func TestSingleAuthRefusalRejectsLeg(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	sim.FailSubmits("PEP", &models.AuthError{Err: errors.New("forbidden")})
	intents, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if err != nil {
		t.Fatalf("Expected a single refusal to be survivable, got %v", err)
	}

	rec, ok := h.ledger.Archived(intents[1].ClientOrderID)
	if !ok || rec.State != models.OrderRejected {
		t.Errorf("Expected PEP rejected, got %+v", rec)
	}
	if ko, _, _ := h.manager.Order(intents[0].ClientOrderID); ko.State != models.OrderAcknowledged {
		t.Errorf("Expected KO acknowledged, got %s", ko.State)
	}
}

func TestRepeatedAuthRefusalsAreFatal(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, func(o *Options) { o.MaxAuthFailures = 2 })
	ctx := context.Background()

	sim.FailSubmits("KO", &models.AuthError{Err: errors.New("forbidden")})
	sim.FailSubmits("PEP", &models.AuthError{Err: errors.New("forbidden")})
	_, err := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	if !models.IsFatal(err) {
		t.Fatalf("Expected fatal auth error after 2 refusals, got %v", err)
	}
	if h.manager.OpenCount() != 0 {
		t.Errorf("Expected both legs rejected, got %d open", h.manager.OpenCount())
	}
}

func TestFillWithoutPriceUsesLastPrice(t *testing.T) {
	sim := broker.NewSim()
	h := newHarness(t, sim, sim, nil)
	ctx := context.Background()

	intents, _ := h.manager.Execute(ctx, entry(models.EnterShort, 1000))
	ko := intents[0]

	h.manager.OnBrokerEvent(ctx, models.OrderUpdate{
		ClientOrderID: ko.ClientOrderID,
		Symbol:        "KO",
		Status:        models.OrderFilled,
		FilledQty:     ko.Qty,
		At:            t0,
	})

	fills := h.ledger.Fills("KO")
	if len(fills) != 1 {
		t.Fatalf("Expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Price.Equal(decimal.NewFromInt(60)) {
		t.Errorf("Expected fill at last price 60, got %s", fills[0].Price)
	}
	rec, _ := h.ledger.Archived(ko.ClientOrderID)
	if !rec.AvgFillPrice.Equal(decimal.NewFromInt(60)) {
		t.Errorf("Expected average fill price 60, got %s", rec.AvgFillPrice)
	}
}
