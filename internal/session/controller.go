// Package session runs one trading day: it waits for the open, reconciles,
// drives the decision loop and closes out before the market does.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/execution"
	"github.com/dliu42/algorithmic-trading-bot/internal/ledger"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/metrics"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/internal/stats"
	"github.com/dliu42/algorithmic-trading-bot/internal/strategy"
)

// MarketFeed publishes normalized market events until ctx ends
type MarketFeed interface {
	Run(ctx context.Context, publish func(models.MarketEvent)) error
}

// Components are the collaborators a Controller drives
type Components struct {
	Client    broker.Client
	Feed      MarketFeed
	Tracker   *stats.Tracker
	Evaluator *strategy.Evaluator
	Execution *execution.Manager
	Ledger    *ledger.Ledger
	Sink      logging.Sink
}

// Options configures a Controller
type Options struct {
	Account           string
	Credentials       broker.Credentials
	QueueSize         int
	ReconcileInterval time.Duration
	ClosingTimeout    time.Duration
	CloseBuffer       time.Duration // stop trading this long before the close
	Housekeeping      time.Duration // retries, timeouts and gap checks
	SnapshotTimeout   time.Duration
	StateFile         StateFile
	Now               func() time.Time
}

// Controller owns the session phase and the single decision loop. Broker I/O
// runs on its own goroutines and reaches the loop through a Queue.
type Controller struct {
	comp  Components
	opts  Options
	queue *Queue

	mu      sync.RWMutex
	state   models.SessionState
	missing map[string]int // consecutive passes an order was absent at the broker

	stop     chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// NewController creates a controller in the PreMarket phase
func NewController(comp Components, opts Options, logger *zap.Logger) *Controller {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Minute
	}
	if opts.ClosingTimeout <= 0 {
		opts.ClosingTimeout = 2 * time.Minute
	}
	if opts.Housekeeping <= 0 {
		opts.Housekeeping = time.Second
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if comp.Sink == nil {
		comp.Sink = logging.Nop
	}
	return &Controller{
		comp:    comp,
		opts:    opts,
		queue:   NewQueue(opts.QueueSize),
		state:   models.SessionState{Phase: models.PreMarket, Account: opts.Account, PID: os.Getpid()},
		missing: make(map[string]int),
		stop:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "session_controller")),
	}
}

// Stop asks the session to close out. It is safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Queue exposes the event queue for inspection
func (c *Controller) Queue() *Queue {
	return c.queue
}

// Phase returns the current phase
func (c *Controller) Phase() models.SessionPhase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Phase
}

// State returns a copy of the session state including pair activity
func (c *Controller) State() models.SessionState {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	st.ActivePairs = nil
	st.DeactivatedPairs = nil
	if c.comp.Evaluator != nil && c.comp.Execution != nil {
		for _, id := range c.comp.Evaluator.Pairs() {
			if c.comp.Execution.Active(id) {
				st.ActivePairs = append(st.ActivePairs, id)
			}
		}
		for id, reason := range c.comp.Execution.Deactivated() {
			st.DeactivatedPairs = append(st.DeactivatedPairs, id+": "+reason)
		}
		sort.Strings(st.DeactivatedPairs)
	}
	return st
}

// Run executes the session until the market closes, Stop is called or ctx
// ends. Cancelling ctx behaves like Stop; open orders are still drained and
// canceled. A nil return means a normal end of day.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.state.StartedAt = c.opts.Now()
	c.mu.Unlock()
	c.persist()

	if err := c.comp.Client.Connect(ctx, c.opts.Credentials); err != nil {
		c.advance(models.Stopped, "connect failed")
		return fmt.Errorf("connect to broker: %w", err)
	}

	day, err := c.comp.Client.MarketCalendar(ctx, c.opts.Now())
	if errors.Is(err, broker.ErrNoTradingDay) {
		c.logger.Info("market is closed today")
		c.advance(models.Stopped, "no trading day")
		return nil
	}
	if err != nil {
		c.advance(models.Stopped, "calendar unavailable")
		return fmt.Errorf("market calendar: %w", err)
	}
	c.mu.Lock()
	c.state.TradingDay = day
	c.mu.Unlock()

	closeAt := day.Close.Add(-c.opts.CloseBuffer)
	if !c.opts.Now().Before(closeAt) {
		c.logger.Info("trading window already over", zap.Time("close", day.Close))
		c.advance(models.Stopped, "market closed")
		return nil
	}

	if wait := day.Open.Sub(c.opts.Now()); wait > 0 {
		c.logger.Info("waiting for market open", zap.Time("open", day.Open), zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.advance(models.Stopped, "stopped before open")
			return nil
		case <-c.stop:
			timer.Stop()
			c.advance(models.Stopped, "stopped before open")
			return nil
		}
	}

	if err := c.reconcile(ctx, false); err != nil {
		c.advance(models.Stopped, "startup reconciliation failed")
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	c.advance(models.Trading, "market open")
	return c.trade(ctx, closeAt)
}

// trade runs the I/O goroutines and the decision loop. Workers use a context
// detached from ctx so closing can still talk to the broker after a stop.
func (c *Controller) trade(ctx context.Context, closeAt time.Time) error {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(wctx)

	updates, err := c.comp.Client.StreamOrderUpdates(gctx)
	if err != nil {
		c.advance(models.Stopped, "order updates unavailable")
		return fmt.Errorf("stream order updates: %w", err)
	}

	g.Go(func() error {
		err := c.comp.Feed.Run(gctx, c.onMarket)
		if err == nil || gctx.Err() != nil {
			return nil
		}
		if models.IsFatal(err) {
			return err
		}
		c.logger.Error("market data stopped", zap.Error(err))
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u, ok := <-updates:
				if !ok {
					if gctx.Err() == nil {
						c.logger.Warn("order update stream closed")
					}
					return nil
				}
				if err := c.queue.PushOrder(gctx, u); err != nil {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.opts.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := c.reconcile(gctx, true); err != nil {
					if models.IsFatal(err) {
						return err
					}
					c.logger.Warn("periodic reconciliation failed", zap.Error(err))
				}
			}
		}
	})

	loopErr := c.loop(ctx, gctx, closeAt)
	if loopErr != nil || gctx.Err() != nil {
		// the loop or a worker failed; wctx is still live for cancels
		c.closeOut(wctx, loopErr)
	}
	cancel()
	err = multierr.Append(loopErr, g.Wait())

	c.advance(models.Stopped, "session ended")
	return err
}

func (c *Controller) loop(ctx, gctx context.Context, closeAt time.Time) error {
	house := time.NewTicker(c.opts.Housekeeping)
	defer house.Stop()

	closeTimer := time.NewTimer(closeAt.Sub(c.opts.Now()))
	defer closeTimer.Stop()

	var drain <-chan time.Time
	stopReq := c.stop
	done := ctx.Done()

	beginClosing := func(reason string) {
		if c.advance(models.Closing, reason) {
			drain = time.After(c.opts.ClosingTimeout)
		}
	}

	for {
		select {
		case <-gctx.Done():
			return nil
		case <-c.queue.Ready():
			if err := c.drainQueue(gctx); err != nil {
				return err
			}
		case <-house.C:
			if err := c.housekeeping(gctx); err != nil {
				return err
			}
		case <-closeTimer.C:
			beginClosing("market close")
		case <-stopReq:
			stopReq = nil
			beginClosing("stop requested")
		case <-done:
			done = nil
			beginClosing("context canceled")
		case <-drain:
			open := c.comp.Execution.OpenCount()
			c.logger.Warn("closing timeout reached, canceling open orders", zap.Int("open_orders", open))
			if err := c.comp.Execution.CancelAll(gctx); err != nil {
				c.logger.Warn("force cancel incomplete",
					zap.Int("failures", len(multierr.Errors(err))),
					zap.Error(err))
			}
			return nil
		}

		if c.Phase() == models.Closing && c.comp.Execution.OpenCount() == 0 {
			c.logger.Info("all orders settled")
			return nil
		}
	}
}

// closeOut enters Closing after a fatal error and force-cancels whatever is
// still open, bounded by the closing timeout.
func (c *Controller) closeOut(ctx context.Context, cause error) {
	reason := "fatal error"
	if cause != nil {
		reason = "fatal error: " + cause.Error()
	}
	c.advance(models.Closing, reason)

	open := c.comp.Execution.OpenCount()
	if open == 0 {
		return
	}
	c.logger.Error("canceling open orders after fatal error", zap.Int("open_orders", open), zap.Error(cause))
	cctx, cancel := context.WithTimeout(ctx, c.opts.ClosingTimeout)
	defer cancel()
	if err := c.comp.Execution.CancelAll(cctx); err != nil {
		c.logger.Warn("force cancel incomplete",
			zap.Int("failures", len(multierr.Errors(err))),
			zap.Error(err))
	}
}

func (c *Controller) drainQueue(ctx context.Context) error {
	for {
		ev, ok := c.queue.TryPop()
		if !ok {
			metrics.SetQueueDepth(0)
			return nil
		}
		if err := c.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (c *Controller) onMarket(ev models.MarketEvent) {
	if c.queue.PushMarket(ev) {
		c.comp.Sink.Emit(zapcore.DebugLevel, logging.NewEvent(logging.EventMarketDropped,
			zap.String("symbol", ev.Symbol),
			zap.Int("dropped_total", c.queue.Dropped())))
	}
	metrics.SetQueueDepth(c.queue.Len())
}

func (c *Controller) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case OrderKind:
		c.comp.Execution.OnBrokerEvent(ctx, ev.Order)
		return nil
	case MarketKind:
		return c.onPrice(ctx, ev.Market)
	}
	return nil
}

func (c *Controller) onPrice(ctx context.Context, ev models.MarketEvent) error {
	updated := c.comp.Tracker.Observe(ev)
	if c.Phase() != models.Trading {
		return nil
	}

	for _, id := range updated {
		if !c.comp.Execution.Active(id) {
			continue
		}
		st, ok := c.comp.Tracker.State(id)
		if !ok {
			continue
		}
		sig := c.comp.Evaluator.Evaluate(st)
		if sig.Direction == models.Hold {
			continue
		}

		_, err := c.comp.Execution.Execute(ctx, sig)
		switch {
		case err == nil:
		case errors.Is(err, execution.ErrInFlight), errors.Is(err, execution.ErrPairInactive):
			c.logger.Debug("signal skipped", zap.String("pair", id), zap.Error(err))
		case models.IsFatal(err):
			return err
		case models.IsRejected(err):
			c.logger.Warn("signal rejected", zap.String("pair", id), zap.Error(err))
		default:
			c.logger.Warn("signal execution failed", zap.String("pair", id), zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) housekeeping(ctx context.Context) error {
	now := c.opts.Now()
	c.comp.Execution.CheckTimeouts(ctx, now)
	if err := c.comp.Execution.ProcessRetries(ctx, now); err != nil {
		if models.IsFatal(err) {
			return err
		}
		c.logger.Warn("retry pass failed", zap.Error(err))
	}

	for _, gap := range c.comp.Tracker.CheckGaps(now) {
		c.comp.Sink.Emit(zapcore.WarnLevel, logging.NewEvent(logging.EventDataGap,
			zap.String("pair", gap.PairID),
			zap.String("symbol", gap.Symbol),
			zap.Time("since", gap.Since)))
	}
	return nil
}

// reconcile snapshots the broker and corrects the ledger. When periodic is
// set, orders missing at the broker on two consecutive passes are resolved as
// canceled through the queue.
func (c *Controller) reconcile(ctx context.Context, periodic bool) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.SnapshotTimeout)
	snap, err := c.comp.Client.SnapshotPositions(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("snapshot positions: %w", err)
	}

	found := c.comp.Ledger.Reconcile(ctx, snap)

	c.mu.Lock()
	c.state.LastReconciledAt = snap.At
	seen := make(map[string]int, len(c.missing))
	var expired []models.Discrepancy
	for _, d := range found {
		if d.Kind != models.MissingBrokerOrder {
			continue
		}
		seen[d.ClientOrderID] = c.missing[d.ClientOrderID] + 1
		if seen[d.ClientOrderID] >= 2 {
			expired = append(expired, d)
			delete(seen, d.ClientOrderID)
		}
	}
	c.missing = seen
	c.mu.Unlock()

	if len(found) > 0 {
		c.logger.Warn("reconciliation corrected local state", zap.Error(&models.ReconciliationMismatch{Discrepancies: found}))
	} else {
		c.logger.Debug("reconciliation clean", zap.Time("snapshot_at", snap.At))
	}

	if periodic {
		for _, d := range expired {
			u := models.OrderUpdate{
				ClientOrderID: d.ClientOrderID,
				Symbol:        d.Symbol,
				Status:        models.OrderCanceled,
				Reason:        "not found at broker",
				At:            snap.At,
			}
			if err := c.queue.PushOrder(ctx, u); err != nil {
				return err
			}
		}
	}
	c.persist()
	return nil
}

// advance moves to next if that goes forward and reports whether it did
func (c *Controller) advance(next models.SessionPhase, reason string) bool {
	c.mu.Lock()
	from := c.state.Phase
	if !from.CanAdvance(next) {
		c.mu.Unlock()
		return false
	}
	c.state.Phase = next
	c.mu.Unlock()

	c.comp.Sink.Emit(zapcore.InfoLevel, logging.NewEvent(logging.EventPhaseChange,
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("reason", reason)))
	c.persist()
	return true
}

func (c *Controller) persist() {
	if err := c.opts.StateFile.Write(c.State()); err != nil {
		c.logger.Warn("failed to persist session state", zap.String("path", c.opts.StateFile.Path), zap.Error(err))
	}
}
