package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// Journal persists ledger history. Write failures are logged and never block
// trading.
type Journal interface {
	RecordOrder(ctx context.Context, rec models.OrderRecord) error
	RecordFill(ctx context.Context, fill models.Fill) error
	RecordDiscrepancy(ctx context.Context, d models.Discrepancy) error
}

// Ledger is the local record of positions, open orders and fills. All access
// goes through one mutex, so a reconciliation pass never interleaves with a
// fill.
type Ledger struct {
	mu sync.Mutex

	positions   map[string]models.Position
	open        map[string]models.OrderRecord
	archived    map[string]models.OrderRecord
	fills       []models.Fill
	lastFillAt  map[string]time.Time
	adjustments map[string]decimal.Decimal

	journal Journal
	sink    logging.Sink
	logger  *zap.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithJournal archives orders, fills and discrepancies into j
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithSink emits reconciliation discrepancies and fills to s
func WithSink(s logging.Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// New creates an empty ledger
func New(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		positions:   make(map[string]models.Position),
		open:        make(map[string]models.OrderRecord),
		archived:    make(map[string]models.OrderRecord),
		lastFillAt:  make(map[string]time.Time),
		adjustments: make(map[string]decimal.Decimal),
		sink:        logging.Nop,
		logger:      logger.With(zap.String("component", "position_ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CurrentPosition returns the holding for symbol; unknown symbols are flat
func (l *Ledger) CurrentPosition(symbol string) models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionLocked(symbol)
}

func (l *Ledger) positionLocked(symbol string) models.Position {
	if p, ok := l.positions[symbol]; ok {
		return p
	}
	return models.Position{Symbol: symbol, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}
}

// PairPosition derives the spread position from both legs
func (l *Ledger) PairPosition(pair models.PairDefinition) models.PairPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.PairPositionOf(l.positionLocked(pair.SymbolA), l.positionLocked(pair.SymbolB))
}

// Positions returns every non-flat position sorted by symbol
func (l *Ledger) Positions() []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.IsFlat() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyFill adds one execution to the position using average-cost accounting
func (l *Ledger) ApplyFill(ctx context.Context, fill models.Fill) models.Position {
	l.mu.Lock()
	pos := applyToPosition(l.positionLocked(fill.Symbol), fill)
	l.positions[fill.Symbol] = pos
	l.fills = append(l.fills, fill)
	if fill.At.After(l.lastFillAt[fill.Symbol]) {
		l.lastFillAt[fill.Symbol] = fill.At
	}
	l.mu.Unlock()

	l.sink.Emit(zapcore.InfoLevel, logging.NewEvent(logging.EventFill,
		zap.String("client_order_id", fill.ClientOrderID),
		zap.String("pair", fill.PairID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("qty", fill.Qty.String()),
		zap.String("price", fill.Price.String()),
		zap.String("position", pos.Qty.String()),
	))

	if l.journal != nil {
		if err := l.journal.RecordFill(ctx, fill); err != nil {
			l.logger.Warn("failed to journal fill", zap.String("client_order_id", fill.ClientOrderID), zap.Error(err))
		}
	}
	return pos
}

func applyToPosition(pos models.Position, fill models.Fill) models.Position {
	delta := fill.Signed()
	qty := pos.Qty.Add(delta)

	switch {
	case qty.IsZero():
		pos.AvgEntryPrice = decimal.Zero
	case pos.Qty.IsZero() || pos.Qty.Sign() == delta.Sign():
		// Adding to the position
		cost := pos.Qty.Abs().Mul(pos.AvgEntryPrice).Add(fill.Qty.Mul(fill.Price))
		pos.AvgEntryPrice = cost.Div(qty.Abs())
	case qty.Sign() != pos.Qty.Sign():
		// Flipped through zero; the remainder was opened at the fill price
		pos.AvgEntryPrice = fill.Price
	}
	pos.Qty = qty
	return pos
}

// TrackOrder stores the latest copy of an open order
func (l *Ledger) TrackOrder(rec models.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[rec.ClientOrderID] = rec
}

// Archive moves a terminal order out of the open set
func (l *Ledger) Archive(ctx context.Context, rec models.OrderRecord) {
	l.mu.Lock()
	delete(l.open, rec.ClientOrderID)
	l.archived[rec.ClientOrderID] = rec
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.RecordOrder(ctx, rec); err != nil {
			l.logger.Warn("failed to journal order", zap.String("client_order_id", rec.ClientOrderID), zap.Error(err))
		}
	}
}

// Archived looks up a terminal order by client id
func (l *Ledger) Archived(clientOrderID string) (models.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.archived[clientOrderID]
	return rec, ok
}

// OpenOrders returns tracked open orders ordered by creation time
func (l *Ledger) OpenOrders() []models.OrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.OrderRecord, 0, len(l.open))
	for _, rec := range l.open {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Fills returns the applied fills for symbol, or all fills if symbol is empty
func (l *Ledger) Fills(symbol string) []models.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Fill
	for _, f := range l.fills {
		if symbol == "" || f.Symbol == symbol {
			out = append(out, f)
		}
	}
	return out
}

// FillTotal is the signed sum of applied fills for symbol plus any
// reconciliation corrections. It always equals CurrentPosition(symbol).Qty.
func (l *Ledger) FillTotal(symbol string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.adjustments[symbol]
	for _, f := range l.fills {
		if f.Symbol == symbol {
			total = total.Add(f.Signed())
		}
	}
	return total
}

// Reconcile corrects local state to the broker snapshot and returns what
// differed. Symbols with working orders, or with a fill applied after the
// snapshot was taken, are skipped: they are neither corrected nor reported
// by this pass, and any mismatch is corrected by a later pass once the
// symbol is quiet.
func (l *Ledger) Reconcile(ctx context.Context, snap broker.Snapshot) []models.Discrepancy {
	l.mu.Lock()

	at := snap.At
	if at.IsZero() {
		at = time.Now()
	}

	var found []models.Discrepancy

	brokerPos := make(map[string]models.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		brokerPos[p.Symbol] = p
	}

	symbols := make(map[string]struct{}, len(brokerPos)+len(l.positions))
	for s := range brokerPos {
		symbols[s] = struct{}{}
	}
	for s := range l.positions {
		symbols[s] = struct{}{}
	}

	working := make(map[string]bool, len(l.open))
	for _, rec := range l.open {
		working[rec.Symbol] = true
	}

	for _, sym := range sortedKeys(symbols) {
		if l.lastFillAt[sym].After(at) {
			l.logger.Debug("skipping symbol filled after snapshot", zap.String("symbol", sym))
			continue
		}
		// Fills for working orders may still be in transit
		if working[sym] {
			l.logger.Debug("skipping symbol with working orders", zap.String("symbol", sym))
			continue
		}

		local := l.positionLocked(sym)
		remote, ok := brokerPos[sym]
		if !ok {
			remote = models.Position{Symbol: sym, Qty: decimal.Zero, AvgEntryPrice: decimal.Zero}
		}
		if local.Qty.Equal(remote.Qty) {
			if !remote.IsFlat() {
				local.AvgEntryPrice = remote.AvgEntryPrice
				l.positions[sym] = local
			}
			continue
		}

		found = append(found, models.Discrepancy{
			Kind:   models.PositionMismatch,
			Symbol: sym,
			Local:  local.Qty.String(),
			Broker: remote.Qty.String(),
			At:     at,
		})
		l.adjustments[sym] = l.adjustments[sym].Add(remote.Qty.Sub(local.Qty))
		l.positions[sym] = remote
	}

	brokerOrders := make(map[string]broker.OpenOrder, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		brokerOrders[o.ClientOrderID] = o
		if _, ok := l.open[o.ClientOrderID]; ok {
			continue
		}
		found = append(found, models.Discrepancy{
			Kind:          models.UnknownBrokerOrder,
			Symbol:        o.Symbol,
			ClientOrderID: o.ClientOrderID,
			Local:         "none",
			Broker:        string(o.Side) + " " + o.Qty.String(),
			At:            at,
		})
	}

	for id, rec := range l.open {
		// Orders not yet acknowledged may legitimately be absent
		if rec.State != models.OrderAcknowledged && rec.State != models.OrderPartiallyFilled {
			continue
		}
		if rec.SubmittedAt.After(at) {
			continue
		}
		if _, ok := brokerOrders[id]; ok {
			continue
		}
		found = append(found, models.Discrepancy{
			Kind:          models.MissingBrokerOrder,
			Symbol:        rec.Symbol,
			ClientOrderID: id,
			Local:         string(rec.State),
			Broker:        "none",
			At:            at,
		})
	}
	l.mu.Unlock()

	for _, d := range found {
		l.sink.Emit(zapcore.WarnLevel, logging.NewEvent(logging.EventDiscrepancy,
			zap.String("kind", string(d.Kind)),
			zap.String("symbol", d.Symbol),
			zap.String("client_order_id", d.ClientOrderID),
			zap.String("local", d.Local),
			zap.String("broker", d.Broker),
		))
		if l.journal != nil {
			if err := l.journal.RecordDiscrepancy(ctx, d); err != nil {
				l.logger.Warn("failed to journal discrepancy", zap.Error(err))
			}
		}
	}
	return found
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
