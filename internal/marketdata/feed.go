package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/cache"
	"github.com/dliu42/algorithmic-trading-bot/internal/metrics"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// ErrStreamClosed is returned by Run when the broker ends the tick stream
var ErrStreamClosed = errors.New("market data stream closed")

// streamErr is implemented by clients that can say why their stream ended
type streamErr interface {
	StreamErr() error
}

// Feed normalizes raw broker ticks into MarketEvents for the configured
// instruments.
type Feed struct {
	client      broker.Client
	symbols     []string
	instruments map[string]models.Instrument
	prices      *cache.Cache
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	last    map[string]time.Time
	dropped int
}

// NewFeed creates a feed for symbols. The price cache may be nil.
func NewFeed(client broker.Client, symbols []string, instruments map[string]models.Instrument, prices *cache.Cache, logger *zap.Logger) *Feed {
	insts := make(map[string]models.Instrument, len(symbols))
	for _, sym := range symbols {
		if inst, ok := instruments[sym]; ok {
			insts[sym] = inst
		} else {
			insts[sym] = models.DefaultInstrument(sym)
		}
	}
	return &Feed{
		client:      client,
		symbols:     symbols,
		instruments: insts,
		prices:      prices,
		logger:      logger.With(zap.String("component", "market_data")),
		now:         time.Now,
		last:        make(map[string]time.Time),
	}
}

// Run subscribes and publishes every accepted event until ctx ends or the
// stream closes.
func (f *Feed) Run(ctx context.Context, publish func(models.MarketEvent)) error {
	ticks, err := f.client.SubscribeMarketData(ctx, f.symbols)
	if err != nil {
		return fmt.Errorf("subscribe market data: %w", err)
	}
	f.logger.Info("market data subscribed", zap.Strings("symbols", f.symbols))

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick, ok := <-ticks:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if se, ok := f.client.(streamErr); ok && se.StreamErr() != nil {
					return fmt.Errorf("%w: %w", ErrStreamClosed, se.StreamErr())
				}
				return ErrStreamClosed
			}
			ev, accepted := f.Normalize(tick)
			if !accepted {
				continue
			}
			if f.prices != nil {
				f.prices.SetPrice(ev)
			}
			metrics.ObserveMarketEvent(ev.Symbol)
			publish(ev)
		}
	}
}

// Normalize converts a tick into a MarketEvent. Ticks for unknown symbols,
// without a positive price, or not newer than the last accepted event for the
// symbol are rejected.
func (f *Feed) Normalize(t broker.Tick) (models.MarketEvent, bool) {
	inst, known := f.instruments[t.Symbol]
	if !known {
		return f.drop(t, "unknown symbol")
	}

	var price decimal.Decimal
	switch t.Kind {
	case broker.TickTrade, broker.TickBar:
		price = t.Price
	case broker.TickQuote:
		if !t.BidPrice.IsPositive() || !t.AskPrice.IsPositive() {
			return f.drop(t, "one-sided quote")
		}
		price = t.BidPrice.Add(t.AskPrice).Div(decimal.NewFromInt(2))
	default:
		return f.drop(t, "unknown tick kind")
	}
	if !price.IsPositive() {
		return f.drop(t, "non-positive price")
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = f.now()
	}

	f.mu.Lock()
	if last, ok := f.last[t.Symbol]; ok && !ts.After(last) {
		f.mu.Unlock()
		return f.drop(t, "out of order")
	}
	f.last[t.Symbol] = ts
	f.mu.Unlock()

	return models.MarketEvent{
		Symbol:    t.Symbol,
		Timestamp: ts,
		Price:     inst.RoundPrice(price),
		Volume:    t.Size,
	}, true
}

func (f *Feed) drop(t broker.Tick, reason string) (models.MarketEvent, bool) {
	f.mu.Lock()
	f.dropped++
	f.mu.Unlock()
	f.logger.Debug("dropping tick",
		zap.String("symbol", t.Symbol),
		zap.String("kind", string(t.Kind)),
		zap.String("reason", reason))
	return models.MarketEvent{}, false
}

// Dropped returns how many ticks were rejected
func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
