package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dliu42/algorithmic-trading-bot/internal/broker"
	"github.com/dliu42/algorithmic-trading-bot/internal/cache"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalize(t *testing.T) {
	insts := map[string]models.Instrument{
		"KO": {Symbol: "KO", TickSize: dec("0.05"), LotSize: decimal.NewFromInt(1)},
	}
	f := NewFeed(broker.NewSim(), []string{"KO", "PEP"}, insts, nil, zap.NewNop())

	tests := []struct {
		name  string
		tick  broker.Tick
		ok    bool
		price string
	}{
		{"bar close rounded to tick", broker.Tick{Kind: broker.TickBar, Symbol: "KO", Price: dec("60.27"), Timestamp: t0}, true, "60.25"},
		{"older than last accepted", broker.Tick{Kind: broker.TickTrade, Symbol: "KO", Price: dec("60.30"), Timestamp: t0.Add(-time.Second)}, false, ""},
		{"same timestamp", broker.Tick{Kind: broker.TickTrade, Symbol: "KO", Price: dec("60.30"), Timestamp: t0}, false, ""},
		{"quote mid", broker.Tick{Kind: broker.TickQuote, Symbol: "PEP", BidPrice: dec("150.00"), AskPrice: dec("150.10"), Timestamp: t0}, true, "150.05"},
		{"one-sided quote", broker.Tick{Kind: broker.TickQuote, Symbol: "PEP", BidPrice: dec("150"), Timestamp: t0.Add(time.Second)}, false, ""},
		{"unknown symbol", broker.Tick{Kind: broker.TickTrade, Symbol: "XOM", Price: dec("100"), Timestamp: t0}, false, ""},
		{"zero price", broker.Tick{Kind: broker.TickTrade, Symbol: "PEP", Price: decimal.Zero, Timestamp: t0.Add(2 * time.Second)}, false, ""},
		{"trade", broker.Tick{Kind: broker.TickTrade, Symbol: "PEP", Price: dec("151.234"), Size: 7, Timestamp: t0.Add(3 * time.Second)}, true, "151.23"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := f.Normalize(tt.tick)
			if ok != tt.ok {
				t.Fatalf("Expected accepted=%v, got %v", tt.ok, ok)
			}
			if ok && !ev.Price.Equal(dec(tt.price)) {
				t.Errorf("Expected price %s, got %s", tt.price, ev.Price)
			}
		})
	}

	if f.Dropped() != 5 {
		t.Errorf("Expected 5 dropped ticks, got %d", f.Dropped())
	}
}

func TestRunPublishesAndCaches(t *testing.T) {
	sim := broker.NewSim()
	prices := cache.NewCache(time.Hour)
	f := NewFeed(sim, []string{"KO"}, nil, prices, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan models.MarketEvent, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, func(ev models.MarketEvent) { got <- ev }) }()

	sim.Publish(broker.Tick{Kind: broker.TickTrade, Symbol: "KO", Price: dec("60.10"), Size: 100, Timestamp: t0})

	select {
	case ev := <-got:
		if ev.Symbol != "KO" || !ev.Price.Equal(dec("60.10")) || ev.Volume != 100 {
			t.Errorf("Expected KO 60.10 x100, got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	if cached, ok := prices.GetPrice("KO"); !ok || !cached.Price.Equal(dec("60.10")) {
		t.Errorf("Expected cached KO price, got %+v (%v)", cached, ok)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected nil error on cancel, got %v", err)
	}
}

type closedStream struct {
	*broker.Sim
	ch chan broker.Tick
}

func (c closedStream) SubscribeMarketData(context.Context, []string) (<-chan broker.Tick, error) {
	return c.ch, nil
}

func (c closedStream) StreamErr() error { return &models.AuthError{Err: errors.New("bad key")} }

func TestRunReportsClosedStream(t *testing.T) {
	ch := make(chan broker.Tick)
	close(ch)
	f := NewFeed(closedStream{Sim: broker.NewSim(), ch: ch}, []string{"KO"}, nil, nil, zap.NewNop())

	err := f.Run(context.Background(), func(models.MarketEvent) {})
	if !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}
	if !models.IsFatal(err) {
		t.Errorf("Expected wrapped auth error to be fatal, got %v", err)
	}
}
