package cache

import (
	"testing"
	"time"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/shopspring/decimal"
)

func TestNewCache(t *testing.T) {
	ttl := 100 * time.Millisecond
	cache := NewCache(ttl)

	if cache == nil {
		t.Fatal("NewCache() returned nil")
	}

	if cache.ttl != ttl {
		t.Errorf("Expected TTL=%v, got %v", ttl, cache.ttl)
	}
}

func TestPriceCaching(t *testing.T) {
	cache := NewCache(1 * time.Second)
	symbol := "KO"

	// Test cache miss
	if _, found := cache.GetPrice(symbol); found {
		t.Error("Expected cache miss, but found price")
	}

	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	cache.SetPrice(models.MarketEvent{Symbol: symbol, Price: decimal.NewFromFloat(61.25), Timestamp: ts})

	// Test cache hit
	ev, found := cache.GetPrice(symbol)
	if !found {
		t.Fatal("Expected cache hit, but got miss")
	}
	if !ev.Price.Equal(decimal.NewFromFloat(61.25)) {
		t.Errorf("Expected price=61.25, got %s", ev.Price)
	}

	seen, ok := cache.LastSeen(symbol)
	if !ok || !seen.Equal(ts) {
		t.Errorf("Expected LastSeen=%v, got %v", ts, seen)
	}
}

func TestPriceExpiry(t *testing.T) {
	cache := NewCache(50 * time.Millisecond)
	cache.SetPrice(models.MarketEvent{Symbol: "PEP", Price: decimal.NewFromInt(170), Timestamp: time.Now()})

	time.Sleep(120 * time.Millisecond)

	if _, found := cache.GetPrice("PEP"); found {
		t.Error("Expected stale price to expire")
	}
	if _, ok := cache.LastSeen("PEP"); !ok {
		t.Error("Expected LastSeen to survive price expiry")
	}
}

func TestPrices(t *testing.T) {
	cache := NewCache(1 * time.Second)
	cache.SetPrice(models.MarketEvent{Symbol: "KO", Price: decimal.NewFromInt(61)})

	prices, missing := cache.Prices([]string{"KO", "PEP"})
	if len(prices) != 1 {
		t.Errorf("Expected 1 price, got %d", len(prices))
	}
	if len(missing) != 1 || missing[0] != "PEP" {
		t.Errorf("Expected missing=[PEP], got %v", missing)
	}
}

func TestClearAndStats(t *testing.T) {
	cache := NewCache(1 * time.Second)

	// Initially empty
	stats := cache.GetStats()
	if stats.PriceCount != 0 || stats.SeenCount != 0 {
		t.Error("Expected empty cache stats")
	}

	cache.SetPrice(models.MarketEvent{Symbol: "KO"})
	cache.SetPrice(models.MarketEvent{Symbol: "PEP"})

	stats = cache.GetStats()
	if stats.PriceCount != 2 {
		t.Errorf("Expected 2 prices, got %d", stats.PriceCount)
	}

	// Clear cache
	cache.Clear()

	if _, found := cache.GetPrice("KO"); found {
		t.Error("Data should be cleared after Clear()")
	}
}
