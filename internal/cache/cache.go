package cache

import (
	"time"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	gocache "github.com/patrickmn/go-cache"
)

// Cache keeps the latest market event per symbol. Entries expire after the
// staleness bound, so a miss means "no fresh price" rather than "never seen".
type Cache struct {
	prices *gocache.Cache
	last   *gocache.Cache
	ttl    time.Duration
}

// NewCache creates a new cache instance
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		prices: gocache.New(ttl, ttl*2),
		last:   gocache.New(gocache.NoExpiration, 0), // last-seen times never expire
		ttl:    ttl,
	}
}

// SetPrice records ev as the freshest price for its symbol
func (c *Cache) SetPrice(ev models.MarketEvent) {
	c.prices.Set(ev.Symbol, ev, c.ttl)
	c.last.Set(ev.Symbol, ev.Timestamp, gocache.NoExpiration)
}

// GetPrice returns the cached price if it has not gone stale
func (c *Cache) GetPrice(symbol string) (models.MarketEvent, bool) {
	if val, found := c.prices.Get(symbol); found {
		if ev, ok := val.(models.MarketEvent); ok {
			return ev, true
		}
	}
	return models.MarketEvent{}, false
}

// Prices returns fresh prices for symbols and the symbols that had none
func (c *Cache) Prices(symbols []string) (map[string]models.MarketEvent, []string) {
	out := make(map[string]models.MarketEvent, len(symbols))
	var missing []string
	for _, sym := range symbols {
		if ev, ok := c.GetPrice(sym); ok {
			out[sym] = ev
		} else {
			missing = append(missing, sym)
		}
	}
	return out, missing
}

// LastSeen returns the timestamp of the latest event ever cached for symbol
func (c *Cache) LastSeen(symbol string) (time.Time, bool) {
	if val, found := c.last.Get(symbol); found {
		if ts, ok := val.(time.Time); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Clear removes all cached data
func (c *Cache) Clear() {
	c.prices.Flush()
	c.last.Flush()
}

// Stats returns cache statistics
type Stats struct {
	PriceCount int
	SeenCount  int
}

// GetStats returns current cache statistics
func (c *Cache) GetStats() Stats {
	return Stats{
		PriceCount: c.prices.ItemCount(),
		SeenCount:  c.last.ItemCount(),
	}
}
