// Package stats maintains rolling spread statistics and z-scores per pair.
package stats

import (
	"sync"
	"time"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
)

// DefaultEpsilon is the standard deviation below which no z-score is reported
const DefaultEpsilon = 1e-9

// Status of a pair's statistics
type Status string

const (
	Warming Status = "warming"
	Ready   Status = "ready"
)

// PairState is a read-only view of one pair's statistics
type PairState struct {
	Pair      models.PairDefinition
	Status    Status
	Suspended bool // data gap; status reads Warming until fresh data
	Size      int
	Spread    float64
	Mean      float64
	Variance  float64
	StdDev    float64
	ZScore    float64
	HasZScore bool
	UpdatedAt time.Time
}

type legPrice struct {
	price float64
	at    time.Time
	seen  bool
}

type pairTracker struct {
	def       models.PairDefinition
	window    *Window
	a, b      legPrice
	z         float64
	hasZ      bool
	suspended bool
	updatedAt time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithEpsilon sets the standard deviation floor
func WithEpsilon(eps float64) Option {
	return func(t *Tracker) { t.epsilon = eps }
}

// WithStaleAfter sets how old a leg's last price may get before the pair is
// suspended by CheckGaps; zero disables gap detection.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) { t.staleAfter = d }
}

// Tracker owns the PairState of every configured pair
type Tracker struct {
	mu         sync.RWMutex
	pairs      map[string]*pairTracker
	order      []string
	bySymbol   map[string][]string
	epsilon    float64
	staleAfter time.Duration
}

// NewTracker creates a tracker for pairs
func NewTracker(pairs []models.PairDefinition, opts ...Option) *Tracker {
	t := &Tracker{
		pairs:    make(map[string]*pairTracker, len(pairs)),
		bySymbol: make(map[string][]string),
		epsilon:  DefaultEpsilon,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, p := range pairs {
		id := p.ID()
		if _, dup := t.pairs[id]; dup {
			continue
		}
		t.pairs[id] = &pairTracker{def: p, window: NewWindow(p.LookbackWindow)}
		t.order = append(t.order, id)
		t.bySymbol[p.SymbolA] = append(t.bySymbol[p.SymbolA], id)
		t.bySymbol[p.SymbolB] = append(t.bySymbol[p.SymbolB], id)
	}
	return t
}

// Observe applies a price to every pair containing ev.Symbol and returns the
// ids of pairs for which a new spread was recorded.
func (t *Tracker) Observe(ev models.MarketEvent) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	price := ev.Price.InexactFloat64()
	var updated []string
	for _, id := range t.bySymbol[ev.Symbol] {
		pt := t.pairs[id]
		obs := legPrice{price: price, at: ev.Timestamp, seen: true}
		if ev.Symbol == pt.def.SymbolA {
			pt.a = obs
		} else {
			pt.b = obs
		}
		if !pt.a.seen || !pt.b.seen {
			continue
		}
		if pt.suspended {
			if !t.bothFresh(pt, ev.Timestamp) {
				continue
			}
			pt.suspended = false
		}

		spread := pt.a.price - pt.def.HedgeRatio*pt.b.price
		pt.window.Push(spread)
		pt.updatedAt = ev.Timestamp
		pt.z, pt.hasZ = t.zScore(pt.window, spread)
		updated = append(updated, id)
	}
	return updated
}

func (t *Tracker) zScore(w *Window, spread float64) (float64, bool) {
	if !w.Full() {
		return 0, false
	}
	sd := w.StdDev()
	if sd < t.epsilon {
		return 0, false
	}
	return (spread - w.Mean()) / sd, true
}

func (t *Tracker) bothFresh(pt *pairTracker, now time.Time) bool {
	if t.staleAfter <= 0 {
		return true
	}
	return now.Sub(pt.a.at) <= t.staleAfter && now.Sub(pt.b.at) <= t.staleAfter
}

// CheckGaps suspends pairs with a leg whose last price is older than the
// staleness bound. Only newly suspended pairs are reported.
func (t *Tracker) CheckGaps(now time.Time) []models.DataGapWarning {
	if t.staleAfter <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var gaps []models.DataGapWarning
	for _, id := range t.order {
		pt := t.pairs[id]
		if pt.suspended {
			continue
		}
		for _, leg := range []struct {
			symbol string
			p      legPrice
		}{{pt.def.SymbolA, pt.a}, {pt.def.SymbolB, pt.b}} {
			if leg.p.seen && now.Sub(leg.p.at) > t.staleAfter {
				pt.suspended = true
				gaps = append(gaps, models.DataGapWarning{PairID: id, Symbol: leg.symbol, Since: leg.p.at})
				break
			}
		}
	}
	return gaps
}

// CurrentZScore returns the latest z-score, or false while warming, suspended
// or when the spread has no dispersion.
func (t *Tracker) CurrentZScore(pairID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pt, ok := t.pairs[pairID]
	if !ok || pt.suspended || !pt.hasZ {
		return 0, false
	}
	return pt.z, true
}

// State returns a snapshot of the pair's statistics
func (t *Tracker) State(pairID string) (PairState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pt, ok := t.pairs[pairID]
	if !ok {
		return PairState{}, false
	}

	st := PairState{
		Pair:      pt.def,
		Status:    Warming,
		Suspended: pt.suspended,
		Size:      pt.window.Len(),
		Mean:      pt.window.Mean(),
		Variance:  pt.window.Variance(),
		StdDev:    pt.window.StdDev(),
		ZScore:    pt.z,
		HasZScore: pt.hasZ && !pt.suspended,
		UpdatedAt: pt.updatedAt,
	}
	st.Spread, _ = pt.window.Latest()
	if pt.window.Full() && !pt.suspended {
		st.Status = Ready
	}
	return st, true
}

// Pairs returns the tracked pair definitions in configuration order
func (t *Tracker) Pairs() []models.PairDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.PairDefinition, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.pairs[id].def)
	}
	return out
}
