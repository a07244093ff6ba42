package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/internal/stats"
)

// Strategy decides a direction and notional for one pair. Implementations do
// not place orders.
type Strategy interface {
	Name() string
	Pair() models.PairDefinition
	Evaluate(state stats.PairState, position models.PairPosition) models.TradeSignal
}

// NotionalSource supplies the desired per-leg notional for new entries
type NotionalSource interface {
	TargetNotional() decimal.Decimal
}

// FixedNotional is a constant NotionalSource
type FixedNotional decimal.Decimal

// TargetNotional implements NotionalSource
func (f FixedNotional) TargetNotional() decimal.Decimal {
	return decimal.Decimal(f)
}

// Params are shared construction inputs for strategies
type Params struct {
	Notional NotionalSource
}

// Factory builds a strategy instance for one pair
type Factory func(pair models.PairDefinition, params Params) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a strategy available by name
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, namesLocked())
	}
	return f, nil
}

// Names lists registered strategies
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
