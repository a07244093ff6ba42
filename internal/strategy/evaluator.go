package strategy

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dliu42/algorithmic-trading-bot/internal/logging"
	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/internal/stats"
)

// PositionView reports the spread position a strategy should act on
type PositionView interface {
	PairPosition(pair models.PairDefinition) models.PairPosition
}

// Evaluator holds one strategy instance per pair and dispatches by pair id
type Evaluator struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	order      []string
	positions  PositionView
	sink       logging.Sink
	logger     *zap.Logger
}

// NewEvaluator builds an instance of the named strategy for every pair.
// An unknown strategy name is a configuration error.
func NewEvaluator(name string, pairs []models.PairDefinition, params Params, positions PositionView, sink logging.Sink, logger *zap.Logger) (*Evaluator, error) {
	factory, err := Lookup(name)
	if err != nil {
		return nil, &models.FatalConfigError{Err: err}
	}

	e := &Evaluator{
		strategies: make(map[string]Strategy, len(pairs)),
		positions:  positions,
		sink:       sink,
		logger:     logger.With(zap.String("component", "signal_evaluator")),
	}
	for _, p := range pairs {
		s, err := factory(p, params)
		if err != nil {
			return nil, &models.FatalConfigError{Err: err}
		}
		e.strategies[p.ID()] = s
		e.order = append(e.order, p.ID())
	}

	e.logger.Info("strategies initialized", zap.String("strategy", name), zap.Strings("pairs", e.order))
	return e, nil
}

// Evaluate runs the pair's strategy against its latest statistics. Non-hold
// signals are emitted as signal_generated events.
func (e *Evaluator) Evaluate(state stats.PairState) models.TradeSignal {
	e.mu.RLock()
	s, ok := e.strategies[state.Pair.ID()]
	e.mu.RUnlock()
	if !ok {
		return models.TradeSignal{Pair: state.Pair, Direction: models.Hold, GeneratedAt: state.UpdatedAt}
	}

	position := e.positions.PairPosition(state.Pair)
	signal := s.Evaluate(state, position)

	if signal.Direction == models.Hold {
		e.logger.Debug("hold",
			zap.String("pair", state.Pair.ID()),
			zap.Float64("z", state.ZScore),
			zap.Bool("has_z", state.HasZScore),
			zap.String("position", string(position)))
		return signal
	}

	e.sink.Emit(zapcore.InfoLevel, logging.NewEvent(logging.EventSignal,
		zap.String("pair", state.Pair.ID()),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("z", signal.ZScore),
		zap.Float64("spread", state.Spread),
		zap.Float64("mean", state.Mean),
		zap.Float64("std", state.StdDev),
		zap.String("position", string(position)),
		zap.String("notional", signal.TargetNotional.StringFixed(2)),
		zap.Time("generated_at", signal.GeneratedAt),
	))
	return signal
}

// Remove drops a pair; later evaluations for it return Hold
func (e *Evaluator) Remove(pairID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.strategies, pairID)
}

// Strategy returns the instance for pairID
func (e *Evaluator) Strategy(pairID string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[pairID]
	return s, ok
}

// Pairs returns the ids of pairs still being evaluated
func (e *Evaluator) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.strategies))
	for _, id := range e.order {
		if _, ok := e.strategies[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
