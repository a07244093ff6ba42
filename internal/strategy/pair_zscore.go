package strategy

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/dliu42/algorithmic-trading-bot/internal/models"
	"github.com/dliu42/algorithmic-trading-bot/internal/stats"
)

// PairZScoreName is the registry key of PairZScore
const PairZScoreName = "pair_zscore"

func init() {
	Register(PairZScoreName, func(pair models.PairDefinition, params Params) (Strategy, error) {
		return NewPairZScore(pair, params.Notional)
	})
}

// PairZScore trades mean reversion of the pair spread:
//
//	flat and z >= entry        -> EnterShort (sell A, buy B)
//	flat and z <= -entry       -> EnterLong  (buy A, sell B)
//	positioned and |z| <= exit -> ExitToFlat
//
// After an exit, a new entry needs a z-score outside the exit band on an
// earlier evaluation, so a spread hovering at the boundary cannot re-trigger.
type PairZScore struct {
	pair     models.PairDefinition
	notional NotionalSource

	armed     bool
	lastExitZ float64
	exited    bool
}

// NewPairZScore creates the strategy for one pair
func NewPairZScore(pair models.PairDefinition, notional NotionalSource) (*PairZScore, error) {
	if pair.EntryThreshold <= pair.ExitThreshold {
		return nil, errors.New("entry threshold must exceed exit threshold")
	}
	if notional == nil {
		notional = FixedNotional(decimal.Zero)
	}
	return &PairZScore{pair: pair, notional: notional, armed: true}, nil
}

// Name implements Strategy
func (s *PairZScore) Name() string { return PairZScoreName }

// Pair implements Strategy
func (s *PairZScore) Pair() models.PairDefinition { return s.pair }

// LastExitZ returns the z-score of the most recent exit signal
func (s *PairZScore) LastExitZ() (float64, bool) {
	return s.lastExitZ, s.exited
}

// Armed reports whether an entry may fire on the next evaluation
func (s *PairZScore) Armed() bool { return s.armed }

// Evaluate implements Strategy
func (s *PairZScore) Evaluate(state stats.PairState, position models.PairPosition) models.TradeSignal {
	signal := models.TradeSignal{
		Pair:        s.pair,
		Direction:   models.Hold,
		ZScore:      state.ZScore,
		GeneratedAt: state.UpdatedAt,
	}
	if !state.HasZScore {
		return signal
	}

	z := state.ZScore
	outsideBand := math.Abs(z) > s.pair.ExitThreshold

	switch position {
	case models.PairFlat:
		if s.armed {
			switch {
			case z >= s.pair.EntryThreshold:
				signal.Direction = models.EnterShort
			case z <= -s.pair.EntryThreshold:
				signal.Direction = models.EnterLong
			}
			if signal.Direction.IsEntry() {
				signal.TargetNotional = s.notional.TargetNotional()
			}
		}
		if outsideBand {
			s.armed = true
		}
	default:
		if !outsideBand {
			signal.Direction = models.ExitToFlat
			s.lastExitZ = z
			s.exited = true
			s.armed = false
		}
	}
	return signal
}
