// Package consensus fuses per-source signals into one directional view.
// The computation is deterministic: for a fixed input set, regime and
// config the output is bit-identical across runs.
package consensus

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/signal"
	"github.com/signalfuse/signalfuse/internal/sources"
)

// regimeFactors reweights source kinds per regime. Trend regimes favor
// momentum, range-bound favors mean reversion, high volatility discounts
// sentiment and favors order flow.
var regimeFactors = map[signal.Regime]map[sources.Kind]float64{
	signal.RegimeTrendingUp: {
		sources.KindMomentum:      1.3,
		sources.KindMeanReversion: 0.7,
	},
	signal.RegimeTrendingDown: {
		sources.KindMomentum:      1.3,
		sources.KindMeanReversion: 0.7,
	},
	signal.RegimeRangeBound: {
		sources.KindMomentum:      0.7,
		sources.KindMeanReversion: 1.3,
	},
	signal.RegimeHighVolatility: {
		sources.KindSentiment: 0.7,
		sources.KindOrderFlow: 1.2,
	},
}

// Engine computes weighted consensus over source signals.
type Engine struct {
	cfg     config.ConsensusConfig
	weights map[string]float64      // base weight per source id
	kinds   map[string]sources.Kind // kind per source id
	log     zerolog.Logger
}

// NewEngine creates a consensus engine. Base weights need not sum to one;
// they are normalized internally.
func NewEngine(cfg config.ConsensusConfig, weights map[string]float64, kinds map[string]sources.Kind, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		weights: weights,
		kinds:   kinds,
		log:     log.With().Str("component", "consensus").Logger(),
	}
}

// Fuse produces the consensus for one symbol under the given regime.
// Sources below the confidence floor or reading NEUTRAL are dropped before
// weighting. A zero or sub-floor score yields a NEUTRAL consensus.
func (e *Engine) Fuse(symbol string, inputs map[string]signal.SourceSignal, regime signal.Regime) signal.Consensus {
	// Sorted iteration keeps float accumulation order fixed.
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	surviving := make([]string, 0, len(ids))
	for _, id := range ids {
		ss := inputs[id]
		if ss.Direction == signal.DirectionNeutral || ss.Confidence < e.cfg.MinSourceConfidence {
			continue
		}
		surviving = append(surviving, id)
	}

	if len(surviving) == 0 {
		return e.neutral(symbol, regime)
	}

	factors := regimeFactors[regime]

	// Regime-adjusted weights, renormalized across the survivors.
	weights := make(map[string]float64, len(surviving))
	total := 0.0
	for _, id := range surviving {
		w := e.weights[id]
		if w <= 0 {
			w = 1
		}
		if f, ok := factors[e.kinds[id]]; ok {
			w *= f
		}
		weights[id] = w
		total += w
	}
	for _, id := range surviving {
		weights[id] /= total
	}

	score := 0.0
	allAgree := true
	first := inputs[surviving[0]].Direction
	for _, id := range surviving {
		ss := inputs[id]
		score += weights[id] * ss.Direction.Sign() * ss.Confidence / 100
		if ss.Direction != first {
			allAgree = false
		}
	}

	if math.Abs(score) < e.cfg.AgreementFloor || score == 0 {
		e.log.Debug().
			Str("symbol", symbol).
			Float64("score", score).
			Int("sources", len(surviving)).
			Msg("Consensus below agreement floor")
		return e.neutral(symbol, regime)
	}

	direction := signal.DirectionLong
	if score < 0 {
		direction = signal.DirectionShort
	}

	confidence := math.Abs(score) * 100
	if allAgree {
		confidence *= 1 + e.cfg.AgreementBonus
	}
	if confidence > 100 {
		confidence = 100
	}

	return signal.Consensus{
		Symbol:              symbol,
		Direction:           direction,
		Confidence:          confidence,
		Regime:              regime,
		SourceWeights:       weights,
		ContributingSources: surviving,
	}
}

func (e *Engine) neutral(symbol string, regime signal.Regime) signal.Consensus {
	return signal.Consensus{
		Symbol:    symbol,
		Direction: signal.DirectionNeutral,
		Regime:    regime,
	}
}
