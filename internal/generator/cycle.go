package generator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalfuse/signalfuse/internal/cache"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// runCycle executes one generation cycle for a symbol. Errors never escape:
// a failed cycle is counted and the tick moves on.
func (g *Generator) runCycle(ctx context.Context, symbol string, st *symbolState) {
	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, g.cfg.HardDeadline())
	defer cancel()
	defer func() {
		elapsed := time.Since(start)
		metrics.CycleDuration.Observe(elapsed.Seconds())
		if elapsed > g.cfg.SoftBudget() {
			g.log.Warn().
				Str("symbol", symbol).
				Dur("elapsed", elapsed).
				Dur("soft_budget", g.cfg.SoftBudget()).
				Msg("Cycle exceeded soft budget")
		}
	}()

	state := g.marketState(symbol, st)
	ttl := g.cache.TTL(state)

	inputs := g.fetchSources(cycleCtx, symbol, ttl)
	if cycleCtx.Err() != nil {
		// Hard deadline hit; partial fetches are discarded.
		g.abort(symbol, st, metrics.AbortDeadline)
		return
	}

	inputs = g.filterStale(symbol, inputs)
	if len(inputs) == 0 {
		g.abort(symbol, st, metrics.AbortNoSources)
		return
	}

	price := pickPrice(inputs, st.lastPrice)
	if price <= 0 {
		g.abort(symbol, st, metrics.AbortNoSources)
		return
	}

	// Small price moves with a cached consensus skip the full fusion path.
	cachedOK := st.lastPrice > 0 &&
		math.Abs(price-st.lastPrice)/st.lastPrice*100 < g.cfg.PriceChangeThresholdPct

	reg := g.regimes.Classify(symbol, append(st.window, price))

	cons, fromCache := g.consensusFromCache(cycleCtx, symbol, inputs, reg, ttl)
	if fromCache && cachedOK {
		metrics.CyclesTotal.WithLabelValues("cached").Inc()
	}

	if cons.Direction == signal.DirectionNeutral {
		g.abortQuiet(symbol, st, metrics.AbortNeutral)
		g.updateState(st, price, time.Time{})
		return
	}
	if cons.Confidence < g.cfg.MinConfidenceThreshold {
		g.abortQuiet(symbol, st, metrics.AbortLowConfidence)
		g.updateState(st, price, time.Time{})
		return
	}

	s, err := g.buildSignal(cycleCtx, symbol, price, cons, st)
	if err != nil {
		g.log.Warn().Err(err).Str("symbol", symbol).Msg("Signal failed validation")
		g.abort(symbol, st, metrics.AbortLowConfidence)
		return
	}

	persisted, err := g.ledger.Append(cycleCtx, s)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("Ledger append failed, nothing distributed")
		g.abort(symbol, st, metrics.AbortLedger)
		return
	}

	metrics.CyclesTotal.WithLabelValues("emitted").Inc()
	g.bus.SignalEmitted(cycleCtx, persisted)
	// Distribution failures are the queue machinery's problem from here on;
	// the signal exists.
	g.sink.Distribute(ctx, persisted)

	g.updateState(st, price, persisted.GeneratedAt)
	g.mu.Lock()
	st.emitted++
	st.lastSignalAt = persisted.GeneratedAt
	g.mu.Unlock()
}

// fetchSources serves each source from cache when possible and fans the
// remainder out concurrently under the fetch budget.
func (g *Generator) fetchSources(ctx context.Context, symbol string, ttl time.Duration) map[string]signal.SourceSignal {
	fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchBudget())
	defer cancel()

	ids := g.registry.IDs()
	now := time.Now()

	out := make(map[string]signal.SourceSignal, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		key := cache.SourceKey(id, symbol, ttl, now)
		if ss, ok := g.cache.GetSourceSignal(ctx, key); ok {
			// Fetch goroutines from earlier iterations may already be
			// writing; hits take the lock too.
			mu.Lock()
			out[id] = ss
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id, key string) {
			defer wg.Done()
			ss, err := g.registry.Fetch(fetchCtx, id, symbol)
			if err != nil {
				return
			}
			g.cache.PutSourceSignal(ctx, key, ss, ttl)
			mu.Lock()
			out[id] = ss
			mu.Unlock()
		}(id, key)
	}
	wg.Wait()
	return out
}

// filterStale drops inputs older than the staleness cutoff. A zero as-of is
// accepted; the boundary itself is inclusive.
func (g *Generator) filterStale(symbol string, inputs map[string]signal.SourceSignal) map[string]signal.SourceSignal {
	cutoff := time.Now().Add(-g.cfg.MaxStaleness())
	out := make(map[string]signal.SourceSignal, len(inputs))
	for id, ss := range inputs {
		if !ss.AsOf.IsZero() && ss.AsOf.Before(cutoff) {
			g.log.Debug().
				Str("symbol", symbol).
				Str("source_id", id).
				Time("as_of", ss.AsOf).
				Msg("Dropping stale source signal")
			continue
		}
		out[id] = ss
	}
	return out
}

// pickPrice takes the first reported price in sorted source order, falling
// back to the last known price.
func pickPrice(inputs map[string]signal.SourceSignal, last float64) float64 {
	best := ""
	price := 0.0
	for id, ss := range inputs {
		if ss.Price <= 0 {
			continue
		}
		if best == "" || id < best {
			best = id
			price = ss.Price
		}
	}
	if price > 0 {
		return price
	}
	return last
}

// buildSignal assembles the persisted record from a gated consensus.
func (g *Generator) buildSignal(ctx context.Context, symbol string, price float64, cons signal.Consensus, st *symbolState) (*signal.Signal, error) {
	action, err := signal.ActionForDirection(cons.Direction)
	if err != nil {
		return nil, err
	}

	// generated_at is strictly monotonic per symbol.
	now := time.Now().UTC()
	if !now.After(st.lastGeneratedAt) {
		now = st.lastGeneratedAt.Add(time.Nanosecond)
	}

	rationale := buildRationale(cons)
	if g.enricher != nil {
		if extra, err := g.enricher.Enrich(ctx, cons); err == nil && extra != "" {
			rationale += " " + extra
		}
	}

	s := &signal.Signal{
		SignalID:           uuid.New(),
		Symbol:             symbol,
		Action:             action,
		EntryPrice:         price,
		Confidence:         cons.Confidence,
		Rationale:          rationale,
		GeneratedAt:        now,
		Regime:             cons.Regime,
		SourceWeights:      cons.SourceWeights,
		RetentionExpiresAt: now.Add(g.cfg.Retention()),
	}
	if g.cfg.StopLossPct > 0 {
		if action == signal.ActionBuy {
			s.StopPrice = price * (1 - g.cfg.StopLossPct/100)
		} else {
			s.StopPrice = price * (1 + g.cfg.StopLossPct/100)
		}
	}
	if g.cfg.TakeProfitPct > 0 {
		if action == signal.ActionBuy {
			s.TargetPrice = price * (1 + g.cfg.TakeProfitPct/100)
		} else {
			s.TargetPrice = price * (1 - g.cfg.TakeProfitPct/100)
		}
	}

	if err := s.Validate(g.cfg.MinConfidenceThreshold); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Generator) updateState(st *symbolState, price float64, generatedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st.vol.observe(price)
	st.lastPrice = price
	st.pushPrice(price, g.windowLen())
	if !generatedAt.IsZero() {
		st.lastGeneratedAt = generatedAt
	}
}

func (g *Generator) windowLen() int {
	return g.regimes.WindowLen() + priceWindowExtra
}

// abort counts a failed cycle.
func (g *Generator) abort(symbol string, st *symbolState, reason string) {
	metrics.CyclesTotal.WithLabelValues("aborted").Inc()
	metrics.CycleAborts.WithLabelValues(reason).Inc()
	g.mu.Lock()
	st.cycleErrors++
	g.mu.Unlock()
	g.log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("Cycle aborted")
}

// abortQuiet counts a gated (not errored) cycle: neutral consensus or
// sub-threshold confidence are normal outcomes.
func (g *Generator) abortQuiet(symbol string, st *symbolState, reason string) {
	metrics.CyclesTotal.WithLabelValues("aborted").Inc()
	metrics.CycleAborts.WithLabelValues(reason).Inc()
	g.log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("No signal this cycle")
}
