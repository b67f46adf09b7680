// Package generator drives the per-symbol signal generation loop: fetch,
// fuse, gate, persist, distribute, on a fixed tick.
package generator

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/signalfuse/signalfuse/internal/cache"
	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/consensus"
	"github.com/signalfuse/signalfuse/internal/events"
	"github.com/signalfuse/signalfuse/internal/regime"
	"github.com/signalfuse/signalfuse/internal/signal"
	"github.com/signalfuse/signalfuse/internal/sources"
)

// priceWindowExtra bounds the per-symbol price window beyond the long MA.
const priceWindowExtra = 10

// Appender is the ledger write path.
type Appender interface {
	Append(ctx context.Context, s *signal.Signal) (*signal.Signal, error)
}

// Sink receives persisted signals for fan-out.
type Sink interface {
	Distribute(ctx context.Context, s *signal.Signal)
}

// Calendar answers market-open checks for the adaptive cache TTL.
type Calendar interface {
	IsOpen(symbol string, at time.Time) bool
}

// symbolState is the per-symbol rolling state. Owned by the single cycle
// worker currently processing the symbol; the generator mutex only guards
// map access and the busy flag.
type symbolState struct {
	busy            bool
	lastPrice       float64
	vol             volTracker
	window          []float64
	lastGeneratedAt time.Time
	lastSignalAt    time.Time
	cycleErrors     int64
	emitted         int64
}

// Generator schedules per-symbol generation cycles on a fixed tick.
type Generator struct {
	cfg      config.GeneratorConfig
	registry *sources.Registry
	cache    *cache.SignalCache
	regimes  *regime.Detector
	engine   *consensus.Engine
	ledger   Appender
	sink     Sink
	bus      *events.Bus
	enricher Enricher
	calendar Calendar
	log      zerolog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	state   map[string]*symbolState
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New wires the generator. The enricher and bus may be nil.
func New(cfg config.GeneratorConfig, registry *sources.Registry, sc *cache.SignalCache, rd *regime.Detector, engine *consensus.Engine, ledger Appender, sink Sink, bus *events.Bus, enricher Enricher, calendar Calendar, log zerolog.Logger) *Generator {
	g := &Generator{
		cfg:      cfg,
		registry: registry,
		cache:    sc,
		regimes:  rd,
		engine:   engine,
		ledger:   ledger,
		sink:     sink,
		bus:      bus,
		enricher: enricher,
		calendar: calendar,
		log:      log.With().Str("component", "generator").Logger(),
		sem:      semaphore.NewWeighted(int64(cfg.Workers())),
		state:    make(map[string]*symbolState, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		g.state[sym] = &symbolState{}
	}
	return g
}

// Start launches the scheduler and the compaction loop. Idempotent while
// running.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.running = true
	g.cancel = cancel
	g.done = make(chan struct{})
	g.mu.Unlock()

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.runScheduler(runCtx)
	}()
	go func() {
		defer g.wg.Done()
		g.runCompaction(runCtx)
	}()
	go func() {
		g.wg.Wait()
		close(g.done)
	}()

	g.log.Info().
		Strs("symbols", g.cfg.Symbols).
		Dur("tick", g.cfg.TickInterval()).
		Int("fan_out", g.cfg.Workers()).
		Msg("Generator started")
}

// Stop cancels the scheduler and waits for in-flight cycles up to the grace
// deadline. Idempotent.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	cancel()
	select {
	case <-done:
		g.log.Info().Msg("Generator stopped")
	case <-time.After(g.cfg.StopGrace()):
		g.log.Warn().Dur("grace", g.cfg.StopGrace()).Msg("Generator stop grace deadline exceeded")
	}
}

// SymbolStatus is the per-symbol slice of Status.
type SymbolStatus struct {
	Symbol        string    `json:"symbol"`
	LastPrice     float64   `json:"last_price"`
	VolatilityPct float64   `json:"volatility_pct"`
	LastSignalAt  time.Time `json:"last_signal_at,omitempty"`
	Emitted       int64     `json:"emitted"`
	CycleErrors   int64     `json:"cycle_errors"`
}

// Status reports the scheduler state for the ops API.
type Status struct {
	Running bool           `json:"running"`
	Symbols []SymbolStatus `json:"symbols"`
}

// Status returns a point-in-time snapshot.
func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Running: g.running}
	for _, sym := range g.cfg.Symbols {
		s := g.state[sym]
		st.Symbols = append(st.Symbols, SymbolStatus{
			Symbol:        sym,
			LastPrice:     s.lastPrice,
			VolatilityPct: s.vol.sigmaPct(),
			LastSignalAt:  s.lastSignalAt,
			Emitted:       s.emitted,
			CycleErrors:   s.cycleErrors,
		})
	}
	return st
}

func (g *Generator) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

// tick launches one cycle per symbol under the bounded fan-out. A symbol
// whose previous cycle is still running is skipped; ticks never overlap for
// the same symbol.
func (g *Generator) tick(ctx context.Context) {
	for _, sym := range g.cfg.Symbols {
		g.mu.Lock()
		st := g.state[sym]
		if st.busy {
			g.mu.Unlock()
			g.log.Debug().Str("symbol", sym).Msg("Skipping tick, previous cycle still running")
			continue
		}
		st.busy = true
		g.mu.Unlock()

		sym := sym
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer func() {
				g.mu.Lock()
				st.busy = false
				g.mu.Unlock()
			}()
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer g.sem.Release(1)
			g.runCycle(ctx, sym, st)
		}()
	}
}

// runCompaction trims caches back to their bounds on a fixed cadence and
// nudges the collector.
func (g *Generator) runCompaction(ctx context.Context) {
	interval := time.Duration(g.cfg.CompactionIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := g.cache.Trim()
			runtime.GC()
			if evicted > 0 {
				g.log.Debug().Int("evicted", evicted).Msg("Cache compaction")
			}
		}
	}
}

// consensusFromCache wraps the engine with the consensus cache: quantized
// identical inputs reuse the previous fusion.
func (g *Generator) consensusFromCache(ctx context.Context, symbol string, inputs map[string]signal.SourceSignal, reg signal.Regime, ttl time.Duration) (signal.Consensus, bool) {
	key := cache.ConsensusKey(symbol, inputs)
	if cons, ok := g.cache.GetConsensus(ctx, key); ok && cons.Regime == reg {
		return cons, true
	}
	cons := g.engine.Fuse(symbol, inputs, reg)
	g.cache.PutConsensus(ctx, key, cons, ttl)
	return cons, false
}

// marketState feeds the adaptive TTL policy.
func (g *Generator) marketState(symbol string, st *symbolState) cache.MarketState {
	open := g.cfg.TwentyFourSeven
	if !open && g.calendar != nil {
		open = g.calendar.IsOpen(symbol, time.Now().UTC())
	}
	return cache.MarketState{Open: open, VolatilityPct: st.vol.sigmaPct()}
}

// pushPrice appends to the bounded regime price window.
func (st *symbolState) pushPrice(price float64, maxLen int) {
	if price <= 0 {
		return
	}
	st.window = append(st.window, price)
	if len(st.window) > maxLen {
		st.window = st.window[len(st.window)-maxLen:]
	}
}
