package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfuse/signalfuse/internal/cache"
	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/consensus"
	"github.com/signalfuse/signalfuse/internal/regime"
	"github.com/signalfuse/signalfuse/internal/signal"
	"github.com/signalfuse/signalfuse/internal/sources"
)

type fakeAppender struct {
	mu       sync.Mutex
	appended []*signal.Signal
	err      error
	next     int64
}

func (f *fakeAppender) Append(ctx context.Context, s *signal.Signal) (*signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	s.ChainIndex = f.next
	f.appended = append(f.appended, s)
	return s, nil
}

func (f *fakeAppender) all() []*signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*signal.Signal, len(f.appended))
	copy(out, f.appended)
	return out
}

type fakeSink struct {
	mu          sync.Mutex
	distributed []*signal.Signal
}

func (f *fakeSink) Distribute(ctx context.Context, s *signal.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributed = append(f.distributed, s)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.distributed)
}

func generatorConfig() config.GeneratorConfig {
	return config.GeneratorConfig{
		Symbols:                 []string{"BTC-USD"},
		TickIntervalSeconds:     1,
		MinConfidenceThreshold:  75,
		MaxStalenessSeconds:     600,
		PriceChangeThresholdPct: 0.1,
		SoftBudgetMs: config.BudgetConfig{
			SignalGeneration: 2000,
			DataSourceFetch:  1000,
		},
		StopGraceSeconds: 5,
		RetentionSeconds: 3600,
		StopLossPct:      2,
		TakeProfitPct:    5,
		TwentyFourSeven:  true,
	}
}

type testHarness struct {
	gen      *Generator
	registry *sources.Registry
	appender *fakeAppender
	sink     *fakeSink
	srcs     map[string]*sources.MockSource
}

func newHarness(t *testing.T, cfg config.GeneratorConfig, sourceIDs ...string) *testHarness {
	t.Helper()
	registry := sources.NewRegistry(zerolog.Nop())
	srcs := make(map[string]*sources.MockSource, len(sourceIDs))
	weight := 1.0 / float64(len(sourceIDs))
	for _, id := range sourceIDs {
		src := sources.NewMockSource(id)
		srcs[id] = src
		registry.Register(src, config.SourceConfig{
			ID:                     id,
			Kind:                   "momentum",
			Weight:                 weight,
			CircuitFailThreshold:   5,
			CircuitCooldownSeconds: 30,
			FetchTimeoutSeconds:    1,
		})
	}

	sc := cache.New(config.CacheConfig{
		LocalMaxEntries:  256,
		TTLMarketClosed:  300,
		TTLLowVol:        30,
		TTLNormal:        10,
		TTLHighVol:       3,
		LowVolThreshold:  1,
		HighVolThreshold: 3,
	}, nil, zerolog.Nop())

	rd := regime.NewDetector(config.RegimeConfig{
		ShortMA:             3,
		LongMA:              5,
		HighVolThresholdPct: 3,
		TrendEpsilonPct:     0.2,
		CacheTTLSeconds:     300,
		CacheMaxEntries:     100,
	}, zerolog.Nop())

	engine := consensus.NewEngine(config.ConsensusConfig{
		AgreementFloor:      0.15,
		AgreementBonus:      0.10,
		MinSourceConfidence: 50,
	}, registry.Weights(), registry.Kinds(), zerolog.Nop())

	appender := &fakeAppender{}
	sink := &fakeSink{}
	gen := New(cfg, registry, sc, rd, engine, appender, sink, nil, nil, nil, zerolog.Nop())
	return &testHarness{gen: gen, registry: registry, appender: appender, sink: sink, srcs: srcs}
}

func TestRunCycleEmitsSignal(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1", "momentum-2")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 90, 50000)
	h.srcs["momentum-2"].ScriptSignal("BTC-USD", signal.DirectionLong, 85, 50010)

	st := h.gen.state["BTC-USD"]
	h.gen.runCycle(context.Background(), "BTC-USD", st)

	appended := h.appender.all()
	require.Len(t, appended, 1)
	s := appended[0]
	assert.Equal(t, "BTC-USD", s.Symbol)
	assert.Equal(t, signal.ActionBuy, s.Action)
	assert.Equal(t, 50000.0, s.EntryPrice, "lowest source id supplies the price")
	assert.GreaterOrEqual(t, s.Confidence, 75.0)
	assert.InDelta(t, 50000*0.98, s.StopPrice, 1e-6)
	assert.InDelta(t, 50000*1.05, s.TargetPrice, 1e-6)
	assert.Contains(t, s.Rationale, "momentum-1")
	assert.False(t, s.RetentionExpiresAt.IsZero())

	require.Equal(t, 1, h.sink.count())

	status := h.gen.Status()
	require.Len(t, status.Symbols, 1)
	assert.Equal(t, int64(1), status.Symbols[0].Emitted)
	assert.Equal(t, 50000.0, status.Symbols[0].LastPrice)
}

func TestRunCycleShortSignalPricesInvert(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionShort, 95, 50000)

	h.gen.runCycle(context.Background(), "BTC-USD", h.gen.state["BTC-USD"])

	appended := h.appender.all()
	require.Len(t, appended, 1)
	s := appended[0]
	assert.Equal(t, signal.ActionSell, s.Action)
	assert.InDelta(t, 50000*1.02, s.StopPrice, 1e-6)
	assert.InDelta(t, 50000*0.95, s.TargetPrice, 1e-6)
}

func TestRunCycleNeutralConsensusEmitsNothing(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1", "momentum-2")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 80, 50000)
	h.srcs["momentum-2"].ScriptSignal("BTC-USD", signal.DirectionShort, 80, 50000)

	st := h.gen.state["BTC-USD"]
	h.gen.runCycle(context.Background(), "BTC-USD", st)

	assert.Empty(t, h.appender.all())
	assert.Zero(t, h.sink.count())
	assert.Equal(t, 50000.0, st.lastPrice, "state still advances on a quiet cycle")
}

func TestRunCycleConfidenceGate(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	// 55% alone fuses to 60.5 after the unanimity bonus, under the 75 floor.
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 55, 50000)

	h.gen.runCycle(context.Background(), "BTC-USD", h.gen.state["BTC-USD"])

	assert.Empty(t, h.appender.all())
	assert.Zero(t, h.sink.count())
}

func TestRunCycleDropsStaleSources(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	h.srcs["momentum-1"].Script("BTC-USD", sources.MockResponse{Signal: signal.SourceSignal{
		SourceID:   "momentum-1",
		Symbol:     "BTC-USD",
		Direction:  signal.DirectionLong,
		Confidence: 95,
		Price:      50000,
		AsOf:       time.Now().Add(-time.Hour), // past the 600s cutoff
	}})

	st := h.gen.state["BTC-USD"]
	h.gen.runCycle(context.Background(), "BTC-USD", st)

	assert.Empty(t, h.appender.all())
	status := h.gen.Status()
	assert.Equal(t, int64(1), status.Symbols[0].CycleErrors)
}

func TestRunCycleLedgerFailureBlocksDistribution(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	h.appender.err = errors.New("db down")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 95, 50000)

	st := h.gen.state["BTC-USD"]
	h.gen.runCycle(context.Background(), "BTC-USD", st)

	assert.Zero(t, h.sink.count(), "nothing distributes without a persisted signal")
	assert.Equal(t, int64(1), h.gen.Status().Symbols[0].CycleErrors)
}

func TestRunCycleGeneratedAtMonotonic(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 95, 50000)
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 95, 51000)

	st := h.gen.state["BTC-USD"]
	ctx := context.Background()
	h.gen.runCycle(ctx, "BTC-USD", st)
	h.gen.runCycle(ctx, "BTC-USD", st)

	appended := h.appender.all()
	require.Len(t, appended, 2)
	assert.True(t, appended[1].GeneratedAt.After(appended[0].GeneratedAt))
}

func TestFetchSourcesMergesCachedAndLiveResults(t *testing.T) {
	h := newHarness(t, generatorConfig(), "a-src", "b-src")
	ctx := context.Background()
	ttl := time.Hour

	// b-src is already cached; a-src has to be fetched live. Both paths write
	// the same result map concurrently.
	cached := signal.SourceSignal{
		SourceID:   "b-src",
		Symbol:     "BTC-USD",
		Direction:  signal.DirectionLong,
		Confidence: 80,
		Price:      50010,
		AsOf:       time.Now().UTC(),
	}
	h.gen.cache.PutSourceSignal(ctx, cache.SourceKey("b-src", "BTC-USD", ttl, time.Now()), cached, ttl)
	h.srcs["a-src"].ScriptSignal("BTC-USD", signal.DirectionLong, 90, 50000)

	out := h.gen.fetchSources(ctx, "BTC-USD", ttl)

	require.Len(t, out, 2)
	assert.Equal(t, cached.Price, out["b-src"].Price)
	assert.Equal(t, cached.Confidence, out["b-src"].Confidence)
	assert.Equal(t, 90.0, out["a-src"].Confidence)
	assert.Zero(t, h.srcs["b-src"].Calls("BTC-USD"), "cache hit never reaches the adapter")
	assert.Equal(t, 1, h.srcs["a-src"].Calls("BTC-USD"))
}

func TestTickRunsCycleAndClearsBusyFlag(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")
	h.srcs["momentum-1"].ScriptSignal("BTC-USD", signal.DirectionLong, 95, 50000)

	h.gen.tick(context.Background())

	require.Eventually(t, func() bool { return len(h.appender.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		h.gen.mu.Lock()
		defer h.gen.mu.Unlock()
		return !h.gen.state["BTC-USD"].busy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, generatorConfig(), "momentum-1")

	ctx := context.Background()
	h.gen.Start(ctx)
	h.gen.Start(ctx)
	assert.True(t, h.gen.Status().Running)

	h.gen.Stop()
	h.gen.Stop()
	assert.False(t, h.gen.Status().Running)
}

func TestBuildRationaleClearsFloor(t *testing.T) {
	cons := signal.Consensus{
		Symbol:              "BTC-USD",
		Direction:           signal.DirectionShort,
		Confidence:          81.25,
		Regime:              signal.RegimeHighVolatility,
		ContributingSources: []string{"momentum-1", "orderflow-1"},
	}
	r := buildRationale(cons)
	assert.GreaterOrEqual(t, len(r), signal.MinRationaleLen)
	assert.Contains(t, r, "short")
	assert.Contains(t, r, "high_volatility")
	assert.Contains(t, r, "momentum-1, orderflow-1")
}

func TestVolTracker(t *testing.T) {
	var v volTracker
	assert.Zero(t, v.sigmaPct())

	v.observe(100)
	assert.Zero(t, v.sigmaPct(), "first price only seeds the tracker")

	v.observe(100)
	assert.Zero(t, v.sigmaPct())

	v.observe(110)
	assert.Positive(t, v.sigmaPct())

	// Decay pulls the estimate back down on calm prices.
	high := v.sigmaPct()
	for i := 0; i < 50; i++ {
		v.observe(110)
	}
	assert.Less(t, v.sigmaPct(), high)
}

func TestPickPrice(t *testing.T) {
	inputs := map[string]signal.SourceSignal{
		"b-source": {Price: 200},
		"a-source": {Price: 100},
		"c-source": {Price: 0},
	}
	assert.Equal(t, 100.0, pickPrice(inputs, 50))

	none := map[string]signal.SourceSignal{"a": {Price: 0}}
	assert.Equal(t, 50.0, pickPrice(none, 50))
	assert.Zero(t, pickPrice(nil, 0))
}
