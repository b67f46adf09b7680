package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/signal"
)

func sourceConfig(id string) config.SourceConfig {
	return config.SourceConfig{
		ID:                     id,
		Kind:                   "momentum",
		Weight:                 0.5,
		CircuitFailThreshold:   3,
		CircuitCooldownSeconds: 1,
		FetchTimeoutSeconds:    1,
	}
}

func TestRegistryFetchSuccess(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	src := NewMockSource("momentum-1")
	src.ScriptSignal("BTC-USD", signal.DirectionLong, 80, 50000)
	r.Register(src, sourceConfig("momentum-1"))

	ss, err := r.Fetch(context.Background(), "momentum-1", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, signal.DirectionLong, ss.Direction)
	assert.Equal(t, 80.0, ss.Confidence)

	report := r.HealthReport()
	require.Len(t, report, 1)
	assert.Equal(t, int64(1), report[0].Requests)
	assert.Equal(t, 1.0, report[0].SuccessRate)
	assert.Equal(t, "closed", report[0].BreakerState)
}

func TestRegistryFetchUnknownSource(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Fetch(context.Background(), "nope", "BTC-USD")
	assert.Error(t, err)
}

func TestRegistryRejectsBadData(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	src := NewMockSource("momentum-1")
	src.Script("BTC-USD", MockResponse{Signal: signal.SourceSignal{
		SourceID:   "momentum-1",
		Symbol:     "BTC-USD",
		Direction:  signal.DirectionLong,
		Confidence: 250, // out of range
	}})
	r.Register(src, sourceConfig("momentum-1"))

	_, err := r.Fetch(context.Background(), "momentum-1", "BTC-USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadData)
}

func TestRegistryRateLimitFailsFast(t *testing.T) {
	cfg := sourceConfig("momentum-1")
	cfg.RateLimitRPM = 1

	r := NewRegistry(zerolog.Nop())
	src := NewMockSource("momentum-1")
	src.ScriptSignal("BTC-USD", signal.DirectionLong, 80, 50000)
	r.Register(src, cfg)

	start := time.Now()
	_, err := r.Fetch(context.Background(), "momentum-1", "BTC-USD")
	require.NoError(t, err)

	_, err = r.Fetch(context.Background(), "momentum-1", "BTC-USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "limited fetch must not wait for a token")
	assert.Equal(t, 1, src.Calls("BTC-USD"), "limited fetch never reaches the adapter")
}

func TestRegistryBreakerTripsAndRecovers(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	src := NewMockSource("momentum-1")
	src.Script("BTC-USD",
		MockResponse{Err: errors.New("boom")},
		MockResponse{Err: errors.New("boom")},
		MockResponse{Err: errors.New("boom")},
	)
	r.Register(src, sourceConfig("momentum-1"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Fetch(ctx, "momentum-1", "BTC-USD")
		require.Error(t, err)
	}

	// Threshold reached: the breaker is open and the adapter is not called.
	callsBefore := src.Calls("BTC-USD")
	_, err := r.Fetch(ctx, "momentum-1", "BTC-USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsBefore, src.Calls("BTC-USD"))

	report := r.HealthReport()
	require.Len(t, report, 1)
	assert.Equal(t, "open", report[0].BreakerState)
	assert.Equal(t, 3, report[0].ConsecutiveFailures)

	// After the cooldown one probe runs half-open; its success closes the
	// breaker.
	src.Script("BTC-USD", MockResponse{Signal: signal.SourceSignal{
		SourceID:   "momentum-1",
		Symbol:     "BTC-USD",
		Direction:  signal.DirectionShort,
		Confidence: 70,
		AsOf:       time.Now().UTC(),
	}})
	time.Sleep(1100 * time.Millisecond)

	ss, err := r.Fetch(ctx, "momentum-1", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, signal.DirectionShort, ss.Direction)

	report = r.HealthReport()
	require.Len(t, report, 1)
	assert.Equal(t, "closed", report[0].BreakerState)
}

func TestFetchAllReturnsPartialResults(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	good := NewMockSource("momentum-1")
	good.ScriptSignal("BTC-USD", signal.DirectionLong, 85, 50000)
	r.Register(good, sourceConfig("momentum-1"))

	bad := NewMockSource("sentiment-1")
	bad.Script("BTC-USD", MockResponse{Err: errors.New("upstream 503")})
	cfg := sourceConfig("sentiment-1")
	cfg.Kind = "sentiment"
	r.Register(bad, cfg)

	out := r.FetchAll(context.Background(), "BTC-USD")
	require.Len(t, out, 1)
	assert.Contains(t, out, "momentum-1")
}

func TestFetchAllAllSourcesDown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	bad := NewMockSource("momentum-1")
	bad.Script("BTC-USD", MockResponse{Err: errors.New("down")})
	r.Register(bad, sourceConfig("momentum-1"))

	out := r.FetchAll(context.Background(), "BTC-USD")
	assert.Empty(t, out)
}

func TestRegistryFetchTimeout(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	src := NewMockSource("momentum-1")
	src.ScriptSignal("BTC-USD", signal.DirectionLong, 80, 50000)
	src.SetDelay(2 * time.Second)
	r.Register(src, sourceConfig("momentum-1"))

	_, err := r.Fetch(context.Background(), "momentum-1", "BTC-USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistryWeightsAndKinds(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	cfg := sourceConfig("momentum-1")
	r.Register(NewMockSource("momentum-1"), cfg)

	cfg2 := sourceConfig("reversion-1")
	cfg2.Kind = "mean_reversion"
	cfg2.Weight = 0.25
	r.Register(NewMockSource("reversion-1"), cfg2)

	assert.Equal(t, []string{"momentum-1", "reversion-1"}, r.IDs())
	assert.Equal(t, map[string]float64{"momentum-1": 0.5, "reversion-1": 0.25}, r.Weights())
	assert.Equal(t, KindMomentum, r.Kinds()["momentum-1"])
	assert.Equal(t, KindMeanReversion, r.Kinds()["reversion-1"])
	assert.Equal(t, KindOther, ParseKind("astrology"))
}
