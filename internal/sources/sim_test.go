package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimSourceDeterministic(t *testing.T) {
	a := NewSimSource("momentum-1", 0.08)
	b := NewSimSource("momentum-1", 0.08)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		sa, err := a.Fetch(ctx, "BTC-USD")
		require.NoError(t, err)
		sb, err := b.Fetch(ctx, "BTC-USD")
		require.NoError(t, err)
		assert.Equal(t, sa.Direction, sb.Direction)
		assert.Equal(t, sa.Confidence, sb.Confidence)
		assert.Equal(t, sa.Price, sb.Price)
	}
}

func TestSimSourceProducesValidSignals(t *testing.T) {
	s := NewSimSource("momentum-1", 0.0)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ss, err := s.Fetch(ctx, "ETH-USD")
		require.NoError(t, err)
		require.NoError(t, ss.Validate())
		assert.Equal(t, "momentum-1", ss.SourceID)
		assert.Equal(t, "ETH-USD", ss.Symbol)
		assert.Positive(t, ss.Price)
		assert.False(t, ss.AsOf.IsZero())
	}
}

func TestSimSourceSymbolsIndependent(t *testing.T) {
	s := NewSimSource("momentum-1", 0.0)
	ctx := context.Background()

	btc, err := s.Fetch(ctx, "BTC-USD")
	require.NoError(t, err)
	eth, err := s.Fetch(ctx, "ETH-USD")
	require.NoError(t, err)

	assert.NotEqual(t, btc.Price, eth.Price, "walks are seeded per symbol")
}

func TestSimSourceHonorsCanceledContext(t *testing.T) {
	s := NewSimSource("momentum-1", 0.0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, "BTC-USD")
	assert.Error(t, err)
}
