package signal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectionSign(t *testing.T) {
	assert.Equal(t, 1.0, DirectionLong.Sign())
	assert.Equal(t, -1.0, DirectionShort.Sign())
	assert.Equal(t, 0.0, DirectionNeutral.Sign())
}

func TestActionForDirection(t *testing.T) {
	action, err := ActionForDirection(DirectionLong)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, action)

	action, err = ActionForDirection(DirectionShort)
	require.NoError(t, err)
	assert.Equal(t, ActionSell, action)

	_, err = ActionForDirection(DirectionNeutral)
	assert.Error(t, err)
}

func TestSourceSignalValidate(t *testing.T) {
	valid := SourceSignal{
		SourceID:   "momentum-1",
		Symbol:     "BTC-USD",
		Direction:  DirectionLong,
		Confidence: 80,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*SourceSignal)
	}{
		{"missing source id", func(s *SourceSignal) { s.SourceID = "" }},
		{"missing symbol", func(s *SourceSignal) { s.Symbol = "" }},
		{"bad direction", func(s *SourceSignal) { s.Direction = "SIDEWAYS" }},
		{"confidence below range", func(s *SourceSignal) { s.Confidence = -1 }},
		{"confidence above range", func(s *SourceSignal) { s.Confidence = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSignalValidate(t *testing.T) {
	valid := Signal{
		SignalID:    uuid.New(),
		Symbol:      "BTC-USD",
		Action:      ActionBuy,
		EntryPrice:  50000,
		Confidence:  80,
		Rationale:   "Weighted consensus of 2 sources reads long.",
		GeneratedAt: time.Now(),
	}
	require.NoError(t, valid.Validate(75))

	t.Run("confidence exactly at threshold admitted", func(t *testing.T) {
		s := valid
		s.Confidence = 75
		assert.NoError(t, s.Validate(75))
	})
	t.Run("confidence just below threshold rejected", func(t *testing.T) {
		s := valid
		s.Confidence = 74.999
		assert.Error(t, s.Validate(75))
	})
	t.Run("short rationale rejected", func(t *testing.T) {
		s := valid
		s.Rationale = "too short"
		assert.Error(t, s.Validate(75))
	})
	t.Run("missing id rejected", func(t *testing.T) {
		s := valid
		s.SignalID = uuid.Nil
		assert.Error(t, s.Validate(75))
	})
}

func TestQueueStatusTerminal(t *testing.T) {
	assert.False(t, QueueStatusPending.Terminal())
	assert.False(t, QueueStatusReady.Terminal())
	assert.False(t, QueueStatusExecuting.Terminal())
	assert.True(t, QueueStatusExecuted.Terminal())
	assert.True(t, QueueStatusExpired.Terminal())
	assert.True(t, QueueStatusFailed.Terminal())
}

func TestAccountSnapshotClone(t *testing.T) {
	orig := &AccountSnapshot{
		ExecutorID:  "paper-1",
		BuyingPower: 1000,
		Positions: map[string]Position{
			"BTC-USD": {Symbol: "BTC-USD", Side: PositionLong, Qty: 1},
		},
	}

	cp := orig.Clone()
	cp.Positions["ETH-USD"] = Position{Symbol: "ETH-USD", Side: PositionShort, Qty: 2}

	assert.Len(t, orig.Positions, 1, "clone mutation must not leak back")
	assert.Len(t, cp.Positions, 2)

	var nilSnap *AccountSnapshot
	assert.Nil(t, nilSnap.Clone())
}
