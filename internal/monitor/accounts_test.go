package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfuse/signalfuse/internal/alerts"
	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/executor"
	"github.com/signalfuse/signalfuse/internal/signal"
)

type capturingAlerter struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (c *capturingAlerter) Send(ctx context.Context, a alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *capturingAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

type fakePendingQueue struct {
	mu       sync.Mutex
	pending  []*signal.QueuedSignal
	promoted []uuid.UUID
}

func (f *fakePendingQueue) ListPending(ctx context.Context, executorID string) ([]*signal.QueuedSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakePendingQueue) MarkReady(ctx context.Context, queueID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, queueID)
	return nil
}

func monitorConfig(id string) config.ExecutorConfig {
	return config.ExecutorConfig{
		ID: id,
		CorrelationGroups: map[string][]string{
			"majors": {"BTC-USD", "ETH-USD"},
		},
		MaxPositions:    2,
		MaxPerGroup:     1,
		SnapshotSeconds: 60,
	}
}

func snapshotWith(positions map[string]signal.Position, buyingPower float64) *signal.AccountSnapshot {
	return &signal.AccountSnapshot{
		ExecutorID:  "paper-1",
		BuyingPower: buyingPower,
		Positions:   positions,
		SampledAt:   time.Now().UTC(),
	}
}

func TestEvaluateConditions(t *testing.T) {
	exec := executor.NewMock("paper-1")
	m := NewAccountMonitor([]executor.Executor{exec}, []config.ExecutorConfig{monitorConfig("paper-1")},
		&fakePendingQueue{}, nil, nil, zerolog.Nop())

	long := snapshotWith(map[string]signal.Position{
		"BTC-USD": {Symbol: "BTC-USD", Side: signal.PositionLong, Qty: 1},
	}, 5000)

	tests := []struct {
		name string
		cond signal.Condition
		snap *signal.AccountSnapshot
		want bool
	}{
		{"buying power met", signal.Condition{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 4000}, long, true},
		{"buying power short", signal.Condition{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 6000}, long, false},
		{"buying power nil snapshot", signal.Condition{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 1}, nil, false},
		{"position held", signal.Condition{Kind: signal.CondPosition, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionLong}, long, true},
		{"position wrong side", signal.Condition{Kind: signal.CondPosition, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionShort}, long, false},
		{"position absent", signal.Condition{Kind: signal.CondPosition, ExecutorID: "paper-1", Symbol: "SOL-USD", Side: signal.PositionLong}, long, false},
		{"no duplicate blocked", signal.Condition{Kind: signal.CondNoDuplicate, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionLong}, long, false},
		{"no duplicate after close", signal.Condition{Kind: signal.CondNoDuplicate, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionLong}, snapshotWith(map[string]signal.Position{}, 5000), true},
		{"no duplicate opposite side", signal.Condition{Kind: signal.CondNoDuplicate, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionShort}, long, true},
		{"group cap occupied", signal.Condition{Kind: signal.CondUnderCorrelationCap, ExecutorID: "paper-1", Group: "majors"}, long, false},
		{"group cap free", signal.Condition{Kind: signal.CondUnderCorrelationCap, ExecutorID: "paper-1", Group: "majors"}, snapshotWith(map[string]signal.Position{}, 5000), true},
		{"portfolio cap reached", signal.Condition{Kind: signal.CondUnderCorrelationCap, ExecutorID: "paper-1", Group: "portfolio"}, snapshotWith(map[string]signal.Position{
			"BTC-USD": {}, "SOL-USD": {},
		}, 5000), false},
		{"portfolio cap free", signal.Condition{Kind: signal.CondUnderCorrelationCap, ExecutorID: "paper-1", Group: "portfolio"}, long, true},
		{"market open without calendar", signal.Condition{Kind: signal.CondMarketOpen, Symbol: "AAPL"}, long, true},
		{"capacity always clears", signal.Condition{Kind: signal.CondExecutorCapacity, ExecutorID: "paper-1"}, nil, true},
		{"unknown kind never clears", signal.Condition{Kind: "needs_luck"}, long, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.evaluate(tt.cond, tt.snap))
		})
	}
}

func TestSatisfiedRequiresAllConditions(t *testing.T) {
	exec := executor.NewMock("paper-1")
	m := NewAccountMonitor([]executor.Executor{exec}, []config.ExecutorConfig{monitorConfig("paper-1")},
		&fakePendingQueue{}, nil, nil, zerolog.Nop())
	snap := snapshotWith(map[string]signal.Position{}, 5000)

	conds := []signal.Condition{
		{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 4000},
		{Kind: signal.CondNoDuplicate, ExecutorID: "paper-1", Symbol: "BTC-USD", Side: signal.PositionLong},
	}
	assert.True(t, m.Satisfied(conds, snap))

	conds = append(conds, signal.Condition{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 99999})
	assert.False(t, m.Satisfied(conds, snap))
}

func TestSnapshotChanged(t *testing.T) {
	base := snapshotWith(map[string]signal.Position{
		"BTC-USD": {Symbol: "BTC-USD", Side: signal.PositionLong, Qty: 1},
	}, 5000)

	same := snapshotWith(map[string]signal.Position{
		"BTC-USD": {Symbol: "BTC-USD", Side: signal.PositionLong, Qty: 1},
	}, 5000)
	assert.False(t, snapshotChanged(base, same))

	moved := snapshotWith(base.Positions, 4000)
	assert.True(t, snapshotChanged(base, moved), "buying power move")

	closed := snapshotWith(map[string]signal.Position{}, 5000)
	assert.True(t, snapshotChanged(base, closed), "position closed")

	flipped := snapshotWith(map[string]signal.Position{
		"BTC-USD": {Symbol: "BTC-USD", Side: signal.PositionShort, Qty: 1},
	}, 5000)
	assert.True(t, snapshotChanged(base, flipped), "position flipped")

	resized := snapshotWith(map[string]signal.Position{
		"BTC-USD": {Symbol: "BTC-USD", Side: signal.PositionLong, Qty: 2},
	}, 5000)
	assert.True(t, snapshotChanged(base, resized), "position resized")
}

func TestPollPromotesSatisfiedEntries(t *testing.T) {
	exec := executor.NewMock("paper-1")
	satisfiable := uuid.New()
	blocked := uuid.New()
	queue := &fakePendingQueue{pending: []*signal.QueuedSignal{
		{
			QueueID:    satisfiable,
			ExecutorID: "paper-1",
			Conditions: []signal.Condition{{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 50000}},
			Status:     signal.QueueStatusPending,
		},
		{
			QueueID:    blocked,
			ExecutorID: "paper-1",
			Conditions: []signal.Condition{{Kind: signal.CondBuyingPower, ExecutorID: "paper-1", MinAmount: 10_000_000}},
			Status:     signal.QueueStatusPending,
		},
	}}

	m := NewAccountMonitor([]executor.Executor{exec}, []config.ExecutorConfig{monitorConfig("paper-1")},
		queue, nil, nil, zerolog.Nop())

	var notified []string
	m.OnChange(func(id string) { notified = append(notified, id) })

	m.poll(context.Background(), exec)

	require.Equal(t, []uuid.UUID{satisfiable}, queue.promoted)
	assert.Equal(t, []string{"paper-1"}, notified)

	snap := m.Latest("paper-1")
	require.NotNil(t, snap)
	assert.Equal(t, 100000.0, snap.BuyingPower)
}

func TestPollSkipsReevaluationWhenUnchanged(t *testing.T) {
	exec := executor.NewMock("paper-1")
	queue := &fakePendingQueue{pending: []*signal.QueuedSignal{{
		QueueID:    uuid.New(),
		ExecutorID: "paper-1",
		Conditions: []signal.Condition{{Kind: signal.CondExecutorCapacity, ExecutorID: "paper-1"}},
		Status:     signal.QueueStatusPending,
	}}}
	m := NewAccountMonitor([]executor.Executor{exec}, []config.ExecutorConfig{monitorConfig("paper-1")},
		queue, nil, nil, zerolog.Nop())

	ctx := context.Background()
	m.poll(ctx, exec)
	require.Len(t, queue.promoted, 1)

	// Identical snapshot: no change, no second promotion pass.
	m.poll(ctx, exec)
	assert.Len(t, queue.promoted, 1)
}

func TestPollMarksExecutorDegraded(t *testing.T) {
	exec := executor.NewMock("paper-1")
	exec.SetSnapshot(nil, errors.New("account API down"))
	sink := &capturingAlerter{}
	m := NewAccountMonitor([]executor.Executor{exec}, []config.ExecutorConfig{monitorConfig("paper-1")},
		&fakePendingQueue{}, nil, alerts.NewManager(sink), zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < degradedAfter; i++ {
		m.poll(ctx, exec)
	}

	require.Equal(t, 1, sink.count(), "degraded alert fires once at the threshold")
	assert.Equal(t, alerts.SeverityWarning, sink.alerts[0].Severity)
	assert.Nil(t, m.Latest("paper-1"), "no snapshot survives a poll that never succeeded")

	// Recovery resets the failure streak without another alert.
	exec.SetSnapshot(snapshotWith(map[string]signal.Position{}, 1000), nil)
	m.poll(ctx, exec)
	assert.Equal(t, 1, sink.count())
	require.NotNil(t, m.Latest("paper-1"))
}
