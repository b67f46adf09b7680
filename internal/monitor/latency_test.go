package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfuse/signalfuse/internal/alerts"
)

func TestPercentiles(t *testing.T) {
	tr := NewLatencyTracker(500*time.Millisecond, 5*time.Minute, nil, zerolog.Nop())

	p50, p95, p99 := tr.Percentiles()
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)

	for i := 1; i <= 100; i++ {
		tr.Observe(time.Duration(i) * time.Millisecond)
	}

	p50, p95, p99 = tr.Percentiles()
	assert.Equal(t, 51*time.Millisecond, p50)
	assert.Equal(t, 96*time.Millisecond, p95)
	assert.Equal(t, 100*time.Millisecond, p99)
}

func TestPercentilesEvictOldSamples(t *testing.T) {
	tr := NewLatencyTracker(500*time.Millisecond, 50*time.Millisecond, nil, zerolog.Nop())

	tr.Observe(10 * time.Second)
	time.Sleep(80 * time.Millisecond)
	tr.Observe(5 * time.Millisecond)

	_, p95, _ := tr.Percentiles()
	assert.Equal(t, 5*time.Millisecond, p95, "the old outlier left the window")
}

func TestCheckAlertsOncePerWindow(t *testing.T) {
	sink := &capturingAlerter{}
	tr := NewLatencyTracker(100*time.Millisecond, time.Minute, alerts.NewManager(sink), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		tr.Observe(300 * time.Millisecond)
	}

	tr.check(ctx)
	tr.check(ctx)
	require.Equal(t, 1, sink.count(), "repeat breaches within the window coalesce")
	assert.Equal(t, alerts.SeverityWarning, sink.alerts[0].Severity)
}

func TestCheckQuietUnderSLO(t *testing.T) {
	sink := &capturingAlerter{}
	tr := NewLatencyTracker(500*time.Millisecond, time.Minute, alerts.NewManager(sink), zerolog.Nop())

	for i := 0; i < 20; i++ {
		tr.Observe(50 * time.Millisecond)
	}

	tr.check(context.Background())
	assert.Zero(t, sink.count())
}
