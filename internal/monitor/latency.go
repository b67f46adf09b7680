package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/alerts"
)

// latencyCheckInterval is how often the tracker re-evaluates the SLO.
const latencyCheckInterval = 30 * time.Second

type latencySample struct {
	at time.Time
	d  time.Duration
}

// LatencyTracker keeps a sliding window of distribution latencies and alerts
// when the window's p95 breaches the SLO.
type LatencyTracker struct {
	slo     time.Duration
	window  time.Duration
	alerter *alerts.Manager
	log     zerolog.Logger

	mu        sync.Mutex
	samples   []latencySample
	lastAlert time.Time
}

// NewLatencyTracker creates the tracker.
func NewLatencyTracker(slo, window time.Duration, alerter *alerts.Manager, log zerolog.Logger) *LatencyTracker {
	return &LatencyTracker{
		slo:     slo,
		window:  window,
		alerter: alerter,
		log:     log.With().Str("component", "latency_monitor").Logger(),
	}
}

// Observe records one generated-at to first-outcome latency.
func (t *LatencyTracker) Observe(d time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, latencySample{at: now, d: d})
	t.evict(now)
}

// evict drops samples older than the window. Caller holds the lock.
func (t *LatencyTracker) evict(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Percentiles returns p50/p95/p99 over the current window. Zeroes with no
// samples.
func (t *LatencyTracker) Percentiles() (p50, p95, p99 time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(time.Now())
	if len(t.samples) == 0 {
		return 0, 0, 0
	}
	ds := make([]time.Duration, len(t.samples))
	for i, s := range t.samples {
		ds[i] = s.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	return pick(ds, 50), pick(ds, 95), pick(ds, 99)
}

func pick(sorted []time.Duration, pct int) time.Duration {
	idx := len(sorted) * pct / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Run re-checks the SLO on a fixed cadence until ctx is cancelled.
func (t *LatencyTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(latencyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.check(ctx)
		}
	}
}

func (t *LatencyTracker) check(ctx context.Context) {
	_, p95, _ := t.Percentiles()
	if p95 <= t.slo {
		return
	}

	t.mu.Lock()
	// One alert per window; the condition persisting re-alerts next window.
	recentlyAlerted := time.Since(t.lastAlert) < t.window
	if !recentlyAlerted {
		t.lastAlert = time.Now()
	}
	t.mu.Unlock()
	if recentlyAlerted {
		return
	}

	t.log.Warn().
		Dur("p95", p95).
		Dur("slo", t.slo).
		Msg("Distribution latency SLO breached")
	if t.alerter != nil {
		_ = t.alerter.LatencyBreach(ctx, p95, t.slo, t.window)
	}
}
