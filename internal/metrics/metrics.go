// Package metrics exposes Prometheus instrumentation for the pipeline.
// Label values are drawn from bounded sets; free-form strings are
// normalized before becoming labels so cardinality stays fixed.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values.
const (
	// Fetch error categories
	FetchErrorTimeout     = "timeout"
	FetchErrorRateLimited = "rate_limited"
	FetchErrorCircuitOpen = "circuit_open"
	FetchErrorUpstream    = "upstream"
	FetchErrorBadData     = "bad_data"
	FetchErrorOther       = "other"

	// Cycle abort reasons
	AbortNoSources     = "no_sources"
	AbortNeutral       = "neutral"
	AbortLowConfidence = "low_confidence"
	AbortLedger        = "ledger_error"
	AbortDeadline      = "deadline"

	// Distribution outcomes
	OutcomeAccepted = "accepted"
	OutcomeQueued   = "queued"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"

	// Chain verification results
	VerifyOutcomeValid  = "ok"
	VerifyOutcomeBroken = "mismatch"
	VerifyOutcomeError  = "error"
)

// NormalizeFetchError maps arbitrary fetch errors to the bounded set.
func NormalizeFetchError(err error) string {
	if err == nil {
		return ""
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "deadline") || strings.Contains(s, "timeout"):
		return FetchErrorTimeout
	case strings.Contains(s, "rate limit"):
		return FetchErrorRateLimited
	case strings.Contains(s, "circuit"):
		return FetchErrorCircuitOpen
	case strings.Contains(s, "bad data") || strings.Contains(s, "invalid"):
		return FetchErrorBadData
	case strings.Contains(s, "upstream") || strings.Contains(s, "5"):
		return FetchErrorUpstream
	default:
		return FetchErrorOther
	}
}

// Signal generation metrics
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_generation_cycles_total",
		Help: "Generation cycles by outcome (emitted, aborted, cached)",
	}, []string{"outcome"})

	CycleAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_cycle_aborts_total",
		Help: "Aborted generation cycles by reason",
	}, []string{"reason"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalfuse_cycle_duration_seconds",
		Help:    "Wall time of one per-symbol generation cycle",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	SignalsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalfuse_signals_emitted_total",
		Help: "Signals persisted to the ledger",
	})
)

// Source metrics
var (
	SourceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_source_fetches_total",
		Help: "Source fetches by source and result",
	}, []string{"source", "result"})

	SourceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_source_fetch_errors_total",
		Help: "Source fetch errors by source and category",
	}, []string{"source", "category"})

	SourceBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalfuse_source_breaker_state",
		Help: "Source circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"source"})
)

// Cache metrics
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_cache_hits_total",
		Help: "Cache hits by tier (local, shared)",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_cache_misses_total",
		Help: "Cache misses by tier",
	}, []string{"tier"})

	CacheCorruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalfuse_cache_corruptions_total",
		Help: "Cache entries dropped after failed deserialization",
	})
)

// Distribution metrics
var (
	Distributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_distributions_total",
		Help: "Per-executor distribution outcomes",
	}, []string{"executor", "outcome"})

	DistributionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalfuse_distribution_latency_seconds",
		Help:    "Latency from generated_at to first accept or enqueue",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	ExecutorBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_executor_backpressure_total",
		Help: "Signals diverted to the queue because an executor pool was full",
	}, []string{"executor"})
)

// Queue metrics
var (
	QueueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_queue_transitions_total",
		Help: "Queue status transitions",
	}, []string{"to"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalfuse_queue_depth",
		Help: "Queue entries by status",
	}, []string{"status"})
)

// Integrity metrics
var (
	ChainVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_chain_verifications_total",
		Help: "Hash chain verification sweeps by result (ok, mismatch, error)",
	}, []string{"result"})

	MutationAttemptsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalfuse_ledger_mutations_denied_total",
		Help: "UPDATE/DELETE attempts rejected by the ledger triggers",
	})
)

// Executor account metrics
var (
	SnapshotFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalfuse_account_snapshot_failures_total",
		Help: "Failed account snapshot fetches by executor",
	}, []string{"executor"})

	ExecutorDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalfuse_executor_degraded",
		Help: "1 when repeated snapshot failures mark the executor degraded",
	}, []string{"executor"})
)
