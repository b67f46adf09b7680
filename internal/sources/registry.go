package sources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// Breaker window: trip when the error rate over the last 20 calls passes 50%,
// in addition to the consecutive-failure threshold from config.
const (
	breakerWindowRequests = 20
	breakerFailureRatio   = 0.5
	breakerCountInterval  = 60 * time.Second
)

// Entry is one registered source with its guard rails.
type Entry struct {
	Source  Source
	Kind    Kind
	Weight  float64
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	health  *healthLedger
	timeout time.Duration
}

// Registry holds the configured sources and fans fetches out across them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		log:     log.With().Str("component", "source_registry").Logger(),
	}
}

// Register adds a source under the guard rails from its config. Registering
// the same id twice replaces the previous entry.
func (r *Registry) Register(src Source, cfg config.SourceConfig) {
	failThreshold := cfg.CircuitFailThreshold
	if failThreshold <= 0 {
		failThreshold = 5
	}

	entry := &Entry{
		Source:  src,
		Kind:    ParseKind(cfg.Kind),
		Weight:  cfg.Weight,
		health:  newHealthLedger(src.ID()),
		timeout: cfg.FetchTimeout(),
	}

	if cfg.RateLimitRPM > 0 {
		// Token bucket sized to one minute of budget; a fetch that cannot
		// take a token fails fast instead of waiting.
		entry.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM)
	}

	entry.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.ID(),
		MaxRequests: 1, // one probe in half-open; success closes
		Interval:    breakerCountInterval,
		Timeout:     cfg.Cooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= uint32(failThreshold) {
				return true
			}
			if counts.Requests >= breakerWindowRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= breakerFailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SourceBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			r.log.Warn().
				Str("source_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Source breaker state changed")
		},
	})

	metrics.SourceBreakerState.WithLabelValues(src.ID()).Set(breakerStateValue(entry.breaker.State()))

	r.mu.Lock()
	r.entries[src.ID()] = entry
	r.mu.Unlock()

	r.log.Info().
		Str("source_id", src.ID()).
		Str("kind", string(entry.Kind)).
		Float64("weight", cfg.Weight).
		Int("rate_limit_rpm", cfg.RateLimitRPM).
		Msg("Source registered")
}

// Get returns the entry for a source id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// IDs returns the registered source ids, sorted for deterministic iteration.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Weights returns the configured base weight per source id.
func (r *Registry) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w := make(map[string]float64, len(r.entries))
	for id, e := range r.entries {
		w[id] = e.Weight
	}
	return w
}

// Kinds returns the kind per source id.
func (r *Registry) Kinds() map[string]Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := make(map[string]Kind, len(r.entries))
	for id, e := range r.entries {
		k[id] = e.Kind
	}
	return k
}

// HealthReport returns a health snapshot for every source, sorted by id.
func (r *Registry) HealthReport() []Health {
	ids := r.IDs()
	report := make([]Health, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.Get(id); ok {
			report = append(report, e.health.snapshot(e.breaker.State().String()))
		}
	}
	return report
}

// Fetch runs one guarded fetch against a single source.
func (r *Registry) Fetch(ctx context.Context, id, symbol string) (signal.SourceSignal, error) {
	entry, ok := r.Get(id)
	if !ok {
		return signal.SourceSignal{}, fmt.Errorf("unknown source %q", id)
	}
	return entry.fetch(ctx, symbol)
}

func (e *Entry) fetch(ctx context.Context, symbol string) (signal.SourceSignal, error) {
	id := e.Source.ID()

	if e.limiter != nil && !e.limiter.Allow() {
		e.health.recordFailure(ErrRateLimited)
		metrics.SourceFetchErrors.WithLabelValues(id, metrics.FetchErrorRateLimited).Inc()
		return signal.SourceSignal{}, fmt.Errorf("source %s: %w", id, ErrRateLimited)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.breaker.Execute(func() (interface{}, error) {
		ss, err := e.Source.Fetch(fetchCtx, symbol)
		if err != nil {
			return nil, err
		}
		if verr := ss.Validate(); verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadData, verr)
		}
		return ss, nil
	})

	if err != nil {
		e.health.recordFailure(err)
		metrics.SourceFetches.WithLabelValues(id, "failure").Inc()
		switch {
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.SourceFetchErrors.WithLabelValues(id, metrics.FetchErrorCircuitOpen).Inc()
			return signal.SourceSignal{}, fmt.Errorf("source %s: %w", id, ErrCircuitOpen)
		case errors.Is(err, context.DeadlineExceeded):
			metrics.SourceFetchErrors.WithLabelValues(id, metrics.FetchErrorTimeout).Inc()
			return signal.SourceSignal{}, fmt.Errorf("source %s: %w", id, ErrTimeout)
		default:
			metrics.SourceFetchErrors.WithLabelValues(id, metrics.NormalizeFetchError(err)).Inc()
			return signal.SourceSignal{}, fmt.Errorf("source %s: %w", id, err)
		}
	}

	e.health.recordSuccess()
	metrics.SourceFetches.WithLabelValues(id, "success").Inc()
	return out.(signal.SourceSignal), nil
}

// FetchAll fans out one fetch per source concurrently and returns whichever
// subset succeeded, keyed by source id. A source failure is non-fatal; an
// empty map with a nil error means every source failed.
func (r *Registry) FetchAll(ctx context.Context, symbol string) map[string]signal.SourceSignal {
	ids := r.IDs()

	type result struct {
		id string
		ss signal.SourceSignal
		ok bool
	}

	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ss, err := r.Fetch(ctx, id, symbol)
			if err != nil {
				r.log.Debug().
					Err(err).
					Str("source_id", id).
					Str("symbol", symbol).
					Msg("Source fetch failed")
				results <- result{id: id}
				return
			}
			results <- result{id: id, ss: ss, ok: true}
		}(id)
	}
	wg.Wait()
	close(results)

	out := make(map[string]signal.SourceSignal)
	for res := range results {
		if res.ok {
			out[res.id] = res.ss
		}
	}
	return out
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
