package sources

import (
	"sync"
	"time"
)

// Health is a point-in-time copy of one source's rolling health counters.
type Health struct {
	SourceID            string    `json:"source_id"`
	Requests            int64     `json:"requests"`
	Successes           int64     `json:"successes"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	BreakerState        string    `json:"breaker_state"`
}

// healthLedger tracks rolling per-source counters. All methods are safe for
// concurrent use.
type healthLedger struct {
	mu                  sync.Mutex
	sourceID            string
	requests            int64
	successes           int64
	consecutiveFailures int
	lastError           string
	lastErrorAt         time.Time
}

func newHealthLedger(sourceID string) *healthLedger {
	return &healthLedger{sourceID: sourceID}
}

func (h *healthLedger) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	h.successes++
	h.consecutiveFailures = 0
}

func (h *healthLedger) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	h.consecutiveFailures++
	if err != nil {
		h.lastError = err.Error()
		h.lastErrorAt = time.Now().UTC()
	}
}

func (h *healthLedger) snapshot(breakerState string) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	rate := 0.0
	if h.requests > 0 {
		rate = float64(h.successes) / float64(h.requests)
	}
	return Health{
		SourceID:            h.sourceID,
		Requests:            h.requests,
		Successes:           h.successes,
		ConsecutiveFailures: h.consecutiveFailures,
		SuccessRate:         rate,
		LastError:           h.lastError,
		LastErrorAt:         h.lastErrorAt,
		BreakerState:        breakerState,
	}
}
