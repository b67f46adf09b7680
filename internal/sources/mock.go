package sources

import (
	"context"
	"sync"
	"time"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// MockSource is a scriptable source for tests and paper runs. Responses are
// consumed in order per symbol; when the script runs out the last response
// repeats.
type MockSource struct {
	id string

	mu        sync.Mutex
	responses map[string][]MockResponse
	calls     map[string]int
	delay     time.Duration
}

// MockResponse is one scripted fetch outcome.
type MockResponse struct {
	Signal signal.SourceSignal
	Err    error
}

// NewMockSource creates a mock source with no scripted responses.
func NewMockSource(id string) *MockSource {
	return &MockSource{
		id:        id,
		responses: make(map[string][]MockResponse),
		calls:     make(map[string]int),
	}
}

// ID implements Source.
func (m *MockSource) ID() string { return m.id }

// Script appends responses for a symbol.
func (m *MockSource) Script(symbol string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[symbol] = append(m.responses[symbol], responses...)
}

// ScriptSignal is a shorthand for a single successful response.
func (m *MockSource) ScriptSignal(symbol string, dir signal.Direction, confidence, price float64) {
	m.Script(symbol, MockResponse{Signal: signal.SourceSignal{
		SourceID:   m.id,
		Symbol:     symbol,
		Direction:  dir,
		Confidence: confidence,
		Price:      price,
		AsOf:       time.Now().UTC(),
	}})
}

// SetDelay makes every fetch sleep first, for deadline tests.
func (m *MockSource) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many fetches ran for a symbol.
func (m *MockSource) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[symbol]
}

// Fetch implements Source.
func (m *MockSource) Fetch(ctx context.Context, symbol string) (signal.SourceSignal, error) {
	m.mu.Lock()
	delay := m.delay
	script := m.responses[symbol]
	idx := m.calls[symbol]
	m.calls[symbol]++
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return signal.SourceSignal{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if len(script) == 0 {
		return signal.SourceSignal{}, ErrUpstream
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	resp := script[idx]
	if resp.Err != nil {
		return signal.SourceSignal{}, resp.Err
	}
	return resp.Signal, nil
}
