package executor

import (
	"context"
	"sync"
	"time"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// MockExecutor is a scriptable in-memory executor for tests and paper runs.
// Submit outcomes are consumed in order; once the script is drained every
// submission is accepted.
type MockExecutor struct {
	id string

	mu        sync.Mutex
	script    []error
	delay     time.Duration
	snapshot  *signal.AccountSnapshot
	snapErr   error
	submitted []*signal.Signal
}

// NewMock creates a mock executor with an empty account.
func NewMock(id string) *MockExecutor {
	return &MockExecutor{
		id: id,
		snapshot: &signal.AccountSnapshot{
			ExecutorID:  id,
			BuyingPower: 100000,
			Positions:   map[string]signal.Position{},
			SampledAt:   time.Now().UTC(),
		},
	}
}

func (m *MockExecutor) ID() string { return m.id }

// Script appends submit outcomes, consumed one per Submit call.
func (m *MockExecutor) Script(outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, outcomes...)
}

// SetDelay makes every call sleep, for deadline tests.
func (m *MockExecutor) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetSnapshot replaces the account state returned by AccountSnapshot.
func (m *MockExecutor) SetSnapshot(snap *signal.AccountSnapshot, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	m.snapErr = err
}

// Submitted returns the signals accepted so far.
func (m *MockExecutor) Submitted() []*signal.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*signal.Signal, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *MockExecutor) wait(ctx context.Context) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockExecutor) Validate(ctx context.Context, s *signal.Signal) error {
	return m.wait(ctx)
}

func (m *MockExecutor) Submit(ctx context.Context, s *signal.Signal) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) > 0 {
		out := m.script[0]
		m.script = m.script[1:]
		if out != nil {
			return out
		}
	}
	m.submitted = append(m.submitted, s)
	return nil
}

func (m *MockExecutor) AccountSnapshot(ctx context.Context) (*signal.AccountSnapshot, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapErr != nil {
		return nil, m.snapErr
	}
	return m.snapshot.Clone(), nil
}
