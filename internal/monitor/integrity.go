package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/alerts"
	"github.com/signalfuse/signalfuse/internal/ledger"
)

// Chain is the ledger surface the integrity monitor needs.
type Chain interface {
	Head(ctx context.Context) (int64, error)
	VerifyChain(ctx context.Context, fromIndex, toIndex int64) (*ledger.VerifyResult, error)
}

// EventSink publishes integrity failures for external consumers. A nil
// *events.Bus satisfies it.
type EventSink interface {
	IntegrityBroken(ctx context.Context, badIndex int64, reason string)
}

// IntegrityMonitor runs incremental chain verification on an hourly cadence
// and a full sweep daily. Any mismatch is a critical alert.
type IntegrityMonitor struct {
	chain       Chain
	alerter     *alerts.Manager
	events      EventSink
	incremental time.Duration
	full        time.Duration
	log         zerolog.Logger

	mu         sync.Mutex
	checkpoint int64 // highest index covered by a clean incremental sweep
}

// NewIntegrityMonitor creates the monitor. The event sink may be nil.
func NewIntegrityMonitor(chain Chain, alerter *alerts.Manager, events EventSink, incremental, full time.Duration, log zerolog.Logger) *IntegrityMonitor {
	return &IntegrityMonitor{
		chain:       chain,
		alerter:     alerter,
		events:      events,
		incremental: incremental,
		full:        full,
		log:         log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// Run drives both sweep cadences until ctx is cancelled.
func (m *IntegrityMonitor) Run(ctx context.Context) {
	incTicker := time.NewTicker(m.incremental)
	fullTicker := time.NewTicker(m.full)
	defer incTicker.Stop()
	defer fullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-incTicker.C:
			m.SweepIncremental(ctx)
		case <-fullTicker.C:
			m.SweepFull(ctx)
		}
	}
}

// SweepIncremental verifies from the last clean checkpoint to the current
// head.
func (m *IntegrityMonitor) SweepIncremental(ctx context.Context) {
	head, err := m.chain.Head(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Integrity sweep could not read chain head")
		return
	}

	m.mu.Lock()
	from := m.checkpoint + 1
	m.mu.Unlock()
	if from > head {
		return
	}

	res := m.verify(ctx, from, head)
	if res != nil && res.Valid {
		m.mu.Lock()
		m.checkpoint = head
		m.mu.Unlock()
	}
}

// SweepFull verifies the whole chain from genesis.
func (m *IntegrityMonitor) SweepFull(ctx context.Context) {
	head, err := m.chain.Head(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Full integrity sweep could not read chain head")
		return
	}
	if head == 0 {
		return
	}
	res := m.verify(ctx, 1, head)
	if res != nil && res.Valid {
		m.mu.Lock()
		m.checkpoint = head
		m.mu.Unlock()
	}
}

func (m *IntegrityMonitor) verify(ctx context.Context, from, to int64) *ledger.VerifyResult {
	res, err := m.chain.VerifyChain(ctx, from, to)
	if err != nil {
		m.log.Error().Err(err).Int64("from", from).Int64("to", to).Msg("Chain verification errored")
		return nil
	}
	if res.Valid {
		m.log.Debug().
			Int64("from", from).
			Int64("to", to).
			Int("checked", res.Checked).
			Msg("Chain segment verified")
		return res
	}

	m.log.Error().
		Int64("bad_index", res.BadIndex).
		Str("reason", res.Reason).
		Msg("Chain verification found a broken link")
	if m.alerter != nil {
		_ = m.alerter.IntegrityFailure(ctx, res.BadIndex, res.Reason)
	}
	if m.events != nil {
		m.events.IntegrityBroken(ctx, res.BadIndex, res.Reason)
	}
	return res
}

// Checkpoint exposes the verified high-water mark for the ops API.
func (m *IntegrityMonitor) Checkpoint() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}
