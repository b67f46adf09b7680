// Package monitor holds the background observers: per-executor account
// polling, distribution latency tracking and ledger integrity sweeps.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/alerts"
	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/executor"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

const accountSnapshotTimeout = 5 * time.Second

// degradedAfter is the consecutive-failure count that marks an executor
// degraded.
const degradedAfter = 3

// PendingQueue is the queue surface the monitor needs: list an executor's
// pending entries and promote the satisfied ones.
type PendingQueue interface {
	ListPending(ctx context.Context, executorID string) ([]*signal.QueuedSignal, error)
	MarkReady(ctx context.Context, queueID uuid.UUID) error
}

// Calendar answers market-open checks during condition evaluation.
type Calendar interface {
	IsOpen(symbol string, at time.Time) bool
}

// AccountMonitor samples each executor's account on a fixed cadence and,
// on change, re-evaluates pending queue conditions. One dedicated worker
// per executor keeps account APIs from being hammered concurrently.
type AccountMonitor struct {
	execs    []executor.Executor
	cfgs     map[string]config.ExecutorConfig
	queue    PendingQueue
	calendar Calendar
	alerter  *alerts.Manager
	log      zerolog.Logger

	mu       sync.RWMutex
	latest   map[string]*signal.AccountSnapshot
	failures map[string]int

	cbMu      sync.RWMutex
	callbacks []func(executorID string)

	wg sync.WaitGroup
}

// NewAccountMonitor creates the monitor.
func NewAccountMonitor(execs []executor.Executor, cfgs []config.ExecutorConfig, queue PendingQueue, calendar Calendar, alerter *alerts.Manager, log zerolog.Logger) *AccountMonitor {
	byID := make(map[string]config.ExecutorConfig, len(cfgs))
	for _, c := range cfgs {
		byID[c.ID] = c
	}
	return &AccountMonitor{
		execs:    execs,
		cfgs:     byID,
		queue:    queue,
		calendar: calendar,
		alerter:  alerter,
		log:      log.With().Str("component", "account_monitor").Logger(),
		latest:   make(map[string]*signal.AccountSnapshot),
		failures: make(map[string]int),
	}
}

// OnChange registers a callback fired after an account change promoted (or
// could have promoted) queue entries. The queue processor uses it to cut its
// sleep short.
func (m *AccountMonitor) OnChange(cb func(executorID string)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Latest returns a copy of the newest snapshot for an executor, nil before
// the first successful poll.
func (m *AccountMonitor) Latest(executorID string) *signal.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest[executorID].Clone()
}

// Start launches one polling worker per executor.
func (m *AccountMonitor) Start(ctx context.Context) {
	for _, ex := range m.execs {
		ex := ex
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runWorker(ctx, ex)
		}()
	}
}

// Wait blocks until all polling workers have stopped.
func (m *AccountMonitor) Wait() {
	m.wg.Wait()
}

func (m *AccountMonitor) runWorker(ctx context.Context, ex executor.Executor) {
	cfg := m.cfgs[ex.ID()]
	interval := cfg.SnapshotInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime immediately so the distributor has position data early.
	m.poll(ctx, ex)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, ex)
		}
	}
}

func (m *AccountMonitor) poll(ctx context.Context, ex executor.Executor) {
	id := ex.ID()

	snapCtx, cancel := context.WithTimeout(ctx, accountSnapshotTimeout)
	snap, err := ex.AccountSnapshot(snapCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.SnapshotFailures.WithLabelValues(id).Inc()
		m.mu.Lock()
		m.failures[id]++
		failures := m.failures[id]
		m.mu.Unlock()

		m.log.Warn().Err(err).Str("executor_id", id).Int("consecutive", failures).Msg("Account snapshot failed")
		if failures == degradedAfter {
			metrics.ExecutorDegraded.WithLabelValues(id).Set(1)
			if m.alerter != nil {
				_ = m.alerter.ExecutorDegraded(ctx, id, failures)
			}
		}
		// Previous snapshot stays; the diff step is skipped this round.
		return
	}
	snap.SampledAt = time.Now().UTC()

	m.mu.Lock()
	if m.failures[id] >= degradedAfter {
		metrics.ExecutorDegraded.WithLabelValues(id).Set(0)
	}
	m.failures[id] = 0
	prev := m.latest[id]
	m.latest[id] = snap
	m.mu.Unlock()

	if prev != nil && !snapshotChanged(prev, snap) {
		return
	}

	m.reevaluate(ctx, id, snap)
	m.cbMu.RLock()
	for _, cb := range m.callbacks {
		cb(id)
	}
	m.cbMu.RUnlock()
}

// snapshotChanged reports whether buying power moved or any position was
// opened, closed, flipped or resized.
func snapshotChanged(prev, curr *signal.AccountSnapshot) bool {
	if prev.BuyingPower != curr.BuyingPower {
		return true
	}
	if len(prev.Positions) != len(curr.Positions) {
		return true
	}
	for sym, p := range curr.Positions {
		old, ok := prev.Positions[sym]
		if !ok || old.Side != p.Side || old.Qty != p.Qty {
			return true
		}
	}
	return false
}

// reevaluate promotes every pending entry whose conditions all hold against
// the fresh snapshot.
func (m *AccountMonitor) reevaluate(ctx context.Context, executorID string, snap *signal.AccountSnapshot) {
	pending, err := m.queue.ListPending(ctx, executorID)
	if err != nil {
		m.log.Error().Err(err).Str("executor_id", executorID).Msg("Failed to list pending queue entries")
		return
	}

	promoted := 0
	for _, q := range pending {
		if !m.Satisfied(q.Conditions, snap) {
			continue
		}
		if err := m.queue.MarkReady(ctx, q.QueueID); err != nil {
			// Lost the race or storage error; either way the entry is not
			// ours to promote.
			m.log.Debug().Err(err).Str("queue_id", q.QueueID.String()).Msg("Pending->ready promotion skipped")
			continue
		}
		promoted++
	}
	if promoted > 0 {
		m.log.Info().
			Str("executor_id", executorID).
			Int("promoted", promoted).
			Msg("Queue entries became ready")
	}
}

// Satisfied reports whether every condition holds against the snapshot.
func (m *AccountMonitor) Satisfied(conds []signal.Condition, snap *signal.AccountSnapshot) bool {
	for _, c := range conds {
		if !m.evaluate(c, snap) {
			return false
		}
	}
	return true
}

func (m *AccountMonitor) evaluate(c signal.Condition, snap *signal.AccountSnapshot) bool {
	switch c.Kind {
	case signal.CondBuyingPower:
		return snap != nil && snap.BuyingPower >= c.MinAmount
	case signal.CondPosition:
		if snap == nil {
			return false
		}
		pos, ok := snap.Positions[c.Symbol]
		return ok && pos.Side == c.Side
	case signal.CondNoDuplicate:
		if snap == nil {
			return false
		}
		pos, ok := snap.Positions[c.Symbol]
		return !ok || pos.Side != c.Side
	case signal.CondUnderCorrelationCap:
		if snap == nil {
			return false
		}
		cfg := m.cfgs[c.ExecutorID]
		if c.Group == "portfolio" {
			return cfg.MaxPositions <= 0 || len(snap.Positions) < cfg.MaxPositions
		}
		symbols := cfg.CorrelationGroups[c.Group]
		held := 0
		for _, sym := range symbols {
			if _, ok := snap.Positions[sym]; ok {
				held++
			}
		}
		return cfg.MaxPerGroup <= 0 || held < cfg.MaxPerGroup
	case signal.CondMarketOpen:
		return m.calendar == nil || m.calendar.IsOpen(c.Symbol, time.Now().UTC())
	case signal.CondExecutorCapacity:
		// Pool occupancy is transient; by the time the processor drains the
		// entry the pool has turned over.
		return true
	default:
		return false
	}
}
