// Package distributor fans persisted signals out to eligible executors.
// Each executor gets its own bounded worker pool; within a pool, work for
// one symbol always lands on the same worker so close/open submissions stay
// ordered.
package distributor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/executor"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// Per-call deadlines for executor RPCs.
const (
	validateTimeout = 2 * time.Second
	submitTimeout   = 5 * time.Second
	snapshotTimeout = 5 * time.Second
)

// Snapshots serves the latest account snapshot per executor. Nil means no
// sample yet; position checks are skipped in that case.
type Snapshots interface {
	Latest(executorID string) *signal.AccountSnapshot
}

// Queue receives conditional deferrals.
type Queue interface {
	Enqueue(ctx context.Context, signalID uuid.UUID, executorID string, conds []signal.Condition, reason string, priority int, ttl time.Duration) (uuid.UUID, error)
}

// LatencyObserver records generated-at to first-outcome latency.
type LatencyObserver interface {
	Observe(d time.Duration)
}

// Events publishes distribution lifecycle events. A nil *events.Bus
// satisfies it; nil means no publishing.
type Events interface {
	SignalAccepted(ctx context.Context, s *signal.Signal, executorID string)
	SignalQueued(ctx context.Context, signalID uuid.UUID, executorID, reason string)
}

type task struct {
	sig     *signal.Signal
	latency *latencyOnce
}

// latencyOnce records the distribution latency exactly once per signal:
// at the first executor accept or the first enqueue, whichever comes first.
type latencyOnce struct {
	once        sync.Once
	generatedAt time.Time
	observer    LatencyObserver
}

func (l *latencyOnce) record() {
	l.once.Do(func() {
		d := time.Since(l.generatedAt)
		metrics.DistributionLatency.Observe(d.Seconds())
		if l.observer != nil {
			l.observer.Observe(d)
		}
	})
}

type entry struct {
	cfg     config.ExecutorConfig
	exec    executor.Executor
	workers []chan task
}

// Distributor owns the fan-out stage between ledger and executors.
type Distributor struct {
	entries  map[string]*entry
	queue    Queue
	snaps    Snapshots
	calendar Calendar
	queueTTL time.Duration
	observer LatencyObserver
	events   Events
	log      zerolog.Logger

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a distributor over the configured executors.
func New(execs []executor.Executor, cfgs []config.ExecutorConfig, queue Queue, snaps Snapshots, calendar Calendar, queueTTL time.Duration, observer LatencyObserver, events Events, log zerolog.Logger) *Distributor {
	d := &Distributor{
		entries:  make(map[string]*entry, len(execs)),
		queue:    queue,
		snaps:    snaps,
		calendar: calendar,
		queueTTL: queueTTL,
		observer: observer,
		events:   events,
		log:      log.With().Str("component", "distributor").Logger(),
	}
	cfgByID := make(map[string]config.ExecutorConfig, len(cfgs))
	for _, c := range cfgs {
		cfgByID[c.ID] = c
	}
	for _, ex := range execs {
		cfg := cfgByID[ex.ID()]
		e := &entry{cfg: cfg, exec: ex}
		workers := cfg.WorkerCount()
		buf := cfg.InFlightLimit() / workers
		if buf < 1 {
			buf = 1
		}
		e.workers = make([]chan task, workers)
		for i := range e.workers {
			e.workers[i] = make(chan task, buf)
		}
		d.entries[ex.ID()] = e
	}
	return d
}

// Start launches the worker pools. Workers drain their channels until ctx is
// cancelled.
func (d *Distributor) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, e := range d.entries {
		for _, ch := range e.workers {
			d.wg.Add(1)
			go d.runWorker(ctx, e, ch)
		}
	}
}

// Wait blocks until all workers have returned after cancellation.
func (d *Distributor) Wait() {
	d.wg.Wait()
}

func (d *Distributor) runWorker(ctx context.Context, e *entry, ch chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			d.deliver(ctx, e, t)
		}
	}
}

// Distribute hands a persisted signal to every executor's pool. It never
// blocks: a full pool diverts the signal to the queue with an executor
// capacity condition.
func (d *Distributor) Distribute(ctx context.Context, s *signal.Signal) {
	lat := &latencyOnce{generatedAt: s.GeneratedAt, observer: d.observer}
	t := task{sig: s, latency: lat}

	for id, e := range d.entries {
		ch := e.workers[workerIndex(s.Symbol, len(e.workers))]
		select {
		case ch <- t:
		default:
			metrics.ExecutorBackpressure.WithLabelValues(id).Inc()
			d.enqueue(ctx, e, s, executor.ReasonCapacity,
				executor.ConditionsForReason(executor.ReasonCapacity, id, s, 0), lat)
		}
	}
}

// workerIndex pins a symbol to one worker so same-symbol submissions stay
// serialized within an executor.
func workerIndex(symbol string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(workers))
}

func (d *Distributor) deliver(ctx context.Context, e *entry, t task) {
	accepted, rej, err := d.submit(ctx, e, t.sig, d.snaps.Latest(e.exec.ID()))
	id := e.exec.ID()
	switch {
	case accepted:
		metrics.Distributions.WithLabelValues(id, metrics.OutcomeAccepted).Inc()
		t.latency.record()
		if d.events != nil {
			d.events.SignalAccepted(ctx, t.sig, id)
		}
		d.log.Info().
			Str("executor_id", id).
			Str("signal_id", t.sig.SignalID.String()).
			Str("symbol", t.sig.Symbol).
			Msg("Signal accepted by executor")
	case rej != nil && rej.Permanent:
		metrics.Distributions.WithLabelValues(id, metrics.OutcomeSkipped).Inc()
		d.log.Debug().
			Str("executor_id", id).
			Str("signal_id", t.sig.SignalID.String()).
			Str("reason", rej.Reason).
			Msg("Signal permanently rejected")
	case rej != nil:
		// Adapters may refuse with a bare reason code; map it to retry
		// conditions before deciding the rejection's fate.
		conds := rej.Conditions
		if len(conds) == 0 {
			conds = executor.ConditionsForReason(rej.Reason, id, t.sig, 0)
		}
		if len(conds) == 0 {
			metrics.Distributions.WithLabelValues(id, metrics.OutcomeFailed).Inc()
			d.log.Warn().
				Str("executor_id", id).
				Str("signal_id", t.sig.SignalID.String()).
				Str("reason", rej.Reason).
				Msg("Conditional rejection has no mappable retry conditions, recording failure")
			return
		}
		metrics.Distributions.WithLabelValues(id, metrics.OutcomeQueued).Inc()
		d.enqueue(ctx, e, t.sig, rej.Reason, conds, t.latency)
	case err != nil:
		// Infra failure on first delivery: defer through the queue so the
		// retry ladder owns it.
		metrics.Distributions.WithLabelValues(id, metrics.OutcomeFailed).Inc()
		d.log.Warn().Err(err).
			Str("executor_id", id).
			Str("signal_id", t.sig.SignalID.String()).
			Msg("Executor submission failed, deferring to queue")
		d.enqueue(ctx, e, t.sig, executor.ReasonCapacity,
			executor.ConditionsForReason(executor.ReasonCapacity, id, t.sig, 0), t.latency)
	}
}

// SubmitForExecutor is the queue processor's re-submission path. Pre-flight
// runs against a fresh account snapshot since the monitor's copy may be
// stale.
func (d *Distributor) SubmitForExecutor(ctx context.Context, executorID string, s *signal.Signal) (bool, *executor.Rejection, error) {
	e, ok := d.entries[executorID]
	if !ok {
		return false, &executor.Rejection{Reason: executor.ReasonSymbolNotTradable, Detail: "unknown executor", Permanent: true}, nil
	}

	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	snap, err := e.exec.AccountSnapshot(snapCtx)
	cancel()
	if err != nil {
		// Fall back to the monitor's last sample.
		snap = d.snaps.Latest(executorID)
	}
	return d.submit(ctx, e, s, snap)
}

func (d *Distributor) submit(ctx context.Context, e *entry, s *signal.Signal, snap *signal.AccountSnapshot) (bool, *executor.Rejection, error) {
	if rej := d.preflight(e, s, snap); rej != nil {
		return false, rej, nil
	}

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	err := e.exec.Validate(vctx, s)
	cancel()
	if err != nil {
		if rej, ok := executor.AsRejection(err); ok {
			return false, rej, nil
		}
		return false, nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	err = e.exec.Submit(sctx, s)
	cancel()
	if err != nil {
		if rej, ok := executor.AsRejection(err); ok {
			return false, rej, nil
		}
		return false, nil, err
	}
	return true, nil, nil
}

// preflight runs the local eligibility checks before any executor RPC.
func (d *Distributor) preflight(e *entry, s *signal.Signal, snap *signal.AccountSnapshot) *executor.Rejection {
	cfg := e.cfg
	id := e.exec.ID()

	if s.Confidence < cfg.MinConfidence {
		return &executor.Rejection{
			Reason:    executor.ReasonSymbolNotTradable,
			Detail:    "confidence below executor floor",
			Permanent: true,
		}
	}

	for _, restricted := range cfg.RestrictedSymbols {
		if restricted == s.Symbol {
			return &executor.Rejection{Reason: executor.ReasonSymbolNotTradable, Detail: "symbol restricted", Permanent: true}
		}
	}
	if len(cfg.AllowedSymbols) > 0 && !contains(cfg.AllowedSymbols, s.Symbol) {
		return &executor.Rejection{Reason: executor.ReasonSymbolNotTradable, Detail: "symbol not in allow list", Permanent: true}
	}

	if d.calendar != nil && !d.calendar.IsOpen(s.Symbol, time.Now().UTC()) {
		return &executor.Rejection{
			Reason:     executor.ReasonMarketClosed,
			Conditions: executor.ConditionsForReason(executor.ReasonMarketClosed, id, s, 0),
		}
	}

	if snap == nil {
		return nil
	}

	pos, held := snap.Positions[s.Symbol]
	if held {
		// Same-side re-entry is a duplicate; opposite side closes or flips
		// and is always allowed.
		sameSide := (pos.Side == signal.PositionLong && s.Action == signal.ActionBuy) ||
			(pos.Side == signal.PositionShort && s.Action == signal.ActionSell)
		if sameSide {
			return &executor.Rejection{
				Reason:     executor.ReasonDuplicateOrder,
				Conditions: executor.ConditionsForReason(executor.ReasonDuplicateOrder, id, s, 0),
			}
		}
		return nil
	}

	// Opening a new position: enforce the correlation group cap.
	if cfg.MaxPerGroup > 0 {
		for group, symbols := range cfg.CorrelationGroups {
			if !contains(symbols, s.Symbol) {
				continue
			}
			held := 0
			for _, member := range symbols {
				if _, ok := snap.Positions[member]; ok {
					held++
				}
			}
			if held >= cfg.MaxPerGroup {
				return &executor.Rejection{
					Reason: executor.ReasonCorrelationCap,
					Detail: group,
					Conditions: []signal.Condition{{
						Kind:       signal.CondUnderCorrelationCap,
						ExecutorID: id,
						Group:      group,
					}},
				}
			}
		}
	}

	if cfg.MaxPositions > 0 && len(snap.Positions) >= cfg.MaxPositions {
		return &executor.Rejection{
			Reason: executor.ReasonCorrelationCap,
			Detail: "portfolio position cap",
			Conditions: []signal.Condition{{
				Kind:       signal.CondUnderCorrelationCap,
				ExecutorID: id,
				Group:      "portfolio",
			}},
		}
	}
	return nil
}

func (d *Distributor) enqueue(ctx context.Context, e *entry, s *signal.Signal, reason string, conds []signal.Condition, lat *latencyOnce) {
	if len(conds) == 0 {
		metrics.Distributions.WithLabelValues(e.exec.ID(), metrics.OutcomeFailed).Inc()
		d.log.Warn().
			Str("executor_id", e.exec.ID()).
			Str("signal_id", s.SignalID.String()).
			Str("reason", reason).
			Msg("Rejection without conditions, recording failure")
		return
	}
	_, err := d.queue.Enqueue(ctx, s.SignalID, e.exec.ID(), conds, reason, int(s.Confidence), d.queueTTL)
	if err != nil {
		d.log.Error().Err(err).
			Str("executor_id", e.exec.ID()).
			Str("signal_id", s.SignalID.String()).
			Msg("Failed to enqueue rejected signal")
		return
	}
	if d.events != nil {
		d.events.SignalQueued(ctx, s.SignalID, e.exec.ID(), reason)
	}
	if lat != nil {
		lat.record()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
