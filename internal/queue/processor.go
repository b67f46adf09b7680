package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/executor"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// Resubmitter is the distributor's single-executor re-submission path.
type Resubmitter interface {
	SubmitForExecutor(ctx context.Context, executorID string, s *signal.Signal) (bool, *executor.Rejection, error)
}

// SignalLoader resolves queue entries back to their ledger signals.
type SignalLoader interface {
	GetByID(ctx context.Context, signalID uuid.UUID) (*signal.Signal, error)
}

// Processor drains ready queue entries, one dedicated worker per executor.
// Workers sleep until the account monitor signals a change or the max-sleep
// elapses.
type Processor struct {
	cfg         config.QueueConfig
	store       *Store
	resubmitter Resubmitter
	loader      SignalLoader
	executorIDs []string
	log         zerolog.Logger

	mu    sync.Mutex
	wake  map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewProcessor creates the processor for the given executors.
func NewProcessor(cfg config.QueueConfig, store *Store, resubmitter Resubmitter, loader SignalLoader, executorIDs []string, log zerolog.Logger) *Processor {
	p := &Processor{
		cfg:         cfg,
		store:       store,
		resubmitter: resubmitter,
		loader:      loader,
		executorIDs: executorIDs,
		log:         log.With().Str("component", "queue_processor").Logger(),
		wake:        make(map[string]chan struct{}, len(executorIDs)),
	}
	for _, id := range executorIDs {
		p.wake[id] = make(chan struct{}, 1)
	}
	return p
}

// Notify wakes an executor's worker early. Safe to call from the account
// monitor's callback; an already-pending wakeup is coalesced.
func (p *Processor) Notify(executorID string) {
	p.mu.Lock()
	ch, ok := p.wake[executorID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the per-executor drain workers.
func (p *Processor) Start(ctx context.Context) {
	for _, id := range p.executorIDs {
		id := id
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}()
	}
}

// Wait blocks until every worker has stopped.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) runWorker(ctx context.Context, executorID string) {
	wake := p.wake[executorID]
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(p.cfg.MaxSleep()):
		}
		p.drain(ctx, executorID)
	}
}

func (p *Processor) drain(ctx context.Context, executorID string) {
	if _, err := p.store.Expire(ctx); err != nil {
		p.log.Error().Err(err).Msg("Expiry sweep failed")
	}

	ready, err := p.store.ListReady(ctx, executorID)
	if err != nil {
		p.log.Error().Err(err).Str("executor_id", executorID).Msg("Failed to list ready entries")
		return
	}

	for _, q := range ready {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, q)
	}
}

func (p *Processor) process(ctx context.Context, q *signal.QueuedSignal) {
	// Exactly one worker wins the entry; losers move on.
	if err := p.store.MarkExecuting(ctx, q.QueueID); err != nil {
		return
	}

	s, err := p.loader.GetByID(ctx, q.SignalID)
	if err != nil {
		p.log.Error().Err(err).
			Str("queue_id", q.QueueID.String()).
			Str("signal_id", q.SignalID.String()).
			Msg("Queue entry references unloadable signal")
		_ = p.store.MarkFailed(ctx, q.QueueID, "signal not loadable")
		return
	}

	accepted, rej, err := p.resubmitter.SubmitForExecutor(ctx, q.ExecutorID, s)
	switch {
	case accepted:
		if err := p.store.MarkExecuted(ctx, q.QueueID); err != nil {
			p.log.Error().Err(err).Str("queue_id", q.QueueID.String()).Msg("Failed to finalize executed entry")
		}
		p.log.Info().
			Str("queue_id", q.QueueID.String()).
			Str("executor_id", q.ExecutorID).
			Str("symbol", s.Symbol).
			Msg("Queued signal executed")

	case rej != nil && rej.Permanent:
		_ = p.store.MarkFailed(ctx, q.QueueID, rej.Reason)

	case rej != nil:
		// New conditional cause: replace the conditions and park again. A
		// bare reason code maps to its retry conditions first; a rejection
		// with nothing to wait on is terminal.
		conds := rej.Conditions
		if len(conds) == 0 {
			conds = executor.ConditionsForReason(rej.Reason, q.ExecutorID, s, 0)
		}
		if len(conds) == 0 {
			_ = p.store.MarkFailed(ctx, q.QueueID, rej.Reason)
			return
		}
		if err := p.store.Requeue(ctx, q.QueueID, conds, rej.Reason); err != nil {
			p.log.Error().Err(err).Str("queue_id", q.QueueID.String()).Msg("Failed to requeue entry")
		}

	case err != nil && executor.IsTransient(err):
		attempts := q.Attempts + 1
		if attempts >= p.cfg.MaxAttempts {
			_ = p.store.MarkFailed(ctx, q.QueueID, err.Error())
			p.log.Warn().
				Str("queue_id", q.QueueID.String()).
				Int("attempts", attempts).
				Msg("Queue entry exhausted retries")
			return
		}
		p.scheduleRetry(ctx, q, attempts, err.Error())

	case err != nil:
		_ = p.store.MarkFailed(ctx, q.QueueID, err.Error())
	}
}

// retryDelay is base * 2^(attempts-1) with jitter, capped.
func (p *Processor) retryDelay(attempts int) time.Duration {
	d := p.cfg.RetryBase() << (attempts - 1)
	if ceiling := p.cfg.RetryCap(); d > ceiling {
		d = ceiling
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// scheduleRetry parks the entry on its own timer and returns it to pending
// after the backoff, so one flaky entry never stalls the executor's drain
// loop behind a sleep.
func (p *Processor) scheduleRetry(ctx context.Context, q *signal.QueuedSignal, attempts int, cause string) {
	delay := p.retryDelay(attempts)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		// Requeue even on shutdown so the entry does not stay executing.
		rqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.Requeue(rqCtx, q.QueueID, q.Conditions, cause); err != nil {
			p.log.Error().Err(err).Str("queue_id", q.QueueID.String()).Msg("Failed to requeue after transient failure")
			return
		}
		p.Notify(q.ExecutorID)
	}()
}
