// Package queue persists conditional deferred submissions and drains them
// once their conditions clear.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// ErrNotWon is returned when a compare-and-set transition loses the race:
// another worker already moved the entry.
var ErrNotWon = errors.New("queue transition lost")

// DB is the pool subset the store needs; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistent signal queue.
type Store struct {
	db  DB
	log zerolog.Logger
}

// NewStore creates a queue store.
func NewStore(db DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "signal_queue").Logger()}
}

// Enqueue inserts a pending entry and returns its queue id.
func (s *Store) Enqueue(ctx context.Context, signalID uuid.UUID, executorID string, conds []signal.Condition, reason string, priority int, ttl time.Duration) (uuid.UUID, error) {
	for _, c := range conds {
		if err := c.Validate(); err != nil {
			return uuid.Nil, fmt.Errorf("refusing to enqueue: %w", err)
		}
	}
	condsJSON, err := signal.EncodeConditions(conds)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode conditions: %w", err)
	}

	queueID := uuid.New()
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO signal_queue (
			queue_id, signal_id, executor_id, priority, status,
			conditions_json, attempts, last_rejection_reason, enqueued_at, expires_at
		) VALUES ($1,$2,$3,$4,'pending',$5,0,$6,$7,$8)`,
		queueID, signalID, executorID, priority, condsJSON, reason, now, now.Add(ttl))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue signal %s: %w", signalID, err)
	}

	metrics.QueueTransitions.WithLabelValues(string(signal.QueueStatusPending)).Inc()
	s.log.Info().
		Str("queue_id", queueID.String()).
		Str("signal_id", signalID.String()).
		Str("executor_id", executorID).
		Str("reason", reason).
		Int("conditions", len(conds)).
		Msg("Signal enqueued")
	return queueID, nil
}

const queueColumns = `
	queue_id, signal_id, executor_id, priority, status, conditions_json,
	attempts, COALESCE(last_rejection_reason, ''), enqueued_at, expires_at`

// ListReady returns an executor's ready entries, highest priority first,
// oldest first within a priority.
func (s *Store) ListReady(ctx context.Context, executorID string) ([]*signal.QueuedSignal, error) {
	return s.list(ctx, executorID, signal.QueueStatusReady)
}

// ListPending returns an executor's pending entries for condition
// re-evaluation.
func (s *Store) ListPending(ctx context.Context, executorID string) ([]*signal.QueuedSignal, error) {
	return s.list(ctx, executorID, signal.QueueStatusPending)
}

func (s *Store) list(ctx context.Context, executorID string, status signal.QueueStatus) ([]*signal.QueuedSignal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+queueColumns+` FROM signal_queue
		WHERE status = $1 AND executor_id = $2
		ORDER BY priority DESC, enqueued_at ASC`,
		string(status), executorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", status, err)
	}
	defer rows.Close()

	var out []*signal.QueuedSignal
	for rows.Next() {
		var (
			q         signal.QueuedSignal
			condsJSON []byte
			statusStr string
		)
		if err := rows.Scan(&q.QueueID, &q.SignalID, &q.ExecutorID, &q.Priority,
			&statusStr, &condsJSON, &q.Attempts, &q.LastRejectionReason,
			&q.EnqueuedAt, &q.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		q.Status = signal.QueueStatus(statusStr)
		conds, err := signal.DecodeConditions(condsJSON)
		if err != nil {
			// A malformed row cannot be evaluated; skip rather than
			// poison the whole drain.
			s.log.Error().Err(err).Str("queue_id", q.QueueID.String()).Msg("Skipping queue entry with bad conditions")
			continue
		}
		q.Conditions = conds
		out = append(out, &q)
	}
	return out, rows.Err()
}

// MarkReady CAS-transitions pending -> ready.
func (s *Store) MarkReady(ctx context.Context, queueID uuid.UUID) error {
	return s.cas(ctx, queueID, signal.QueueStatusPending, signal.QueueStatusReady, "")
}

// MarkExecuting CAS-transitions ready -> executing. Exactly one caller wins
// per queue id; losers get ErrNotWon.
func (s *Store) MarkExecuting(ctx context.Context, queueID uuid.UUID) error {
	return s.cas(ctx, queueID, signal.QueueStatusReady, signal.QueueStatusExecuting, "")
}

// MarkExecuted finalizes a successfully re-submitted entry.
func (s *Store) MarkExecuted(ctx context.Context, queueID uuid.UUID) error {
	return s.cas(ctx, queueID, signal.QueueStatusExecuting, signal.QueueStatusExecuted, "")
}

// MarkFailed finalizes an entry that exhausted retries or hit a permanent
// rejection.
func (s *Store) MarkFailed(ctx context.Context, queueID uuid.UUID, cause string) error {
	return s.cas(ctx, queueID, signal.QueueStatusExecuting, signal.QueueStatusFailed, cause)
}

// Requeue reverts executing -> pending after a retryable failure or a new
// conditional rejection, bumping attempts and replacing the conditions.
func (s *Store) Requeue(ctx context.Context, queueID uuid.UUID, conds []signal.Condition, reason string) error {
	condsJSON, err := signal.EncodeConditions(conds)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE signal_queue
		SET status = 'pending', attempts = attempts + 1,
		    conditions_json = $2, last_rejection_reason = $3
		WHERE queue_id = $1 AND status = 'executing'`,
		queueID, condsJSON, reason)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", queueID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotWon
	}
	metrics.QueueTransitions.WithLabelValues(string(signal.QueueStatusPending)).Inc()
	return nil
}

func (s *Store) cas(ctx context.Context, queueID uuid.UUID, from, to signal.QueueStatus, cause string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if cause != "" {
		tag, err = s.db.Exec(ctx, `
			UPDATE signal_queue SET status = $3, last_rejection_reason = $4
			WHERE queue_id = $1 AND status = $2`,
			queueID, string(from), string(to), cause)
	} else {
		tag, err = s.db.Exec(ctx, `
			UPDATE signal_queue SET status = $3
			WHERE queue_id = $1 AND status = $2`,
			queueID, string(from), string(to))
	}
	if err != nil {
		return fmt.Errorf("failed to transition %s %s->%s: %w", queueID, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotWon
	}
	metrics.QueueTransitions.WithLabelValues(string(to)).Inc()
	s.log.Debug().
		Str("queue_id", queueID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Queue transition")
	return nil
}

// Expire sweeps non-terminal entries past their deadline. Idempotent.
func (s *Store) Expire(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE signal_queue SET status = 'expired'
		WHERE status IN ('pending', 'ready') AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire queue entries: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		metrics.QueueTransitions.WithLabelValues(string(signal.QueueStatusExpired)).Add(float64(n))
		s.log.Info().Int64("expired", n).Msg("Expired stale queue entries")
	}
	return n, nil
}

// Depths reports entry counts by status for gauges and the ops API.
func (s *Store) Depths(ctx context.Context) (map[signal.QueueStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM signal_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[signal.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan depth row: %w", err)
		}
		depths[signal.QueueStatus(status)] = n
		metrics.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
	return depths, rows.Err()
}
