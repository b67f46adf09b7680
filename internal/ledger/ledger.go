// Package ledger is the append-only, hash-chained signal store. A single
// exclusive lock serializes appends; storage triggers reject every UPDATE
// and DELETE and record the attempt in the audit log.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// DB is the subset of pgxpool.Pool the ledger uses. pgxmock satisfies it in
// tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Ledger owns all writes to the signals table.
type Ledger struct {
	db DB

	// chainMu is the exclusive chain lock: one append at a time per process.
	// Cross-process safety comes from the transaction's row lock on the max
	// chain_index read.
	chainMu sync.Mutex
	log     zerolog.Logger
}

// New creates a ledger over the given connection.
func New(db DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		log: log.With().Str("component", "ledger").Logger(),
	}
}

const appendSQL = `
	INSERT INTO signals (
		signal_id, symbol, action, entry_price, confidence,
		stop_price, target_price, rationale, generated_at, regime,
		source_weights_json, chain_index, prev_hash, this_hash,
		retention_expires_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

const headSQL = `
	SELECT chain_index, this_hash FROM signals
	ORDER BY chain_index DESC LIMIT 1 FOR UPDATE`

// Append assigns the next chain_index, computes the hash link and inserts
// the signal. On success the returned signal carries its chain fields.
// Nothing may be distributed before Append returns.
func (l *Ledger) Append(ctx context.Context, s *signal.Signal) (*signal.Signal, error) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		headIndex int64
		headHash  string
	)
	err = tx.QueryRow(ctx, headSQL).Scan(&headIndex, &headHash)
	switch err {
	case nil:
		s.ChainIndex = headIndex + 1
		s.PrevHash = headHash
	case pgx.ErrNoRows:
		s.ChainIndex = 1
		s.PrevHash = GenesisHash
	default:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	s.ThisHash = ComputeHash(s)

	weightsJSON, err := json.Marshal(s.SourceWeights)
	if err != nil {
		return nil, fmt.Errorf("failed to encode source weights: %w", err)
	}

	if _, err := tx.Exec(ctx, appendSQL,
		s.SignalID, s.Symbol, string(s.Action), s.EntryPrice, s.Confidence,
		nullableFloat(s.StopPrice), nullableFloat(s.TargetPrice), s.Rationale,
		s.GeneratedAt.UTC(), string(s.Regime), weightsJSON, s.ChainIndex,
		s.PrevHash, s.ThisHash, s.RetentionExpiresAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert signal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	metrics.SignalsEmitted.Inc()
	l.log.Info().
		Str("signal_id", s.SignalID.String()).
		Str("symbol", s.Symbol).
		Str("action", string(s.Action)).
		Float64("confidence", s.Confidence).
		Int64("chain_index", s.ChainIndex).
		Msg("Signal appended to ledger")

	return s, nil
}

const selectColumns = `
	signal_id, symbol, action, entry_price, confidence,
	stop_price, target_price, rationale, generated_at, regime,
	source_weights_json, chain_index, prev_hash, this_hash,
	retention_expires_at`

// GetLatest returns the most recent n signals for a symbol, newest first.
func (l *Ledger) GetLatest(ctx context.Context, symbol string, n int) ([]*signal.Signal, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+selectColumns+` FROM signals
		 WHERE symbol = $1 ORDER BY chain_index DESC LIMIT $2`,
		symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// Range returns a symbol's signals in [from, to], oldest first.
func (l *Ledger) Range(ctx context.Context, symbol string, from, to time.Time) ([]*signal.Signal, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+selectColumns+` FROM signals
		 WHERE symbol = $1 AND generated_at >= $2 AND generated_at <= $3
		 ORDER BY chain_index ASC`,
		symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query signal range: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// GetByID loads a single signal by its id.
func (l *Ledger) GetByID(ctx context.Context, signalID uuid.UUID) (*signal.Signal, error) {
	rows, err := l.db.Query(ctx,
		`SELECT `+selectColumns+` FROM signals WHERE signal_id = $1`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal %s: %w", signalID, err)
	}
	defer rows.Close()
	out, err := scanSignals(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, pgx.ErrNoRows
	}
	return out[0], nil
}

// Head returns the latest chain index, or 0 for an empty ledger.
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	var head int64
	err := l.db.QueryRow(ctx, `SELECT COALESCE(MAX(chain_index), 0) FROM signals`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain head index: %w", err)
	}
	return head, nil
}

// AuditEntry is one row of the mutation audit trail.
type AuditEntry struct {
	ID          int64     `json:"id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Op          string    `json:"op"`
	SignalID    string    `json:"signal_id"`
	Outcome     string    `json:"outcome"`
	Actor       string    `json:"actor,omitempty"`
}

// AuditLog returns the most recent n audit rows, newest first.
func (l *Ledger) AuditLog(ctx context.Context, n int) ([]AuditEntry, error) {
	rows, err := l.db.Query(ctx,
		`SELECT id, attempted_at, op, signal_id, outcome, COALESCE(actor, '')
		 FROM signal_audit_log ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AttemptedAt, &e.Op, &e.SignalID, &e.Outcome, &e.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Health checks connectivity.
func (l *Ledger) Health(ctx context.Context) error {
	return l.db.Ping(ctx)
}

func scanSignals(rows pgx.Rows) ([]*signal.Signal, error) {
	var out []*signal.Signal
	for rows.Next() {
		var (
			s           signal.Signal
			stop        *float64
			target      *float64
			action      string
			regime      string
			weightsJSON []byte
		)
		if err := rows.Scan(
			&s.SignalID, &s.Symbol, &action, &s.EntryPrice, &s.Confidence,
			&stop, &target, &s.Rationale, &s.GeneratedAt, &regime,
			&weightsJSON, &s.ChainIndex, &s.PrevHash, &s.ThisHash,
			&s.RetentionExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		s.Action = signal.Action(action)
		s.Regime = signal.Regime(regime)
		if stop != nil {
			s.StopPrice = *stop
		}
		if target != nil {
			s.TargetPrice = *target
		}
		if len(weightsJSON) > 0 {
			if err := json.Unmarshal(weightsJSON, &s.SourceWeights); err != nil {
				return nil, fmt.Errorf("failed to decode source weights for %s: %w", s.SignalID, err)
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func nullableFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}
