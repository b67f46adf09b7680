package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfuse/signalfuse/internal/signal"
)

var signalColumns = []string{
	"signal_id", "symbol", "action", "entry_price", "confidence",
	"stop_price", "target_price", "rationale", "generated_at", "regime",
	"source_weights_json", "chain_index", "prev_hash", "this_hash",
	"retention_expires_at",
}

func testSignal(symbol string) *signal.Signal {
	return &signal.Signal{
		SignalID:           uuid.New(),
		Symbol:             symbol,
		Action:             signal.ActionBuy,
		EntryPrice:         50000,
		Confidence:         82.5,
		StopPrice:          49000,
		TargetPrice:        52500,
		Rationale:          "Weighted consensus of 3 sources reads long on BTC-USD.",
		GeneratedAt:        time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		Regime:             signal.RegimeTrendingUp,
		SourceWeights:      map[string]float64{"momentum-1": 0.6, "reversion-1": 0.4},
		RetentionExpiresAt: time.Date(2033, 2, 10, 12, 0, 0, 0, time.UTC),
	}
}

// chained builds n consecutively linked signals starting at index 1.
func chained(n int) []*signal.Signal {
	out := make([]*signal.Signal, n)
	prev := GenesisHash
	for i := range out {
		s := testSignal("BTC-USD")
		s.GeneratedAt = s.GeneratedAt.Add(time.Duration(i) * 5 * time.Second)
		s.ChainIndex = int64(i + 1)
		s.PrevHash = prev
		s.ThisHash = ComputeHash(s)
		prev = s.ThisHash
		out[i] = s
	}
	return out
}

// anyArgs returns n pgxmock.AnyArg matchers so expectations can match
// parameterized statements without asserting on argument values.
func anyArgs(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func signalRows(signals ...*signal.Signal) *pgxmock.Rows {
	rows := pgxmock.NewRows(signalColumns)
	for _, s := range signals {
		rows.AddRow(
			s.SignalID, s.Symbol, string(s.Action), s.EntryPrice, s.Confidence,
			nullableFloat(s.StopPrice), nullableFloat(s.TargetPrice), s.Rationale,
			s.GeneratedAt, string(s.Regime), []byte(`{"momentum-1":0.6,"reversion-1":0.4}`),
			s.ChainIndex, s.PrevHash, s.ThisHash, s.RetentionExpiresAt,
		)
	}
	return rows
}

func TestAppendGenesis(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chain_index, this_hash FROM signals").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO signals").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	led := New(mock, zerolog.Nop())
	s := testSignal("BTC-USD")
	out, err := led.Append(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, int64(1), out.ChainIndex)
	assert.Equal(t, GenesisHash, out.PrevHash)
	assert.Equal(t, ComputeHash(out), out.ThisHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendLinksToHead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	headHash := ComputeHash(testSignal("BTC-USD"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chain_index, this_hash FROM signals").
		WillReturnRows(pgxmock.NewRows([]string{"chain_index", "this_hash"}).
			AddRow(int64(41), headHash))
	mock.ExpectExec("INSERT INTO signals").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	led := New(mock, zerolog.Nop())
	out, err := led.Append(context.Background(), testSignal("ETH-USD"))
	require.NoError(t, err)

	assert.Equal(t, int64(42), out.ChainIndex)
	assert.Equal(t, headHash, out.PrevHash)
	assert.Equal(t, ComputeHash(out), out.ThisHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendInsertFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chain_index, this_hash FROM signals").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO signals").
		WithArgs(anyArgs(15)...).
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	led := New(mock, zerolog.Nop())
	_, err = led.Append(context.Background(), testSignal("BTC-USD"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert signal")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(2)
	mock.ExpectQuery("FROM signals").
		WithArgs("BTC-USD", 2).
		WillReturnRows(signalRows(signals[1], signals[0]))

	led := New(mock, zerolog.Nop())
	out, err := led.GetLatest(context.Background(), "BTC-USD", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2), out[0].ChainIndex)
	assert.Equal(t, signals[1].ThisHash, out[0].ThisHash)
	assert.Equal(t, 0.6, out[0].SourceWeights["momentum-1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery("FROM signals WHERE signal_id").
		WithArgs(id).
		WillReturnRows(signalRows())

	led := New(mock, zerolog.Nop())
	_, err = led.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeadEmptyLedger(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	led := New(mock, zerolog.Nop())
	head, err := led.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestVerifyChainValid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(3)
	mock.ExpectQuery("FROM signals").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(signalRows(signals...))

	led := New(mock, zerolog.Nop())
	res, err := led.VerifyChain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Checked)
	assert.Zero(t, res.BadIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyChainDetectsTamperedEntry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(3)
	// Tamper with the persisted price of entry 2; the stored hash no longer
	// matches the recomputation.
	signals[1].EntryPrice += 100
	mock.ExpectQuery("FROM signals").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(signalRows(signals...))

	led := New(mock, zerolog.Nop())
	res, err := led.VerifyChain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(2), res.BadIndex)
	assert.Contains(t, res.Reason, "recomputed")
	assert.Equal(t, 2, res.Checked, "verification stops at the first break")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(3)
	signals[2].PrevHash = GenesisHash
	signals[2].ThisHash = ComputeHash(signals[2])
	mock.ExpectQuery("FROM signals").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(signalRows(signals...))

	led := New(mock, zerolog.Nop())
	res, err := led.VerifyChain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(3), res.BadIndex)
	assert.Contains(t, res.Reason, "prev_hash")
}

func TestVerifyChainDetectsGap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(3)
	mock.ExpectQuery("FROM signals").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(signalRows(signals[0], signals[2]))

	led := New(mock, zerolog.Nop())
	res, err := led.VerifyChain(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(3), res.BadIndex)
	assert.Contains(t, res.Reason, "gap")
}

func TestVerifyChainSegmentUsesPredecessorHash(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	signals := chained(5)
	mock.ExpectQuery("FROM signals").
		WithArgs(int64(3), int64(5)).
		WillReturnRows(signalRows(signals[2], signals[3], signals[4]))
	mock.ExpectQuery("SELECT this_hash FROM signals").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"this_hash"}).AddRow(signals[1].ThisHash))

	led := New(mock, zerolog.Nop())
	res, err := led.VerifyChain(context.Background(), 3, 5)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Checked)
	require.NoError(t, mock.ExpectationsWereMet())
}
