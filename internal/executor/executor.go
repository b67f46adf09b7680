// Package executor defines the trade-execution backend boundary. An executor
// is any system that can validate and accept a signal: a broker adapter, a
// paper-trading engine, a downstream order router.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// Rejection reason codes. The set is closed; adapters map their upstream
// error vocabulary onto it.
const (
	ReasonInsufficientBuyingPower = "INSUFFICIENT_BUYING_POWER"
	ReasonNoPosition              = "NO_POSITION_TO_CLOSE"
	ReasonDuplicateOrder          = "DUPLICATE_POSITION"
	ReasonCorrelationCap          = "CORRELATION_CAP_EXCEEDED"
	ReasonMarketClosed            = "MARKET_CLOSED"
	ReasonSymbolNotTradable       = "SYMBOL_NOT_TRADABLE"
	ReasonCapacity                = "EXECUTOR_CAPACITY"
)

// Rejection is a structured refusal from pre-flight or from the executor
// itself. Permanent rejections terminate; conditional ones carry the
// conditions under which a retry could succeed.
type Rejection struct {
	Reason     string
	Detail     string
	Permanent  bool
	Conditions []signal.Condition
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("rejected: %s (%s)", r.Reason, r.Detail)
	}
	return fmt.Sprintf("rejected: %s", r.Reason)
}

// AsRejection unwraps a *Rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// ErrTransient marks failures worth retrying: network blips, upstream rate
// limits, 5xx responses. Adapters wrap with %w.
var ErrTransient = errors.New("transient executor failure")

// IsTransient reports whether the failure should go through the retry ladder.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Executor is one execution backend. Implementations must honor the context
// deadline on every call and never block past it.
type Executor interface {
	ID() string

	// Validate runs the executor's own risk checks without submitting.
	// A *Rejection return is a structured refusal; other errors are
	// infrastructure failures.
	Validate(ctx context.Context, s *signal.Signal) error

	// Submit hands the signal over for execution. Returns nil on accept,
	// *Rejection on refusal, ErrTransient-wrapped errors on retryable
	// infrastructure failure.
	Submit(ctx context.Context, s *signal.Signal) error

	// AccountSnapshot samples the current account state.
	AccountSnapshot(ctx context.Context) (*signal.AccountSnapshot, error)
}

// ConditionsForReason translates a rejection reason into the queue conditions
// that describe what must change before a retry can succeed. A nil return
// means the rejection has no conditional retry semantics.
func ConditionsForReason(reason, executorID string, s *signal.Signal, minAmount float64) []signal.Condition {
	side := signal.PositionLong
	if s.Action == signal.ActionSell {
		side = signal.PositionShort
	}
	switch reason {
	case ReasonInsufficientBuyingPower:
		if minAmount <= 0 {
			minAmount = s.EntryPrice
		}
		return []signal.Condition{{
			Kind:       signal.CondBuyingPower,
			ExecutorID: executorID,
			MinAmount:  minAmount,
		}}
	case ReasonNoPosition:
		return []signal.Condition{{
			Kind:       signal.CondPosition,
			ExecutorID: executorID,
			Symbol:     s.Symbol,
			Side:       side,
		}}
	case ReasonDuplicateOrder:
		return []signal.Condition{{
			Kind:       signal.CondNoDuplicate,
			ExecutorID: executorID,
			Symbol:     s.Symbol,
			Side:       side,
		}}
	case ReasonMarketClosed:
		return []signal.Condition{{
			Kind:   signal.CondMarketOpen,
			Symbol: s.Symbol,
		}}
	case ReasonCapacity:
		return []signal.Condition{{
			Kind:       signal.CondExecutorCapacity,
			ExecutorID: executorID,
		}}
	default:
		return nil
	}
}
