// Package signal defines the core records that flow through the pipeline:
// source signals in, consensus in the middle, persisted signals and queue
// entries out. Everything here is a plain value type; ownership and mutation
// rules live with the components that produce them.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction is the directional read of a single source or of the consensus.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 for NEUTRAL.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Action is the tradable side of a persisted signal. NEUTRAL consensus never
// becomes a signal, so there is no neutral action.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// ActionForDirection maps a directional consensus to a trade action.
func ActionForDirection(d Direction) (Action, error) {
	switch d {
	case DirectionLong:
		return ActionBuy, nil
	case DirectionShort:
		return ActionSell, nil
	default:
		return "", fmt.Errorf("direction %q has no action", d)
	}
}

// Regime classifies the current market state for a symbol.
type Regime string

const (
	RegimeTrendingUp     Regime = "trending_up"
	RegimeTrendingDown   Regime = "trending_down"
	RegimeRangeBound     Regime = "range_bound"
	RegimeHighVolatility Regime = "high_volatility"
)

// SourceSignal is a single source's read on one symbol for one generation
// cycle. Immutable once produced.
type SourceSignal struct {
	SourceID   string    `json:"source_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // 0-100
	Price      float64   `json:"price,omitempty"`
	AsOf       time.Time `json:"as_of"` // zero value means unknown; treated as fresh
}

// Validate checks the adapter-boundary invariants on a source signal.
func (s SourceSignal) Validate() error {
	if s.SourceID == "" {
		return fmt.Errorf("source signal missing source_id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("source signal missing symbol")
	}
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionNeutral:
	default:
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %.2f out of range [0,100]", s.Confidence)
	}
	return nil
}

// Consensus is the fused view over the surviving source signals for one
// symbol under one regime. Ephemeral input to Signal.
type Consensus struct {
	Symbol              string             `json:"symbol"`
	Direction           Direction          `json:"direction"`
	Confidence          float64            `json:"confidence"` // 0-100
	Regime              Regime             `json:"regime"`
	SourceWeights       map[string]float64 `json:"source_weights"`
	ContributingSources []string           `json:"contributing_sources"` // sorted by source_id
}

// Signal is the persisted, immutable trading recommendation. The hash-chain
// fields are assigned by the ledger on append.
type Signal struct {
	SignalID           uuid.UUID          `json:"signal_id"`
	Symbol             string             `json:"symbol"`
	Action             Action             `json:"action"`
	EntryPrice         float64            `json:"entry_price"`
	Confidence         float64            `json:"confidence"`
	StopPrice          float64            `json:"stop_price,omitempty"`
	TargetPrice        float64            `json:"target_price,omitempty"`
	Rationale          string             `json:"rationale"`
	GeneratedAt        time.Time          `json:"generated_at"`
	Regime             Regime             `json:"regime"`
	SourceWeights      map[string]float64 `json:"source_weights"`
	ChainIndex         int64              `json:"chain_index"`
	PrevHash           string             `json:"prev_hash"`
	ThisHash           string             `json:"this_hash"`
	RetentionExpiresAt time.Time          `json:"retention_expires_at"`
}

// MinRationaleLen is the floor on persisted rationale text.
const MinRationaleLen = 20

// Validate checks the pre-persist invariants. Chain fields are validated by
// the ledger, not here.
func (s *Signal) Validate(minConfidence float64) error {
	if s.SignalID == uuid.Nil {
		return fmt.Errorf("signal missing id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Action != ActionBuy && s.Action != ActionSell {
		return fmt.Errorf("invalid action %q", s.Action)
	}
	if s.Confidence < minConfidence {
		return fmt.Errorf("confidence %.2f below threshold %.2f", s.Confidence, minConfidence)
	}
	if len(s.Rationale) < MinRationaleLen {
		return fmt.Errorf("rationale too short: %d chars, need %d", len(s.Rationale), MinRationaleLen)
	}
	if s.GeneratedAt.IsZero() {
		return fmt.Errorf("signal missing generated_at")
	}
	return nil
}

// QueueStatus is the lifecycle state of a queued signal.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusReady     QueueStatus = "ready"
	QueueStatusExecuting QueueStatus = "executing"
	QueueStatusExecuted  QueueStatus = "executed"
	QueueStatusExpired   QueueStatus = "expired"
	QueueStatusFailed    QueueStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusExecuted || s == QueueStatusExpired || s == QueueStatusFailed
}

// QueuedSignal is a deferred submission held until its conditions clear.
// Only status and attempts mutate; every transition is audited.
type QueuedSignal struct {
	QueueID             uuid.UUID   `json:"queue_id"`
	SignalID            uuid.UUID   `json:"signal_id"`
	ExecutorID          string      `json:"executor_id"`
	Conditions          []Condition `json:"conditions"`
	Status              QueueStatus `json:"status"`
	Attempts            int         `json:"attempts"`
	LastRejectionReason string      `json:"last_rejection_reason,omitempty"`
	EnqueuedAt          time.Time   `json:"enqueued_at"`
	ExpiresAt           time.Time   `json:"expires_at"`
	Priority            int         `json:"priority"`
}

// PositionSide is the side of a held position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position is one open position on an executor account. Qty is always
// positive; the side carries the direction.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Qty           float64      `json:"qty"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
}

// AccountSnapshot is one sample of an executor account, owned by the
// account monitor. Readers always get a copy.
type AccountSnapshot struct {
	ExecutorID     string              `json:"executor_id"`
	BuyingPower    float64             `json:"buying_power"`
	PortfolioValue float64             `json:"portfolio_value"`
	Positions      map[string]Position `json:"positions"`
	SampledAt      time.Time           `json:"sampled_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (a *AccountSnapshot) Clone() *AccountSnapshot {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Positions = make(map[string]Position, len(a.Positions))
	for k, v := range a.Positions {
		cp.Positions[k] = v
	}
	return &cp
}
