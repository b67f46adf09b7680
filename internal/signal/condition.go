package signal

import (
	"encoding/json"
	"fmt"
)

// ConditionKind discriminates the Condition variants.
type ConditionKind string

const (
	CondBuyingPower         ConditionKind = "needs_buying_power"
	CondPosition            ConditionKind = "needs_position"
	CondNoDuplicate         ConditionKind = "needs_no_duplicate"
	CondUnderCorrelationCap ConditionKind = "needs_under_correlation_cap"
	CondMarketOpen          ConditionKind = "needs_market_open"
	CondExecutorCapacity    ConditionKind = "needs_executor_capacity"
)

// Condition encodes why a signal cannot execute yet and what must change.
// A queued signal is ready when every condition evaluates true against the
// latest account snapshot.
type Condition struct {
	Kind       ConditionKind `json:"kind"`
	ExecutorID string        `json:"executor_id,omitempty"`
	Symbol     string        `json:"symbol,omitempty"`
	Side       PositionSide  `json:"side,omitempty"`
	MinAmount  float64       `json:"min_amount,omitempty"`
	Group      string        `json:"group,omitempty"`
}

func (c Condition) String() string {
	switch c.Kind {
	case CondBuyingPower:
		return fmt.Sprintf("%s(executor=%s, min=%.2f)", c.Kind, c.ExecutorID, c.MinAmount)
	case CondPosition, CondNoDuplicate:
		return fmt.Sprintf("%s(executor=%s, symbol=%s, side=%s)", c.Kind, c.ExecutorID, c.Symbol, c.Side)
	case CondUnderCorrelationCap:
		return fmt.Sprintf("%s(executor=%s, group=%s)", c.Kind, c.ExecutorID, c.Group)
	case CondMarketOpen:
		return fmt.Sprintf("%s(symbol=%s)", c.Kind, c.Symbol)
	default:
		return string(c.Kind)
	}
}

// Validate checks that the variant carries the fields its kind requires.
func (c Condition) Validate() error {
	switch c.Kind {
	case CondBuyingPower:
		if c.ExecutorID == "" || c.MinAmount <= 0 {
			return fmt.Errorf("%s requires executor_id and positive min_amount", c.Kind)
		}
	case CondPosition, CondNoDuplicate:
		if c.ExecutorID == "" || c.Symbol == "" || c.Side == "" {
			return fmt.Errorf("%s requires executor_id, symbol and side", c.Kind)
		}
	case CondUnderCorrelationCap:
		if c.ExecutorID == "" || c.Group == "" {
			return fmt.Errorf("%s requires executor_id and group", c.Kind)
		}
	case CondMarketOpen:
		if c.Symbol == "" {
			return fmt.Errorf("%s requires symbol", c.Kind)
		}
	case CondExecutorCapacity:
		if c.ExecutorID == "" {
			return fmt.Errorf("%s requires executor_id", c.Kind)
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// EncodeConditions serializes conditions for the queue table.
func EncodeConditions(conds []Condition) ([]byte, error) {
	if conds == nil {
		conds = []Condition{}
	}
	return json.Marshal(conds)
}

// DecodeConditions is the schema-checked decode at the storage boundary.
// Unknown kinds fail decoding rather than passing through silently.
func DecodeConditions(data []byte) ([]Condition, error) {
	var conds []Condition
	if err := json.Unmarshal(data, &conds); err != nil {
		return nil, fmt.Errorf("failed to decode conditions: %w", err)
	}
	for i, c := range conds {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return conds, nil
}
