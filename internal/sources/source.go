// Package sources implements the data-source registry: a uniform fetch
// surface over heterogeneous adapters with per-source rate limiting,
// circuit breaking, and health accounting.
package sources

import (
	"context"
	"errors"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// Source is the adapter contract every data source implements. Fetch must
// honor the context deadline and never block other sources.
type Source interface {
	ID() string
	Fetch(ctx context.Context, symbol string) (signal.SourceSignal, error)
}

// Kind tags how a source derives its view; the consensus engine reweights
// by kind under different regimes.
type Kind string

const (
	KindMomentum      Kind = "momentum"
	KindMeanReversion Kind = "mean_reversion"
	KindSentiment     Kind = "sentiment"
	KindOrderFlow     Kind = "order_flow"
	KindOther         Kind = "other"
)

// ParseKind maps a config string to a Kind, defaulting to KindOther.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindMomentum, KindMeanReversion, KindSentiment, KindOrderFlow:
		return Kind(s)
	default:
		return KindOther
	}
}

// Sentinel fetch errors. Callers classify with errors.Is.
var (
	ErrRateLimited = errors.New("source rate limited")
	ErrCircuitOpen = errors.New("source circuit open")
	ErrTimeout     = errors.New("source fetch timeout")
	ErrBadData     = errors.New("source returned bad data")
	ErrUpstream    = errors.New("source upstream error")
)
