package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// Enricher optionally appends free-form commentary to a rationale. The
// deterministic template always comes first; enrichment is additive and a
// failed enrichment is dropped silently.
type Enricher interface {
	Enrich(ctx context.Context, cons signal.Consensus) (string, error)
}

// buildRationale renders the deterministic rationale template from the
// consensus. Output always clears the persisted-length floor.
func buildRationale(cons signal.Consensus) string {
	verb := "long"
	if cons.Direction == signal.DirectionShort {
		verb = "short"
	}
	return fmt.Sprintf(
		"Weighted consensus of %d sources (%s) reads %s on %s at %.1f%% confidence under %s regime.",
		len(cons.ContributingSources),
		strings.Join(cons.ContributingSources, ", "),
		verb,
		cons.Symbol,
		cons.Confidence,
		cons.Regime,
	)
}
