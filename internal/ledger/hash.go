package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalfuse/signalfuse/internal/signal"
)

// GenesisHash is the prev_hash of the first chain entry.
var GenesisHash = strings.Repeat("0", 64)

// ComputeHash derives the chain hash for a signal. The canonical encoding is
// fixed: any change breaks verification of existing chains.
func ComputeHash(s *signal.Signal) string {
	canonical := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%d|%s",
		s.ChainIndex,
		s.SignalID,
		s.Symbol,
		s.Action,
		strconv.FormatFloat(s.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(s.Confidence, 'f', -1, 64),
		s.GeneratedAt.UTC().UnixNano(),
		s.PrevHash,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
