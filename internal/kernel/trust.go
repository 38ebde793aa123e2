package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"TradeKernel/internal/trade"

	"github.com/google/uuid"
)

// trustDeltas maps each state entered to its trust-score delta.
var trustDeltas = map[trade.State]int{
	trade.StateContracted:   +2,
	trade.StateEscrowFunded: +5,
	trade.StateDelivered:    +10,
	trade.StateSettled:      +15,
	trade.StateDisputed:     -25,
}

// TrustDelta returns the trust-score delta applied when a trade enters
// state. Pure function of the state; states without an entry score 0.
func TrustDelta(state trade.State) int {
	return trustDeltas[state]
}

// IntegrityHash computes the hex-encoded SHA-256 over trade id, state, and
// metadata in sorted key order. Pure function: no store access, no clock.
func IntegrityHash(tradeID uuid.UUID, state trade.State, metadata map[string]string) string {
	h := sha256.New()

	h.Write(tradeID[:])
	h.Write([]byte(state.String()))

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte{0x00})
		h.Write([]byte(k))
		h.Write([]byte{0x01})
		h.Write([]byte(metadata[k]))
	}

	return hex.EncodeToString(h.Sum(nil))
}
