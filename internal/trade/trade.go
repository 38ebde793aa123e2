package trade

import (
	"time"

	"github.com/google/uuid"
)

// Trade is the current-state projection of a single commercial transaction.
// Mutated exclusively through the kernel; never deleted, only terminal-stated.
type Trade struct {
	ID       uuid.UUID
	State    State
	Sequence int64 // Incremented by exactly 1 per accepted transition

	BuyerID  uuid.UUID
	SellerID uuid.UUID

	Quantity int64
	Unit     string

	// Target price in minor units of Currency
	Amount   int64
	Currency string

	// Free-form metadata: accumulated signatures, integrity hash,
	// trust deltas, buyer_accepted / compliance flags.
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can't mutate store state directly.
func (t *Trade) Clone() *Trade {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// MetadataFlag reports whether a metadata key is set to "true".
func (t *Trade) MetadataFlag(key string) bool {
	return t.Metadata[key] == "true"
}
