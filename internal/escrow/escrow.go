package escrow

import (
	"time"

	"github.com/google/uuid"
)

// Status of an escrow. Transitions are monotonic
// (pending → funded → released | refunded) except disputed, which can still
// resolve into released or refunded.
type Status int32

const (
	StatusPending Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Escrow is the funds holding record tied 1:1 to a trade.
// Invariant: Balance is either the full Amount (funded, undisbursed) or
// zero (pending, released, refunded); never negative.
type Escrow struct {
	ID      uuid.UUID
	TradeID uuid.UUID

	BuyerID  uuid.UUID
	SellerID uuid.UUID

	Amount   int64
	Currency string
	Balance  int64

	Status Status
	// Version is the compare-and-swap counter; bumped on every mutation.
	Version int64

	// ExternalPaymentRef makes funding idempotent per callback delivery.
	ExternalPaymentRef string

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	return &cp
}

// Payment is the disbursement record created exactly once on release.
type Payment struct {
	ID           uuid.UUID
	EscrowID     uuid.UUID
	Amount       int64
	Currency     string
	SettlementID string
	Rate         int64
	NetAmount    int64
	Reason       string
	CreatedAt    time.Time
}

// Refund is the return record created exactly once on refund.
type Refund struct {
	ID         uuid.UUID
	EscrowID   uuid.UUID
	Amount     int64
	Currency   string
	ProviderID string
	Reason     string
	CreatedAt  time.Time
}
