package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminator for domain events.
type Type int32

const (
	TypeUnknown Type = iota
	TypeTradeCreated
	TypeStateTransition
	TypeQuoteReceived
	TypeEscrowCreated
	TypeEscrowFunded
	TypePaymentReleased
	TypeRefundInitiated
	TypeShipmentCreated
	TypePickupConfirmed
	TypeInTransit
	TypeDelivered
	TypeMilestoneRecorded
	TypeConsensusSignature
	TypeDisputeOpened
	TypeContractCreated
)

// Event is an immutable domain event. Append-only: the concatenation of a
// trade's events must be sufficient to reconstruct its projection.
type Event struct {
	TradeID     uuid.UUID
	Type        Type
	Metadata    map[string]string
	TriggeredBy string
	CreatedAt   time.Time
}

// Envelope wraps every event in the durable log.
type Envelope struct {
	// Global monotonic sequence assigned by the ledger
	Sequence int64

	// Stable dedup key
	IdempotencyKey string

	Event Event

	// SHA-256 over (trade id, state/metadata digest) AFTER this event
	IntegrityHash [32]byte

	// Previous envelope's hash (chain integrity)
	PrevHash [32]byte
}

func (t Type) String() string {
	switch t {
	case TypeTradeCreated:
		return "TRADE_CREATED"
	case TypeStateTransition:
		return "STATE_TRANSITION"
	case TypeQuoteReceived:
		return "QUOTE_RECEIVED"
	case TypeEscrowCreated:
		return "ESCROW_CREATED"
	case TypeEscrowFunded:
		return "ESCROW_FUNDED"
	case TypePaymentReleased:
		return "PAYMENT_RELEASED"
	case TypeRefundInitiated:
		return "REFUND_INITIATED"
	case TypeShipmentCreated:
		return "SHIPMENT_CREATED"
	case TypePickupConfirmed:
		return "PICKUP_CONFIRMED"
	case TypeInTransit:
		return "IN_TRANSIT"
	case TypeDelivered:
		return "DELIVERED"
	case TypeMilestoneRecorded:
		return "MILESTONE_RECORDED"
	case TypeConsensusSignature:
		return "CONSENSUS_SIGNATURE"
	case TypeDisputeOpened:
		return "DISPUTE_OPENED"
	case TypeContractCreated:
		return "CONTRACT_CREATED"
	default:
		return "UNKNOWN"
	}
}

// ParseType converts the wire representation into a Type.
func ParseType(s string) (Type, bool) {
	for t := TypeTradeCreated; t <= TypeContractCreated; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return TypeUnknown, false
}
