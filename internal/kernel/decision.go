package kernel

import (
	"TradeKernel/internal/trade"

	"github.com/google/uuid"
)

// Decision is the kernel's verdict on a proposed transition.
type Decision int32

const (
	DecisionAllow Decision = iota
	DecisionBlock
	DecisionConflict
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionBlock:
		return "BLOCK"
	case DecisionConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// ReasonCode classifies why a transition was rejected.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonValidation          ReasonCode = "VALIDATION"
	ReasonIllegalTransition   ReasonCode = "ILLEGAL_TRANSITION"
	ReasonEntryConditionUnmet ReasonCode = "ENTRY_CONDITION_UNMET"
	ReasonConflict            ReasonCode = "CONFLICT"
	ReasonDependencyTimeout   ReasonCode = "DEPENDENCY_TIMEOUT"
	ReasonTradeNotFound       ReasonCode = "TRADE_NOT_FOUND"
)

// Request is a proposed transition.
type Request struct {
	TradeID uuid.UUID
	// NextState must be a member of the state enum.
	NextState trade.State
	// Metadata is merged into the trade's metadata on success.
	Metadata map[string]string
	// ExpectedSequence, if non-nil, must equal the stored sequence
	// (optimistic concurrency).
	ExpectedSequence *int64
	// TriggeredBy identifies the calling party for the audit trail.
	TriggeredBy string
}

// Result is the decision returned to the caller. Rejections always carry a
// human-readable Reason and, where relevant, the concrete unmet conditions.
type Result struct {
	Success         bool
	Decision        Decision
	Trade           *trade.Trade
	ReasonCode      ReasonCode
	Reason          string
	RequiredActions []string
	// ResultingState is what the trade would become (dry-run preview).
	ResultingState trade.State
}
