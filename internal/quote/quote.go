package quote

import (
	"time"

	"github.com/google/uuid"
)

// Status of a quote. Acceptance is kernel-mediated, never set directly by
// the supplier.
type Status int32

const (
	StatusSubmitted Status = iota
	StatusAccepted
	StatusRejected
	StatusWithdrawn
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// Quote is a supplier's binding offer against an open trade. Immutable once
// accepted into a contract.
type Quote struct {
	ID         uuid.UUID
	TradeID    uuid.UUID
	SupplierID uuid.UUID

	// Prices in minor units of Currency
	UnitPrice  int64
	TotalPrice int64
	Currency   string

	LeadTimeDays     int
	Incoterms        string
	DeliveryLocation string
	PaymentTerms     string
	Certificates     []string
	Notes            string

	Status      Status
	SubmittedAt time.Time
}

func (q *Quote) clone() *Quote {
	cp := *q
	cp.Certificates = append([]string(nil), q.Certificates...)
	return &cp
}
