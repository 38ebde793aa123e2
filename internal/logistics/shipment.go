package logistics

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Milestone categories derived from milestone names.
const (
	CategoryPending   = "pending"
	CategoryPickedUp  = "picked_up"
	CategoryInTransit = "in_transit"
	CategoryDelivered = "delivered"
)

// Milestone is a single timestamped logistics event on a shipment.
type Milestone struct {
	Name       string
	Location   string
	Category   string
	Notes      string
	OccurredAt time.Time
	RecordedAt time.Time
}

// Shipment is the per-trade shipment record. Milestones are append-only and
// monotonically time-ordered; Status is derived from the latest milestone's
// category.
type Shipment struct {
	ID          uuid.UUID
	TradeID     uuid.UUID
	TrackingRef string
	Carrier     string

	EstimatedPickup   time.Time
	EstimatedDelivery time.Time

	Status     string
	Milestones []Milestone
	// Version is the compare-and-swap counter for the milestone list.
	Version int64

	CreatedAt time.Time
}

func (sh *Shipment) clone() *Shipment {
	cp := *sh
	cp.Milestones = append([]Milestone(nil), sh.Milestones...)
	return &cp
}

// latest returns the most recent milestone.
func (sh *Shipment) latest() Milestone {
	return sh.Milestones[len(sh.Milestones)-1]
}

// DeliveryReceipt is the immutable confirmation written when a shipment
// reaches a delivered milestone.
type DeliveryReceipt struct {
	ID          uuid.UUID
	ShipmentID  uuid.UUID
	TradeID     uuid.UUID
	TrackingRef string
	Location    string
	DeliveredAt time.Time
	IssuedAt    time.Time
}

// Classify maps a milestone name onto a coarse category by keyword
// matching. Unrecognized names fall back to in_transit.
func Classify(name string) string {
	n := strings.ToLower(name)

	switch {
	case strings.Contains(n, "deliver"), strings.Contains(n, "received by consignee"):
		return CategoryDelivered
	case strings.Contains(n, "pickup"), strings.Contains(n, "picked up"), strings.Contains(n, "collect"):
		return CategoryPickedUp
	default:
		return CategoryInTransit
	}
}
