package logistics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("shipment not found")
	// ErrTimestampRegression: a milestone earlier than the latest recorded
	// one is an integrity violation — rejected, list unchanged.
	ErrTimestampRegression = errors.New("milestone timestamp regression")
	ErrUnknownTracking     = errors.New("unknown tracking number")
)

// Tracker records shipment lifecycle milestones and maps them onto
// trade-state-relevant events.
type Tracker struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Shipment
	byTracking map[string]uuid.UUID
	byTrade    map[uuid.UUID]uuid.UUID
	receipts   []DeliveryReceipt

	log     *ledger.Log
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewTracker(log *ledger.Log, metrics *observability.Metrics, logger zerolog.Logger) *Tracker {
	return &Tracker{
		byID:       make(map[uuid.UUID]*Shipment),
		byTracking: make(map[string]uuid.UUID),
		byTrade:    make(map[uuid.UUID]uuid.UUID),
		log:        log,
		metrics:    metrics,
		logger:     logger,
	}
}

// CreateShipment initializes a shipment with a synthetic pending milestone.
func (tr *Tracker) CreateShipment(tradeID uuid.UUID, trackingRef, carrier string, estimatedPickup, estimatedDelivery time.Time) (*Shipment, error) {
	if trackingRef == "" {
		return nil, fmt.Errorf("tracking ref is required")
	}

	tr.mu.Lock()
	if _, exists := tr.byTracking[trackingRef]; exists {
		tr.mu.Unlock()
		return nil, fmt.Errorf("tracking ref %q already registered", trackingRef)
	}

	now := time.Now().UTC()
	sh := &Shipment{
		ID:                uuid.New(),
		TradeID:           tradeID,
		TrackingRef:       trackingRef,
		Carrier:           carrier,
		EstimatedPickup:   estimatedPickup,
		EstimatedDelivery: estimatedDelivery,
		Status:            CategoryPending,
		Milestones: []Milestone{{
			Name:       "pending",
			Category:   CategoryPending,
			OccurredAt: now,
			RecordedAt: now,
		}},
		CreatedAt: now,
	}
	tr.byID[sh.ID] = sh
	tr.byTracking[trackingRef] = sh.ID
	tr.byTrade[tradeID] = sh.ID
	tr.mu.Unlock()

	tr.log.Append(event.Event{
		TradeID: tradeID,
		Type:    event.TypeShipmentCreated,
		Metadata: map[string]string{
			"shipment_id":  sh.ID.String(),
			"tracking_ref": trackingRef,
			"carrier":      carrier,
		},
		TriggeredBy: "logistics",
	})

	return sh.clone(), nil
}

// AddMilestone appends a milestone, classifies it, persists the derived
// shipment status, and emits the matching trade event. Timestamps must be
// non-decreasing.
func (tr *Tracker) AddMilestone(shipmentID uuid.UUID, name, location string, occurredAt time.Time, notes string) (*Shipment, error) {
	tr.mu.Lock()
	sh, ok := tr.byID[shipmentID]
	if !ok {
		tr.mu.Unlock()
		return nil, ErrNotFound
	}

	last := sh.latest()
	if occurredAt.Before(last.OccurredAt) {
		tr.mu.Unlock()
		tr.countRejected("timestamp_regression")
		return nil, fmt.Errorf("%w: %s is before latest %s",
			ErrTimestampRegression, occurredAt.Format(time.RFC3339), last.OccurredAt.Format(time.RFC3339))
	}

	category := Classify(name)
	m := Milestone{
		Name:       name,
		Location:   location,
		Category:   category,
		Notes:      notes,
		OccurredAt: occurredAt,
		RecordedAt: time.Now().UTC(),
	}
	sh.Milestones = append(sh.Milestones, m)
	sh.Status = category
	sh.Version++

	var receipt *DeliveryReceipt
	if category == CategoryDelivered {
		r := DeliveryReceipt{
			ID:          uuid.New(),
			ShipmentID:  sh.ID,
			TradeID:     sh.TradeID,
			TrackingRef: sh.TrackingRef,
			Location:    location,
			DeliveredAt: occurredAt,
			IssuedAt:    m.RecordedAt,
		}
		tr.receipts = append(tr.receipts, r)
		receipt = &r
	}

	cp := sh.clone()
	tr.mu.Unlock()

	meta := map[string]string{
		"shipment_id": cp.ID.String(),
		"milestone":   name,
		"location":    location,
		"category":    category,
		"occurred_at": occurredAt.UTC().Format(time.RFC3339),
	}
	if receipt != nil {
		meta["delivery_receipt_id"] = receipt.ID.String()
	}

	tr.log.Append(event.Event{
		TradeID:     cp.TradeID,
		Type:        eventTypeFor(category),
		Metadata:    meta,
		TriggeredBy: "logistics",
	})

	if tr.metrics != nil {
		tr.metrics.MilestonesRecorded.WithLabelValues(category).Inc()
	}
	tr.logger.Info().
		Str("shipment_id", cp.ID.String()).
		Str("milestone", name).
		Str("category", category).
		Msg("milestone recorded")

	return cp, nil
}

// CarrierUpdate is one item of a bulk carrier feed.
type CarrierUpdate struct {
	TrackingNumber string    `json:"trackingNumber"`
	Status         string    `json:"status"`
	Location       string    `json:"location"`
	Timestamp      time.Time `json:"timestamp"`
	Notes          string    `json:"notes"`
}

// IngestResult reports the outcome for one carrier update.
type IngestResult struct {
	TrackingNumber string `json:"trackingNumber"`
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
}

// IngestBatch applies a carrier feed. Unmatched tracking numbers and
// rejected milestones are reported per item, never fatal to the batch.
func (tr *Tracker) IngestBatch(updates []CarrierUpdate) []IngestResult {
	results := make([]IngestResult, 0, len(updates))

	for _, u := range updates {
		res := IngestResult{TrackingNumber: u.TrackingNumber, OK: true}

		tr.mu.RLock()
		id, ok := tr.byTracking[u.TrackingNumber]
		tr.mu.RUnlock()

		if !ok {
			tr.countRejected("unknown_tracking")
			res.OK = false
			res.Error = ErrUnknownTracking.Error()
			results = append(results, res)
			continue
		}

		if _, err := tr.AddMilestone(id, u.Status, u.Location, u.Timestamp, u.Notes); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	return results
}

// Get returns a copy of a shipment.
func (tr *Tracker) Get(shipmentID uuid.UUID) (*Shipment, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	sh, ok := tr.byID[shipmentID]
	if !ok {
		return nil, ErrNotFound
	}
	return sh.clone(), nil
}

// ForTrade returns the trade's shipment.
func (tr *Tracker) ForTrade(tradeID uuid.UUID) (*Shipment, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	id, ok := tr.byTrade[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	return tr.byID[id].clone(), nil
}

// Receipts returns all delivery confirmations.
func (tr *Tracker) Receipts() []DeliveryReceipt {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return append([]DeliveryReceipt(nil), tr.receipts...)
}

// LatestCategory returns the latest milestone category for a trade's
// shipment. Satisfies the kernel and escrow gates.
func (tr *Tracker) LatestCategory(tradeID uuid.UUID) (string, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	id, ok := tr.byTrade[tradeID]
	if !ok {
		return "", false
	}
	return tr.byID[id].Status, true
}

func (tr *Tracker) countRejected(reason string) {
	if tr.metrics != nil {
		tr.metrics.MilestonesRejected.WithLabelValues(reason).Inc()
	}
}

func eventTypeFor(category string) event.Type {
	switch category {
	case CategoryPickedUp:
		return event.TypePickupConfirmed
	case CategoryInTransit:
		return event.TypeInTransit
	case CategoryDelivered:
		return event.TypeDelivered
	default:
		return event.TypeMilestoneRecorded
	}
}
