package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TradeKernel/internal/logistics"
)

// Carrier feed wire format. Field names use snake_case to match upstream
// producers; timestamps are microseconds since epoch.
type carrierUpdateJSON struct {
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
	Location       string `json:"location"`
	TimestampUs    int64  `json:"timestamp_us"`
	Notes          string `json:"notes,omitempty"`
}

type carrierBatchJSON struct {
	Carrier string              `json:"carrier"`
	Updates []carrierUpdateJSON `json:"updates"`
}

// ParseCarrierBatch converts a raw carrier feed message into tracker
// updates. Items missing a tracking number or timestamp are rejected with
// the whole batch: the producer's message is malformed, not partially
// applicable.
func ParseCarrierBatch(data []byte) ([]logistics.CarrierUpdate, error) {
	var batch carrierBatchJSON
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse carrier batch: %w", err)
	}

	updates := make([]logistics.CarrierUpdate, 0, len(batch.Updates))
	for i, u := range batch.Updates {
		if u.TrackingNumber == "" {
			return nil, fmt.Errorf("update %d: tracking_number is required", i)
		}
		if u.Status == "" {
			return nil, fmt.Errorf("update %d: status is required", i)
		}
		if u.TimestampUs <= 0 {
			return nil, fmt.Errorf("update %d: timestamp_us is required", i)
		}
		updates = append(updates, logistics.CarrierUpdate{
			TrackingNumber: u.TrackingNumber,
			Status:         u.Status,
			Location:       u.Location,
			Timestamp:      time.UnixMicro(u.TimestampUs).UTC(),
			Notes:          u.Notes,
		})
	}

	return updates, nil
}
