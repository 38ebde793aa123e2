package query

import "time"

// TradeRow is a projected trade for API queries.
type TradeRow struct {
	TradeID      string    `json:"trade_id"`
	State        string    `json:"state"`
	BuyerID      string    `json:"buyer_id"`
	SellerID     string    `json:"seller_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	TrustScore   int       `json:"trust_score"`
	AsOfSequence int64     `json:"as_of_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventHistoryEntry is a persisted envelope for API queries.
type EventHistoryEntry struct {
	Sequence       int64     `json:"sequence"`
	TradeID        string    `json:"trade_id"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	TriggeredBy    string    `json:"triggered_by"`
	Metadata       []byte    `json:"metadata"`
	IntegrityHash  []byte    `json:"integrity_hash"`
	PrevHash       []byte    `json:"prev_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// IntegrityReport is the result of a hash chain verification.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventCount      int64   `json:"event_count"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
