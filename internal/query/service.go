package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the persisted event log and trade
// projections. Responses carry as_of_sequence for freshness semantics: the
// in-memory kernel may be ahead of what is visible here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetTrade returns the projected row for one trade.
func (qs *Service) GetTrade(ctx context.Context, tradeID uuid.UUID) (*TradeRow, error) {
	var t TradeRow
	err := qs.db.QueryRowContext(ctx, `
		SELECT trade_id, state, buyer_id, seller_id, amount, currency,
		       trust_score, last_sequence, updated_at
		FROM projections.trades
		WHERE trade_id = $1
	`, tradeID.String()).Scan(
		&t.TradeID, &t.State, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency,
		&t.TrustScore, &t.AsOfSequence, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTrades returns projected trades, optionally filtered by state, with
// cursor pagination on last_sequence.
func (qs *Service) ListTrades(ctx context.Context, state *string, limit int, afterSequence *int64) ([]TradeRow, error) {
	query := `
		SELECT trade_id, state, buyer_id, seller_id, amount, currency,
		       trust_score, last_sequence, updated_at
		FROM projections.trades
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if state != nil {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *state)
		argIdx++
	}
	if afterSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(
			&t.TradeID, &t.State, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency,
			&t.TrustScore, &t.AsOfSequence, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// EventHistory returns a trade's persisted envelopes in ascending sequence
// order with cursor pagination.
func (qs *Service) EventHistory(ctx context.Context, tradeID uuid.UUID, limit int, afterSequence *int64) ([]EventHistoryEntry, error) {
	query := `
		SELECT sequence, trade_id, event_type, idempotency_key, triggered_by,
		       metadata, integrity_hash, prev_hash, created_at
		FROM event_log.events
		WHERE trade_id = $1
	`
	args := []interface{}{tradeID.String()}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence > $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.TradeID, &e.EventType, &e.IdempotencyKey, &e.TriggeredBy,
			&e.Metadata, &e.IntegrityHash, &e.PrevHash, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity and sequence gaps across the
// persisted event log.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log.events`,
	).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.integrity_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()

	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}
