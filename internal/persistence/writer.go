package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TradeKernel/internal/event"
)

// EventLogWriter writes committed envelopes to Postgres using multi-row
// INSERT. ON CONFLICT (sequence) DO NOTHING makes replays after a crash
// idempotent.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	TradeID        string
	EventType      string
	IdempotencyKey string
	TriggeredBy    string
	Metadata       []byte // JSON object
	IntegrityHash  []byte
	PrevHash       []byte
	CreatedAt      time.Time
}

// RowFromEnvelope flattens a ledger envelope into its storage row.
func RowFromEnvelope(env event.Envelope) EventRow {
	metadata, err := json.Marshal(env.Event.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	return EventRow{
		Sequence:       env.Sequence,
		TradeID:        env.Event.TradeID.String(),
		EventType:      env.Event.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		TriggeredBy:    env.Event.TriggeredBy,
		Metadata:       metadata,
		IntegrityHash:  env.IntegrityHash[:],
		PrevHash:       env.PrevHash[:],
		CreatedAt:      env.Event.CreatedAt,
	}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of rows inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, trade_id, event_type, idempotency_key, triggered_by, metadata, integrity_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.TradeID, e.EventType, e.IdempotencyKey,
			e.TriggeredBy, e.Metadata, e.IntegrityHash, e.PrevHash, e.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastPersisted returns the highest persisted sequence and its integrity
// hash, or (-1, nil) when the log is empty.
func (w *EventLogWriter) LastPersisted(ctx context.Context) (int64, []byte, error) {
	var seq int64
	var hash []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT sequence, integrity_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return -1, nil, nil
	}
	if err != nil {
		return -1, nil, err
	}
	return seq, hash, nil
}

// LoadEventsFrom returns persisted rows starting at fromSequence, ascending,
// up to limit. Used for startup replay.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, trade_id, event_type, idempotency_key, triggered_by,
		       metadata, integrity_hash, prev_hash, created_at
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.TradeID, &e.EventType, &e.IdempotencyKey, &e.TriggeredBy,
			&e.Metadata, &e.IntegrityHash, &e.PrevHash, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
