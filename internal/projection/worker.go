package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"

	"github.com/rs/zerolog"
)

// Worker maintains the read-side trades table from committed envelopes.
// It consumes through a bounded dropping queue: projections are eventually
// consistent and can always be rebuilt from event_log.events, so falling
// behind never stalls the ledger.
type Worker struct {
	db    *sql.DB
	queue chan ledger.Output

	lastSeq int64
	logger  zerolog.Logger
}

var _ ledger.Sink = (*Worker)(nil)

func NewWorker(db *sql.DB, queueSize int, logger zerolog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Worker{
		db:     db,
		queue:  make(chan ledger.Output, queueSize),
		logger: logger,
	}
}

// Enqueue accepts a committed envelope. Non-blocking.
func (w *Worker) Enqueue(out ledger.Output) {
	select {
	case w.queue <- out:
	default:
		w.logger.Warn().
			Int64("sequence", out.Envelope.Sequence).
			Msg("projection queue full, envelope dropped")
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.queue:
			if !ok {
				return nil
			}

			if err := w.apply(ctx, out.Envelope); err != nil {
				w.logger.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("projection update failed")
				// Continue: rebuildable from the event log
			}
			w.lastSeq = out.Envelope.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, env event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch env.Event.Type {
	case event.TypeTradeCreated:
		if err := w.insertTrade(ctx, tx, env); err != nil {
			return err
		}
	case event.TypeStateTransition, event.TypeDisputeOpened:
		if err := w.updateTradeState(ctx, tx, env); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('trades', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return err
	}

	return tx.Commit()
}

func (w *Worker) insertTrade(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	meta := env.Event.Metadata
	amount, _ := strconv.ParseInt(meta["amount"], 10, 64)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trades
			(trade_id, state, buyer_id, seller_id, amount, currency, trust_score, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW())
		ON CONFLICT (trade_id) DO NOTHING
	`, env.Event.TradeID.String(), meta["state"], meta["buyer"], meta["seller"],
		amount, meta["currency"], env.Sequence)
	return err
}

func (w *Worker) updateTradeState(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	meta := env.Event.Metadata
	trust, _ := strconv.Atoi(meta["trust_score"])
	metadata, err := json.Marshal(meta)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projections.trades
		SET state = $2, trust_score = $3, metadata = $4, last_sequence = $5, updated_at = NOW()
		WHERE trade_id = $1 AND last_sequence < $5
	`, env.Event.TradeID.String(), meta["to_state"], trust, metadata, env.Sequence)
	return err
}

// Rebuild truncates the projection tables and replays event_log.events.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	statements := []string{
		`TRUNCATE projections.trades`,
		`DELETE FROM projections.watermark WHERE worker_id = 'trades'`,
		`INSERT INTO projections.trades (trade_id, state, buyer_id, seller_id, amount, currency, trust_score, last_sequence, updated_at)
		 SELECT DISTINCT ON (trade_id)
			trade_id,
			COALESCE(metadata->>'to_state', metadata->>'state'),
			'', '', 0, '',
			COALESCE((metadata->>'trust_score')::int, 0),
			sequence,
			NOW()
		 FROM event_log.events
		 WHERE event_type IN ('TRADE_CREATED', 'STATE_TRANSITION', 'DISPUTE_OPENED')
		 ORDER BY trade_id, sequence DESC`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
