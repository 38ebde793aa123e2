package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TradeKernel/internal/ledger"
	"TradeKernel/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes to Postgres. The
// ledger uses BLOCKING sends into this channel, so if the worker falls
// behind, appends stall rather than lose a committed event.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan ledger.Output
	batchSize    int
	flushTimeout time.Duration

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan ledger.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming envelopes and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(w.drainBuffered(batch))
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				w.finalFlush(batch)
				return nil
			}

			batch = append(batch, RowFromEnvelope(out.Envelope))

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// drainBuffered pulls whatever is already sitting in the input channel into
// the batch. Envelopes buffered at cancellation are committed events and
// must still reach the log.
func (w *Worker) drainBuffered(batch []EventRow) []EventRow {
	for {
		select {
		case out, ok := <-w.inputChan:
			if !ok {
				return batch
			}
			batch = append(batch, RowFromEnvelope(out.Envelope))
		default:
			return batch
		}
	}
}

func (w *Worker) finalFlush(batch []EventRow) {
	if len(batch) == 0 {
		return
	}
	if err := w.flush(context.Background(), batch); err != nil {
		w.logger.Error().Err(err).Msg("final flush failed")
	}
}

// flushWithRetry retries with exponential backoff, indefinitely. The durable
// log never drops a committed event; only cancellation stops the loop, and
// even then one final flush runs with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []EventRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []EventRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, batch, tx); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistEventsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}

// Writer exposes the underlying writer for startup recovery queries.
func (w *Worker) Writer() *EventLogWriter {
	return w.writer
}
