package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"TradeKernel/internal/event"
	"TradeKernel/internal/ledger"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PublishedEvent is the outbound wire format for committed envelopes.
type PublishedEvent struct {
	Sequence       int64             `json:"sequence"`
	TradeID        string            `json:"trade_id"`
	EventType      string            `json:"event_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	TriggeredBy    string            `json:"triggered_by"`
	Metadata       map[string]string `json:"metadata"`
	IntegrityHash  string            `json:"integrity_hash"`
	PrevHash       string            `json:"prev_hash"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Publisher fans committed envelopes out to trade.events.{event_type}.
// It is a best-effort sink: the queue is bounded and dropping, and publish
// failures are logged, not retried. Downstream consumers that need a
// complete feed read event_log.events.
type Publisher struct {
	js    jetstream.JetStream
	queue chan ledger.Output

	logger zerolog.Logger
}

var _ ledger.Sink = (*Publisher)(nil)

func NewPublisher(js jetstream.JetStream, queueSize int, logger zerolog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Publisher{
		js:     js,
		queue:  make(chan ledger.Output, queueSize),
		logger: logger,
	}
}

// Enqueue accepts a committed envelope. Non-blocking.
func (p *Publisher) Enqueue(out ledger.Output) {
	select {
	case p.queue <- out:
	default:
		p.logger.Warn().
			Int64("sequence", out.Envelope.Sequence).
			Msg("publish queue full, envelope dropped")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.queue:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, out.Envelope); err != nil {
				p.logger.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	msg := PublishedEvent{
		Sequence:       env.Sequence,
		TradeID:        env.Event.TradeID.String(),
		EventType:      env.Event.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		TriggeredBy:    env.Event.TriggeredBy,
		Metadata:       env.Event.Metadata,
		IntegrityHash:  hex.EncodeToString(env.IntegrityHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		CreatedAt:      env.Event.CreatedAt,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", SubjectEventsPrefix, msg.EventType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
