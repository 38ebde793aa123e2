package ingestion

import (
	"context"
	"fmt"
	"time"

	"TradeKernel/internal/logistics"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// MilestoneSubscriber consumes the carrier feed off JetStream and applies
// it through the logistics tracker. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s; per-item rejections (unknown tracking,
// timestamp regression) are terminal for that item and the message is
// still ACKed.
type MilestoneSubscriber struct {
	js        jetstream.JetStream
	tracker   *logistics.Tracker
	dedup     *BatchDedup
	consumers []jetstream.ConsumeContext

	logger zerolog.Logger
}

func NewMilestoneSubscriber(js jetstream.JetStream, tracker *logistics.Tracker, logger zerolog.Logger) *MilestoneSubscriber {
	return &MilestoneSubscriber{
		js:      js,
		tracker: tracker,
		dedup:   NewBatchDedup(4096),
		logger:  logger,
	}
}

// Subscribe creates the durable milestone consumer.
func (ms *MilestoneSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ms.js.CreateOrUpdateConsumer(ctx, StreamLogistics, jetstream.ConsumerConfig{
		Durable:       "kernel-milestones",
		FilterSubject: SubjectMilestones,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create milestone consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		key := ms.dedup.Key(msg.Data())
		if ms.dedup.Seen(key) {
			msg.Ack()
			return
		}

		updates, err := ParseCarrierBatch(msg.Data())
		if err != nil {
			// Malformed payload: redelivery cannot fix it.
			ms.logger.Warn().Err(err).Msg("carrier batch rejected")
			msg.Term()
			return
		}

		results := ms.tracker.IngestBatch(updates)
		for _, r := range results {
			if !r.OK {
				ms.logger.Warn().
					Str("tracking_number", r.TrackingNumber).
					Str("error", r.Error).
					Msg("carrier update rejected")
			}
		}

		ms.dedup.Mark(key)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume milestones: %w", err)
	}

	ms.consumers = append(ms.consumers, cc)
	ms.logger.Info().Str("subject", SubjectMilestones).Msg("milestone feed subscribed")
	return nil
}

// Stop gracefully stops all consumers.
func (ms *MilestoneSubscriber) Stop() {
	for _, cc := range ms.consumers {
		cc.Stop()
	}
	ms.logger.Info().Msg("milestone subscribers stopped")
}
