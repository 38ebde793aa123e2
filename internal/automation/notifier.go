package automation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification is a delivered message, kept for inspection.
type Notification struct {
	Recipient string
	Subject   string
	Body      string
	SentAt    time.Time
}

// Notifier delivers out-of-band messages to trade participants.
type Notifier interface {
	Notify(ctx context.Context, recipient, subject, body string) error
}

// LogNotifier writes notifications to the structured log and retains them
// in memory. Stands in for email/webhook delivery.
type LogNotifier struct {
	mu   sync.Mutex
	sent []Notification

	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	msg := Notification{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		SentAt:    time.Now().UTC(),
	}

	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()

	n.logger.Info().
		Str("recipient", recipient).
		Str("subject", subject).
		Msg("notification sent")

	return nil
}

// Sent returns all delivered notifications.
func (n *LogNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}
