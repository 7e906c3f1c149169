package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogDelivery writes reminders to the service log instead of a chat
// transport. Deployments without a messaging integration still get a
// durable record of who was due, and the dedup markers advance so a
// later transport does not replay the backlog.
type LogDelivery struct{}

// Send logs the reminder.
func (LogDelivery) Send(_ context.Context, chatID, message string) error {
	log.Info().Str("chatID", chatID).Str("message", message).Msg("Expiry reminder")
	return nil
}
