// Package notify runs the expiry notification pass: it scans the
// invite store for accounts approaching expiry and delivers at most
// one reminder per configured threshold window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jellyward/jellyward/internal/metrics"
	"github.com/jellyward/jellyward/internal/store"
)

// ErrUnreachable is returned by a Delivery when the chat identity
// cannot receive messages (left the server, blocked DMs). The pass
// records the failure and moves on.
var ErrUnreachable = errors.New("chat identity unreachable")

// Delivery sends one expiry reminder to a chat identity.
type Delivery interface {
	Send(ctx context.Context, chatID, message string) error
}

// Tuning controls which records are due and how often they repeat.
type Tuning struct {
	// Lookahead bounds how far ahead of now the pass scans.
	Lookahead time.Duration
	// DaysBeforeExpiry lists the whole-day marks at which a reminder
	// is due. Zero means the day of expiry itself.
	DaysBeforeExpiry []int
	// DedupInterval is the minimum spacing between reminders to the
	// same record. Records notified exactly this long ago are due again.
	DedupInterval time.Duration
}

// Outcome classifies one examined record.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// PassEntry is one record's disposition within a pass.
type PassEntry struct {
	ChatID   string
	DaysLeft int
	Outcome  Outcome
	Detail   string
}

// Summary totals one notification pass.
type Summary struct {
	Examined int
	Sent     int
	Failed   int
	Skipped  int
	Entries  []PassEntry
}

// Scheduler owns the expiry notification pass.
type Scheduler struct {
	store    *store.Store
	delivery Delivery

	mu     sync.RWMutex
	tuning Tuning
}

// NewScheduler creates a scheduler.
func NewScheduler(st *store.Store, delivery Delivery, tuning Tuning) *Scheduler {
	return &Scheduler{store: st, delivery: delivery, tuning: tuning}
}

// SetTuning swaps the pass tuning, for configuration reload.
func (s *Scheduler) SetTuning(tuning Tuning) {
	s.mu.Lock()
	s.tuning = tuning
	s.mu.Unlock()
}

// Pass runs one notification sweep anchored at now. A successful send
// stamps the record's notification marker; a failed send leaves it
// unset so the next pass retries.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) (*Summary, error) {
	s.mu.RLock()
	tuning := s.tuning
	s.mu.RUnlock()

	cutoff := now.Add(tuning.Lookahead)
	records, err := s.store.ListExpiringBefore(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring records: %w", err)
	}

	summary := &Summary{}
	for _, rec := range records {
		summary.Examined++
		entry := s.process(ctx, now, tuning, rec)
		summary.Entries = append(summary.Entries, entry)
		switch entry.Outcome {
		case OutcomeSent:
			summary.Sent++
		case OutcomeFailed:
			summary.Failed++
		case OutcomeSkipped:
			summary.Skipped++
		}
	}

	log.Info().Int("examined", summary.Examined).Int("sent", summary.Sent).
		Int("failed", summary.Failed).Int("skipped", summary.Skipped).
		Msg("Expiry notification pass finished")
	return summary, nil
}

func (s *Scheduler) process(ctx context.Context, now time.Time, tuning Tuning, rec store.InviteRecord) PassEntry {
	days := DaysUntil(now, *rec.AccountExpiresAt)
	entry := PassEntry{ChatID: rec.ChatID, DaysLeft: days}

	if !tuning.dayDue(days) {
		entry.Outcome = OutcomeSkipped
		entry.Detail = "not at a notification threshold"
		return entry
	}
	if rec.LastNotifiedAt != nil && now.Sub(*rec.LastNotifiedAt) < tuning.DedupInterval {
		entry.Outcome = OutcomeSkipped
		entry.Detail = "notified recently"
		return entry
	}

	msg := expiryMessage(rec, days)
	if err := s.delivery.Send(ctx, rec.ChatID, msg); err != nil {
		metrics.NotificationsFailedTotal.Inc()
		entry.Outcome = OutcomeFailed
		entry.Detail = err.Error()
		log.Warn().Err(err).Str("chatID", rec.ChatID).Int("daysLeft", days).
			Msg("Expiry notification delivery failed")
		return entry
	}

	if err := s.store.SetLastNotified(rec.ChatID, now); err != nil {
		log.Error().Err(err).Str("chatID", rec.ChatID).
			Msg("Notification sent but marker update failed, duplicate possible")
	}
	metrics.NotificationsSentTotal.Inc()
	entry.Outcome = OutcomeSent
	log.Info().Str("chatID", rec.ChatID).Int("daysLeft", days).Msg("Expiry notification sent")
	return entry
}

func (t Tuning) dayDue(days int) bool {
	for _, d := range t.DaysBeforeExpiry {
		if d == days {
			return true
		}
	}
	return false
}

// DaysUntil returns the number of whole days between now and the
// expiry, rounded down. Already-expired accounts yield negative values.
func DaysUntil(now, expiresAt time.Time) int {
	secs := expiresAt.Unix() - now.Unix()
	if secs >= 0 {
		return int(secs / 86400)
	}
	// floor division for negative remainders
	days := secs / 86400
	if secs%86400 != 0 {
		days--
	}
	return int(days)
}

func expiryMessage(rec store.InviteRecord, days int) string {
	when := rec.AccountExpiresAt.UTC().Format("2006-01-02 15:04 MST")
	switch {
	case days <= 0:
		return fmt.Sprintf("Your %s membership expires today (%s). Renew to keep access.", rec.Plan, when)
	case days == 1:
		return fmt.Sprintf("Your %s membership expires tomorrow (%s). Renew to keep access.", rec.Plan, when)
	default:
		return fmt.Sprintf("Your %s membership expires in %d days (%s). Renew to keep access.", rec.Plan, days, when)
	}
}
