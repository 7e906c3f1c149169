package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jellyward/jellyward/internal/metrics"
	"github.com/jellyward/jellyward/internal/provision"
)

// SyncTask periodically mirrors the remote user directory into the
// cache. It is the cache's only writer.
type SyncTask struct {
	fetcher provision.Fetcher
	cache   *Cache
	timeout time.Duration
}

// NewSyncTask creates a sync task with a per-fetch timeout bound.
func NewSyncTask(fetcher provision.Fetcher, cache *Cache, timeout time.Duration) *SyncTask {
	return &SyncTask{fetcher: fetcher, cache: cache, timeout: timeout}
}

// Run performs one sync pass. A fetch failure leaves the cache
// untouched; staleness grows until the next successful pass.
func (t *SyncTask) Run(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	users, err := t.fetcher.ListUsers(fetchCtx)
	if err != nil {
		metrics.DirectorySyncTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Directory fetch failed, cache left untouched")
		return err
	}

	now := time.Now()
	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, Entry{
			RemoteUserID:   u.ID,
			RemoteUsername: u.Username,
			LinkedChatID:   u.LinkedChatID,
			Email:          u.Email,
			ExpiresAt:      u.ExpiresAt,
			Disabled:       u.Disabled,
			Admin:          u.Admin,
			LastSyncedAt:   now,
		})
	}

	if err := t.cache.ReplaceAll(entries, now); err != nil {
		metrics.DirectorySyncTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.DirectorySyncTotal.WithLabelValues("ok").Inc()
	log.Info().Int("users", len(entries)).Msg("Directory cache synced")
	return nil
}
