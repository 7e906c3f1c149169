package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jellyward/jellyward/internal/provision"
)

type fakeFetcher struct {
	users []provision.RemoteUser
	err   error
}

func (f *fakeFetcher) ListUsers(ctx context.Context) ([]provision.RemoteUser, error) {
	return f.users, f.err
}

func TestSyncPopulatesCache(t *testing.T) {
	c := newTestCache(t)

	expires := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	fetcher := &fakeFetcher{users: []provision.RemoteUser{
		{ID: "r1", Username: "alice", LinkedChatID: "100", ExpiresAt: &expires},
		{ID: "r2", Username: "bob", Disabled: true},
	}}

	task := NewSyncTask(fetcher, c, 5*time.Second)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := c.FindByChatID("100")
	if err != nil {
		t.Fatalf("FindByChatID failed: %v", err)
	}
	if got.RemoteUsername != "alice" || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("Unexpected entry: %+v", got)
	}

	n, err := c.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}

func TestSyncFetchFailureLeavesCacheUntouched(t *testing.T) {
	c := newTestCache(t)

	synced := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := c.ReplaceAll([]Entry{{RemoteUserID: "r1", RemoteUsername: "alice"}}, synced); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	task := NewSyncTask(fetcher, c, 5*time.Second)
	if err := task.Run(context.Background()); err == nil {
		t.Fatalf("Expected fetch error to propagate")
	}

	got, err := c.FindByUsername("alice")
	if err != nil {
		t.Fatalf("Expected existing entry to survive: %v", err)
	}
	if !got.LastSyncedAt.Equal(synced) {
		t.Errorf("Expected sync stamp unchanged, got %v", got.LastSyncedAt)
	}
}
