package store

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatusForPlan(t *testing.T) {
	if got := StatusForPlan("Trial", "Trial"); got != StatusTrial {
		t.Errorf("Expected trial status, got %s", got)
	}
	if got := StatusForPlan("trial", "Trial"); got != StatusTrial {
		t.Errorf("Expected case-insensitive trial match, got %s", got)
	}
	if got := StatusForPlan("Premium", "Trial"); got != StatusPaid {
		t.Errorf("Expected paid status, got %s", got)
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	rec := &InviteRecord{
		ChatID:           "100200300",
		ChatUsername:     "alice",
		InviteCode:       "abc123",
		Plan:             "Trial",
		Status:           StatusTrial,
		AccountExpiresAt: &expires,
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get("100200300")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ChatUsername != "alice" || got.InviteCode != "abc123" || got.Status != StatusTrial {
		t.Errorf("Unexpected record: %+v", got)
	}
	if got.AccountExpiresAt == nil || !got.AccountExpiresAt.Equal(expires) {
		t.Errorf("Expected expiry %v, got %v", expires, got.AccountExpiresAt)
	}
	if got.LastNotifiedAt != nil {
		t.Errorf("Expected no notification marker on a fresh record")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("Expected timestamps to be set")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpsertMergeResetsStatusAndMarker(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	if err := s.Upsert(&InviteRecord{
		ChatID: "1", ChatUsername: "bob", InviteCode: "old",
		Plan: "Trial", Status: StatusTrial, AccountExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetStatus("1", StatusDisabled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := s.SetLastNotified("1", time.Now()); err != nil {
		t.Fatalf("SetLastNotified failed: %v", err)
	}

	// Re-issue under a different plan: status follows the new plan and
	// the notification marker restarts.
	newExpires := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	if err := s.Upsert(&InviteRecord{
		ChatID: "1", ChatUsername: "bob", InviteCode: "new",
		Plan: "Premium", Status: StatusPaid, AccountExpiresAt: &newExpires,
	}); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}

	got, err := s.Get("1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPaid {
		t.Errorf("Expected status paid after re-issue, got %s", got.Status)
	}
	if got.Plan != "Premium" || got.InviteCode != "new" {
		t.Errorf("Unexpected record after merge: %+v", got)
	}
	if got.LastNotifiedAt != nil {
		t.Errorf("Expected notification marker cleared when terms changed")
	}
}

func TestUpsertMergeKeepsMarkerWhenTermsUnchanged(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	rec := &InviteRecord{
		ChatID: "2", ChatUsername: "carol", Plan: "Trial",
		Status: StatusTrial, AccountExpiresAt: &expires,
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	notified := time.Now().Truncate(time.Second)
	if err := s.SetLastNotified("2", notified); err != nil {
		t.Fatalf("SetLastNotified failed: %v", err)
	}

	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}
	got, err := s.Get("2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LastNotifiedAt == nil || !got.LastNotifiedAt.Equal(notified) {
		t.Errorf("Expected marker preserved when plan and expiry unchanged, got %v", got.LastNotifiedAt)
	}
}

func TestUpsertMergePreservesRemoteUserID(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&InviteRecord{ChatID: "3", ChatUsername: "dan", Plan: "Trial", Status: StatusTrial}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetRemoteUser("3", "remote-77"); err != nil {
		t.Fatalf("SetRemoteUser failed: %v", err)
	}

	// Re-issue without a remote ID must not wipe the confirmed link
	if err := s.Upsert(&InviteRecord{ChatID: "3", ChatUsername: "dan", Plan: "Trial", Status: StatusTrial}); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}
	got, err := s.Get("3")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RemoteUserID != "remote-77" {
		t.Errorf("Expected remote user ID preserved, got %q", got.RemoteUserID)
	}
}

func TestSetStatusKeepsRow(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&InviteRecord{ChatID: "4", ChatUsername: "erin", Plan: "Trial", Status: StatusTrial}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetStatus("4", StatusDisabled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, err := s.Get("4")
	if err != nil {
		t.Fatalf("Expected disabled record to remain readable: %v", err)
	}
	if got.Status != StatusDisabled {
		t.Errorf("Expected disabled status, got %s", got.Status)
	}
}

func TestSetStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetStatus("missing", StatusDisabled); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetExpiryClearsMarker(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	if err := s.Upsert(&InviteRecord{
		ChatID: "5", ChatUsername: "frank", Plan: "Premium",
		Status: StatusPaid, AccountExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetLastNotified("5", time.Now()); err != nil {
		t.Fatalf("SetLastNotified failed: %v", err)
	}

	later := expires.Add(30 * 24 * time.Hour)
	if err := s.SetExpiry("5", &later); err != nil {
		t.Fatalf("SetExpiry failed: %v", err)
	}

	got, err := s.Get("5")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccountExpiresAt == nil || !got.AccountExpiresAt.Equal(later) {
		t.Errorf("Expected expiry %v, got %v", later, got.AccountExpiresAt)
	}
	if got.LastNotifiedAt != nil {
		t.Errorf("Expected marker cleared after expiry change")
	}
}

func TestClearInviteCode(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(&InviteRecord{ChatID: "6", ChatUsername: "gail", InviteCode: "xyz", Plan: "Trial", Status: StatusTrial}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.ClearInviteCode("6"); err != nil {
		t.Fatalf("ClearInviteCode failed: %v", err)
	}
	got, err := s.Get("6")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.InviteCode != "" {
		t.Errorf("Expected cleared invite code, got %q", got.InviteCode)
	}
}

func TestFindByDisplayName(t *testing.T) {
	s := newTestStore(t)

	for _, rec := range []InviteRecord{
		{ChatID: "10", ChatUsername: "anna", Plan: "Trial", Status: StatusTrial},
		{ChatID: "11", ChatUsername: "Joanna", Plan: "Trial", Status: StatusTrial},
		{ChatID: "12", ChatUsername: "bob", Plan: "Trial", Status: StatusTrial},
	} {
		rec := rec
		if err := s.Upsert(&rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	got, err := s.FindByDisplayName("anna")
	if err != nil {
		t.Fatalf("FindByDisplayName failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(got))
	}
	// Prefix match sorts ahead of a substring match
	if got[0].ChatUsername != "anna" || got[1].ChatUsername != "Joanna" {
		t.Errorf("Unexpected ordering: %s, %s", got[0].ChatUsername, got[1].ChatUsername)
	}
}

func TestListExpiringBefore(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	soon := now.Add(24 * time.Hour)
	later := now.Add(10 * 24 * time.Hour)

	for _, rec := range []InviteRecord{
		{ChatID: "20", ChatUsername: "u1", Plan: "Trial", Status: StatusTrial, AccountExpiresAt: &soon},
		{ChatID: "21", ChatUsername: "u2", Plan: "Premium", Status: StatusPaid, AccountExpiresAt: &later},
		{ChatID: "22", ChatUsername: "u3", Plan: "Trial", Status: StatusTrial},
	} {
		rec := rec
		if err := s.Upsert(&rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	// Disabled records never notify
	disabled := now.Add(12 * time.Hour)
	if err := s.Upsert(&InviteRecord{ChatID: "23", ChatUsername: "u4", Plan: "Trial", Status: StatusTrial, AccountExpiresAt: &disabled}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.SetStatus("23", StatusDisabled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, err := s.ListExpiringBefore(now.Add(48 * time.Hour))
	if err != nil {
		t.Fatalf("ListExpiringBefore failed: %v", err)
	}
	if len(got) != 1 || got[0].ChatID != "20" {
		t.Fatalf("Expected only record 20, got %+v", got)
	}
}
