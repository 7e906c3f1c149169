package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer mimics the relevant slice of the jfa-go API.
type fakeServer struct {
	t      *testing.T
	logins atomic.Int32

	mux *http.ServeMux
	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, mux: http.NewServeMux()}
	f.mux.HandleFunc("GET /token/login", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.logins.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires": 3600})
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:  f.srv.URL,
		Username: "admin",
		Password: "secret",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func requireBearer(t *testing.T, r *http.Request) {
	t.Helper()
	if r.Header.Get("Authorization") != "Bearer tok-1" {
		t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "http://x"}); err == nil {
		t.Errorf("Expected error for missing credentials")
	}
}

func TestListUsers(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r)
		json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{
				{"id": "r1", "name": "alice", "email": "a@example.com", "expiry": 1900000000, "discord_id": "100200300"},
				{"id": "r2", "name": "bob", "disabled": true, "admin": true},
			},
		})
	})

	users, err := f.client(t).ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	if users[0].Username != "alice" || users[0].LinkedChatID != "100200300" {
		t.Errorf("Unexpected user: %+v", users[0])
	}
	if users[0].ExpiresAt == nil || users[0].ExpiresAt.Unix() != 1900000000 {
		t.Errorf("Unexpected expiry: %v", users[0].ExpiresAt)
	}
	if users[1].ExpiresAt != nil || !users[1].Disabled || !users[1].Admin {
		t.Errorf("Unexpected user: %+v", users[1])
	}
}

func TestRetryAfterTokenExpiry(t *testing.T) {
	f := newFakeServer(t)
	var calls atomic.Int32
	f.mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"users": []map[string]any{}})
	})

	if _, err := f.client(t).ListUsers(context.Background()); err != nil {
		t.Fatalf("Expected a transparent re-login retry: %v", err)
	}
	if f.logins.Load() != 2 {
		t.Errorf("Expected 2 logins (initial plus refresh), got %d", f.logins.Load())
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 user list calls, got %d", calls.Load())
	}
}

func TestCreateInviteRecoversCodeByLabel(t *testing.T) {
	f := newFakeServer(t)
	var label string
	f.mux.HandleFunc("POST /invites", func(w http.ResponseWriter, r *http.Request) {
		requireBearer(t, r)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Bad invite payload: %v", err)
		}
		label, _ = body["label"].(string)
		if body["remaining-uses"] != float64(1) {
			t.Errorf("Expected single-use invite, got %v", body["remaining-uses"])
		}
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("GET /invites", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"invites": []map[string]any{
				{"code": "other", "label": "something-else"},
				{"code": "abc123", "label": label},
			},
		})
	})

	code, err := f.client(t).CreateInvite(context.Background(), InviteSpec{
		Profile: "Trial", Label: "alice-1a2b3c4d", AccountDays: 3, LinkDays: 1,
	})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	if code != "abc123" {
		t.Errorf("Expected recovered code abc123, got %q", code)
	}
}

func TestExtendAccountStatuses(t *testing.T) {
	f := newFakeServer(t)
	var status atomic.Int32
	status.Store(http.StatusOK)
	f.mux.HandleFunc("POST /users/extend", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Users     []string `json:"users"`
			Timestamp int64    `json:"timestamp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Bad extend payload: %v", err)
		}
		if len(body.Users) != 1 || body.Users[0] != "alice" || body.Timestamp == 0 {
			t.Errorf("Unexpected extend payload: %+v", body)
		}
		w.WriteHeader(int(status.Load()))
	})
	c := f.client(t)

	got, err := c.ExtendAccount(context.Background(), "alice", time.Now().Add(time.Hour))
	if err != nil || got != StatusOK {
		t.Errorf("Expected ok, got %v %v", got, err)
	}

	status.Store(http.StatusNotFound)
	got, err = c.ExtendAccount(context.Background(), "alice", time.Now().Add(time.Hour))
	if err != nil || got != StatusNotFound {
		t.Errorf("Expected not found, got %v %v", got, err)
	}

	status.Store(http.StatusInternalServerError)
	if _, err = c.ExtendAccount(context.Background(), "alice", time.Now().Add(time.Hour)); !IsTransport(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestDeleteAccountTreatsBadRequestAsNotFound(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("DELETE /users", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	got, err := f.client(t).DeleteAccount(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if got != StatusNotFound {
		t.Errorf("Expected not found, got %v", got)
	}
}

func TestDeleteInviteParsesResponses(t *testing.T) {
	f := newFakeServer(t)
	var payload atomic.Value
	payload.Store(`{"success": true}`)
	f.mux.HandleFunc("DELETE /invites", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload.Load().(string)))
	})
	c := f.client(t)

	got, err := c.DeleteInvite(context.Background(), "abc123")
	if err != nil || got != StatusOK {
		t.Errorf("Expected ok, got %v %v", got, err)
	}

	payload.Store(`{"success": false, "error": "no such invite"}`)
	got, err = c.DeleteInvite(context.Background(), "abc123")
	if err != nil || got != StatusNotFound {
		t.Errorf("Expected not found, got %v %v", got, err)
	}

	// Some deployments answer a bare OK body
	payload.Store("OK")
	got, err = c.DeleteInvite(context.Background(), "abc123")
	if err != nil || got != StatusOK {
		t.Errorf("Expected bare-ok accepted, got %v %v", got, err)
	}
}

func TestTransportFailureWrapsSentinel(t *testing.T) {
	c, err := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1",
		Username: "admin",
		Password: "secret",
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.ListUsers(context.Background()); !IsTransport(err) {
		t.Errorf("Expected transport sentinel, got %v", err)
	}
}
