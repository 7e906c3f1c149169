// Package directory maintains a durable mirror of the provisioning
// service's user list. The mirror is derived, disposable state: it can
// be rebuilt from any full fetch and is never a source of truth for
// write decisions, only for identity lookup.
package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no cached entry.
var ErrNotFound = errors.New("directory entry not found")

// Entry is one remote account as of the sync pass that last observed it.
type Entry struct {
	RemoteUserID   string
	RemoteUsername string
	LinkedChatID   string
	Email          string
	ExpiresAt      *time.Time
	Disabled       bool
	Admin          bool
	LastSyncedAt   time.Time
}

// ConfirmedAt reports whether the entry is fresh enough to trust for
// direct pairing. Entries older than twice the sync interval are
// unconfirmed and callers fall back to lower-confidence resolution.
func (e Entry) ConfirmedAt(now time.Time, syncInterval time.Duration) bool {
	return now.Sub(e.LastSyncedAt) <= 2*syncInterval
}

// Cache is the sqlite-backed directory mirror. Written only by the sync
// task, read by any number of concurrent resolvers.
type Cache struct {
	mu sync.RWMutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS remote_users (
	remote_user_id  TEXT PRIMARY KEY,
	remote_username TEXT NOT NULL,
	linked_chat_id  TEXT,
	email           TEXT,
	expires_at      INTEGER,
	disabled        INTEGER NOT NULL DEFAULT 0,
	is_admin        INTEGER NOT NULL DEFAULT 0,
	last_synced_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_remote_username ON remote_users(remote_username);
CREATE INDEX IF NOT EXISTS idx_remote_chat ON remote_users(linked_chat_id) WHERE linked_chat_id IS NOT NULL;
`

// Open opens (creating if needed) the directory cache under dataDir.
func Open(dataDir string) (*Cache, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "directory.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize directory schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Directory cache initialized")
	return &Cache{db: db}, nil
}

// Close shuts the cache down.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close directory cache: %w", err)
	}
	return nil
}

// ReplaceAll upserts every entry observed in one sync pass inside a
// single transaction. Rows absent from the pass are left untouched:
// a removal cannot be safely inferred from an incomplete fetch, so
// drift is bounded to additions and updates, with staleness visible
// through last_synced_at.
func (c *Cache) ReplaceAll(entries []Entry, syncedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin directory sync transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO remote_users (remote_user_id, remote_username, linked_chat_id, email, expires_at, disabled, is_admin, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_user_id) DO UPDATE SET
			remote_username = excluded.remote_username,
			linked_chat_id  = excluded.linked_chat_id,
			email           = excluded.email,
			expires_at      = excluded.expires_at,
			disabled        = excluded.disabled,
			is_admin        = excluded.is_admin,
			last_synced_at  = excluded.last_synced_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare directory upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var expires any
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.Unix()
		}
		var chatID any
		if e.LinkedChatID != "" {
			chatID = e.LinkedChatID
		}
		var email any
		if e.Email != "" {
			email = e.Email
		}
		if _, err := stmt.Exec(e.RemoteUserID, e.RemoteUsername, chatID, email,
			expires, boolInt(e.Disabled), boolInt(e.Admin), syncedAt.Unix()); err != nil {
			return fmt.Errorf("failed to upsert directory entry %s: %w", e.RemoteUserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit directory sync: %w", err)
	}
	return nil
}

// FindByUsername returns the entry whose remote username matches
// exactly, case-sensitively: the remote name field is authoritative.
func (c *Cache) FindByUsername(name string) (*Entry, error) {
	return c.findOne(`SELECT remote_user_id, remote_username, linked_chat_id, email, expires_at, disabled, is_admin, last_synced_at
		FROM remote_users WHERE remote_username = ?`, name)
}

// FindByUsernameFold matches the remote username case-insensitively,
// for callers reconciling hand-typed identifiers.
func (c *Cache) FindByUsernameFold(name string) (*Entry, error) {
	return c.findOne(`SELECT remote_user_id, remote_username, linked_chat_id, email, expires_at, disabled, is_admin, last_synced_at
		FROM remote_users WHERE remote_username = ? COLLATE NOCASE`, name)
}

// FindByChatID returns the entry the remote reports as linked to the
// chat identity. The link may be stale or absent.
func (c *Cache) FindByChatID(chatID string) (*Entry, error) {
	return c.findOne(`SELECT remote_user_id, remote_username, linked_chat_id, email, expires_at, disabled, is_admin, last_synced_at
		FROM remote_users WHERE linked_chat_id = ?`, chatID)
}

// Len returns the number of cached entries.
func (c *Cache) Len() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM remote_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count directory entries: %w", err)
	}
	return n, nil
}

// LastSync returns the most recent sync stamp in the mirror, or the
// zero time when the mirror is empty.
func (c *Cache) LastSync() (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ts sql.NullInt64
	if err := c.db.QueryRow(`SELECT MAX(last_synced_at) FROM remote_users`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync stamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

func (c *Cache) findOne(query string, arg any) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var e Entry
	var chatID, email sql.NullString
	var expires sql.NullInt64
	var disabled, admin int
	var synced int64

	err := c.db.QueryRow(query, arg).Scan(&e.RemoteUserID, &e.RemoteUsername,
		&chatID, &email, &expires, &disabled, &admin, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load directory entry: %w", err)
	}

	e.LinkedChatID = chatID.String
	e.Email = email.String
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		e.ExpiresAt = &t
	}
	e.Disabled = disabled == 1
	e.Admin = admin == 1
	e.LastSyncedAt = time.Unix(synced, 0)
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
