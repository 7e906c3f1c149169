package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of an invite record.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusPaid     Status = "paid"
	StatusDisabled Status = "disabled"
)

// StatusForPlan derives the active status a plan label implies.
func StatusForPlan(plan, trialPlan string) Status {
	if strings.EqualFold(plan, trialPlan) {
		return StatusTrial
	}
	return StatusPaid
}

// InviteRecord tracks one chat identity that has ever been issued an
// account. Records are never deleted, only disabled.
type InviteRecord struct {
	ChatID           string
	ChatUsername     string
	InviteCode       string // empty once consumed or deleted
	RemoteUserID     string // empty until a remote account is confirmed linked
	Plan             string
	Status           Status
	AccountExpiresAt *time.Time
	LastNotifiedAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the durable home of invite records and the admin action log.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS invites (
	chat_id            TEXT PRIMARY KEY,
	chat_username      TEXT NOT NULL,
	invite_code        TEXT,
	remote_user_id     TEXT,
	plan               TEXT NOT NULL,
	status             TEXT NOT NULL,
	account_expires_at INTEGER,
	last_notified_at   INTEGER,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invites_expiry ON invites(account_expires_at) WHERE account_expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_invites_username ON invites(chat_username COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS admin_actions (
	id            TEXT PRIMARY KEY,
	actor_id      TEXT NOT NULL,
	actor_name    TEXT NOT NULL,
	action        TEXT NOT NULL,
	target_chat   TEXT,
	target_remote TEXT,
	details       TEXT,
	performed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_performed ON admin_actions(performed_at);
`

// Open opens (creating if needed) the invite database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "invites.db")

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open invite database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize invite schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Invite store initialized")
	return &Store{db: db}, nil
}

// Close shuts the store down.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close invite database: %w", err)
	}
	return nil
}

// Upsert inserts or merges a record by chat ID. On merge, the status is
// replaced with the incoming plan-derived value, and last_notified_at is
// cleared whenever the plan or expiry changed so the notification cycle
// restarts for the new terms. created_at survives merges; the record's
// first issuance date is part of its audit trail.
func (s *Store) Upsert(rec *InviteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO invites (
			chat_id, chat_username, invite_code, remote_user_id, plan, status,
			account_expires_at, last_notified_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			chat_username      = excluded.chat_username,
			invite_code        = excluded.invite_code,
			remote_user_id     = COALESCE(NULLIF(excluded.remote_user_id, ''), invites.remote_user_id),
			plan               = excluded.plan,
			status             = excluded.status,
			account_expires_at = excluded.account_expires_at,
			last_notified_at   = CASE
				WHEN invites.plan IS NOT excluded.plan
				  OR invites.account_expires_at IS NOT excluded.account_expires_at
				THEN NULL
				ELSE invites.last_notified_at
			END,
			updated_at = excluded.updated_at`,
		rec.ChatID,
		rec.ChatUsername,
		nullString(rec.InviteCode),
		nullString(rec.RemoteUserID),
		rec.Plan,
		string(rec.Status),
		nullTime(rec.AccountExpiresAt),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invite record %s: %w", rec.ChatID, err)
	}
	return nil
}

// Get returns the record for a chat ID, or ErrNotFound.
func (s *Store) Get(chatID string) (*InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT chat_id, chat_username, invite_code, remote_user_id, plan, status,
		       account_expires_at, last_notified_at, created_at, updated_at
		FROM invites WHERE chat_id = ?`, chatID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invite record %s: %w", chatID, err)
	}
	return rec, nil
}

// FindByDisplayName returns records whose stored display label contains
// the pattern, case-insensitively, prefix matches first.
func (s *Store) FindByDisplayName(pattern string) ([]InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(pattern)
	rows, err := s.db.Query(`
		SELECT chat_id, chat_username, invite_code, remote_user_id, plan, status,
		       account_expires_at, last_notified_at, created_at, updated_at
		FROM invites
		WHERE instr(lower(chat_username), ?) > 0
		ORDER BY CASE WHEN lower(chat_username) LIKE ? THEN 0 ELSE 1 END, chat_username`,
		needle, needle+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search invite records: %w", err)
	}
	defer rows.Close()

	var out []InviteRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SetStatus transitions a record's lifecycle state. The row is kept.
func (s *Store) SetStatus(chatID string, status Status) error {
	return s.update(chatID, `UPDATE invites SET status = ?, updated_at = ? WHERE chat_id = ?`,
		string(status), time.Now().Unix(), chatID)
}

// SetLastNotified records a successful expiry notification.
func (s *Store) SetLastNotified(chatID string, ts time.Time) error {
	return s.update(chatID, `UPDATE invites SET last_notified_at = ?, updated_at = ? WHERE chat_id = ?`,
		ts.Unix(), time.Now().Unix(), chatID)
}

// SetExpiry moves a record's account expiry and clears the notification
// marker so the cycle restarts against the new date.
func (s *Store) SetExpiry(chatID string, expiresAt *time.Time) error {
	return s.update(chatID, `UPDATE invites SET account_expires_at = ?, last_notified_at = NULL, updated_at = ? WHERE chat_id = ?`,
		nullTime(expiresAt), time.Now().Unix(), chatID)
}

// ClearInviteCode drops the stored invite code once consumed or deleted.
func (s *Store) ClearInviteCode(chatID string) error {
	return s.update(chatID, `UPDATE invites SET invite_code = NULL, updated_at = ? WHERE chat_id = ?`,
		time.Now().Unix(), chatID)
}

// SetRemoteUser records the confirmed remote account link.
func (s *Store) SetRemoteUser(chatID, remoteUserID string) error {
	return s.update(chatID, `UPDATE invites SET remote_user_id = ?, updated_at = ? WHERE chat_id = ?`,
		nullString(remoteUserID), time.Now().Unix(), chatID)
}

// ListExpiringBefore returns non-disabled records with an expiry at or
// before the cutoff, soonest first.
func (s *Store) ListExpiringBefore(cutoff time.Time) ([]InviteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chat_id, chat_username, invite_code, remote_user_id, plan, status,
		       account_expires_at, last_notified_at, created_at, updated_at
		FROM invites
		WHERE account_expires_at IS NOT NULL
		  AND account_expires_at <= ?
		  AND status != ?
		ORDER BY account_expires_at`,
		cutoff.Unix(), string(StatusDisabled))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring records: %w", err)
	}
	defer rows.Close()

	var out []InviteRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) update(chatID, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update invite record %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update invite record %s: %w", chatID, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*InviteRecord, error) {
	var rec InviteRecord
	var code, remoteID sql.NullString
	var expires, notified sql.NullInt64
	var created, updated int64
	var status string

	err := row.Scan(&rec.ChatID, &rec.ChatUsername, &code, &remoteID, &rec.Plan,
		&status, &expires, &notified, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.InviteCode = code.String
	rec.RemoteUserID = remoteID.String
	rec.Status = Status(status)
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		rec.AccountExpiresAt = &t
	}
	if notified.Valid {
		t := time.Unix(notified.Int64, 0)
		rec.LastNotifiedAt = &t
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
