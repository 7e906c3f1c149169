package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// AdminAction is one append-only audit log entry. Entries are never
// mutated or deleted.
type AdminAction struct {
	ID           string
	ActorID      string
	ActorName    string
	Action       string
	TargetChat   string
	TargetRemote string
	Details      string
	PerformedAt  time.Time
}

// ActionFilter narrows an audit query. Zero values match everything.
type ActionFilter struct {
	Action     string
	TargetChat string
	Since      *time.Time
	Limit      int
}

// RecordAction appends an admin action to the audit log.
func (s *Store) RecordAction(a AdminAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.PerformedAt.IsZero() {
		a.PerformedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO admin_actions (id, actor_id, actor_name, action, target_chat, target_remote, details, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActorID, a.ActorName, a.Action,
		nullString(a.TargetChat), nullString(a.TargetRemote), nullString(a.Details),
		a.PerformedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record admin action: %w", err)
	}
	return nil
}

// Actions returns audit entries matching the filter, newest first.
func (s *Store) Actions(filter ActionFilter) ([]AdminAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, actor_id, actor_name, action, target_chat, target_remote, details, performed_at
		FROM admin_actions WHERE 1=1`
	args := []any{}

	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.TargetChat != "" {
		query += " AND target_chat = ?"
		args = append(args, filter.TargetChat)
	}
	if filter.Since != nil {
		query += " AND performed_at >= ?"
		args = append(args, filter.Since.Unix())
	}
	query += " ORDER BY performed_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin actions: %w", err)
	}
	defer rows.Close()

	var out []AdminAction
	for rows.Next() {
		var a AdminAction
		var targetChat, targetRemote, details sql.NullString
		var performed int64
		if err := rows.Scan(&a.ID, &a.ActorID, &a.ActorName, &a.Action,
			&targetChat, &targetRemote, &details, &performed); err != nil {
			return nil, fmt.Errorf("failed to scan admin action: %w", err)
		}
		a.TargetChat = targetChat.String
		a.TargetRemote = targetRemote.String
		a.Details = details.String
		a.PerformedAt = time.Unix(performed, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}
