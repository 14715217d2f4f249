package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arctek/awc/kanban"
)

// EnableMemoryMirror makes every audit entry also append a line to
// <dir>/YYYY-MM-DD.md, the human-readable daily log.
func (s *Store) EnableMemoryMirror(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create memory dir: %w", err)
	}
	s.auditMu.Lock()
	s.memoryDir = dir
	s.auditMu.Unlock()
	return nil
}

// RecordAudit appends one entry to the audit log. Entries are never
// mutated, and timestamps never decrease in insertion order even if the
// wall clock steps backwards.
func (s *Store) RecordAudit(entityType, entityID, action, actor, details string) (*kanban.AuditEntry, error) {
	if entityType == "" || action == "" || actor == "" {
		return nil, kanban.Validationf("audit entries need entityType, action and actor")
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	if !s.auditInit {
		var last int64
		err := s.db.QueryRow(`SELECT COALESCE(MAX(timestamp), 0) FROM audit_log`).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit tail: %w", err)
		}
		s.lastAuditMs = last
		s.auditInit = true
	}

	ts := toMillis(kanban.Now())
	if ts < s.lastAuditMs {
		ts = s.lastAuditMs
	}
	s.lastAuditMs = ts

	entry := &kanban.AuditEntry{
		ID:         kanban.NewID(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Details:    details,
		Timestamp:  fromMillis(ts),
	}
	_, err := s.db.exec(`
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor,
		nullString(entry.Details), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to record audit entry: %w", err)
	}

	if s.memoryDir != "" {
		if err := appendMemoryLine(s.memoryDir, entry); err != nil {
			slog.Warn("memory mirror append failed", "error", err)
		}
	}
	return entry, nil
}

// appendMemoryLine writes one markdown bullet to the day's memory file.
func appendMemoryLine(dir string, e *kanban.AuditEntry) error {
	day := e.Timestamp.Format("2006-01-02")
	path := filepath.Join(dir, day+".md")

	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if os.IsNotExist(statErr) {
		if _, err := fmt.Fprintf(f, "# %s\n\n", day); err != nil {
			return err
		}
	}
	line := fmt.Sprintf("- %s [%s] %s %s %s", e.Timestamp.Format("15:04:05"), e.Actor, e.EntityType, e.Action, e.EntityID)
	if e.Details != "" {
		line += ": " + e.Details
	}
	_, err = fmt.Fprintln(f, line)
	return err
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	Actor      string
	Since      time.Time
	Limit      int
}

// ListAudit returns matching audit entries, newest first. The default and
// maximum page size is 500.
func (s *Store) ListAudit(f AuditFilter) ([]kanban.AuditEntry, error) {
	query := `SELECT id, entity_type, entity_id, action, actor, details, timestamp FROM audit_log WHERE 1=1`
	args := []any{}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, toMillis(f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []kanban.AuditEntry
	for rows.Next() {
		var (
			e       kanban.AuditEntry
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &details, &ts); err != nil {
			return nil, err
		}
		e.Details = details.String
		e.Timestamp = fromMillis(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
