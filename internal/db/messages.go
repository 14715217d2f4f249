package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/awc/kanban"
)

// --- Conversations ---

// CreateConversation inserts a conversation, defaulting status to open.
func (s *Store) CreateConversation(c *kanban.Conversation) error {
	if c.Status == "" {
		c.Status = "open"
	}
	if c.ProjectID != "" {
		if _, err := s.GetProject(c.ProjectID); err != nil {
			return err
		}
	}
	if c.ID == "" {
		c.ID = kanban.NewID()
	}
	now := kanban.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.exec(`
		INSERT INTO conversations (id, project_id, session_id, status, context_usage, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, nullString(c.ProjectID), nullString(c.SessionID), c.Status,
		nullInt(c.ContextUsage), nullString(c.Summary), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, project_id, session_id, status, context_usage, summary, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*kanban.Conversation, error) {
	var (
		c            kanban.Conversation
		projectID    sql.NullString
		sessionID    sql.NullString
		contextUsage sql.NullInt64
		summary      sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&c.ID, &projectID, &sessionID, &c.Status, &contextUsage, &summary, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ProjectID = projectID.String
	c.SessionID = sessionID.String
	c.ContextUsage = int(contextUsage.Int64)
	c.Summary = summary.String
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// GetConversation returns the conversation or a NotFound error.
func (s *Store) GetConversation(id string) (*kanban.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("conversation %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

// GetConversationBySession finds the conversation tied to an agent session.
func (s *Store) GetConversationBySession(sessionID string) (*kanban.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("conversation for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations newest first, optionally scoped
// to a project.
func (s *Store) ListConversations(projectID string) ([]kanban.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []kanban.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// ConversationUpdate is a partial conversation patch.
type ConversationUpdate struct {
	Status       *string
	SessionID    *string
	ContextUsage *int
	Summary      *string
}

// UpdateConversation applies a partial patch and bumps updatedAt.
func (s *Store) UpdateConversation(id string, upd ConversationUpdate) (*kanban.Conversation, error) {
	var out *kanban.Conversation
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
		c, err := scanConversation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("conversation %s", id)
		}
		if err != nil {
			return err
		}
		if upd.Status != nil {
			c.Status = *upd.Status
		}
		if upd.SessionID != nil {
			c.SessionID = *upd.SessionID
		}
		if upd.ContextUsage != nil {
			c.ContextUsage = *upd.ContextUsage
		}
		if upd.Summary != nil {
			c.Summary = *upd.Summary
		}
		c.UpdatedAt = kanban.Now()
		_, err = tx.Exec(`
			UPDATE conversations SET status = ?, session_id = ?, context_usage = ?, summary = ?, updated_at = ?
			WHERE id = ?
		`, c.Status, nullString(c.SessionID), nullInt(c.ContextUsage), nullString(c.Summary),
			toMillis(c.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

// --- Messages ---

// CreateMessage validates and inserts a message. A message in a conversation
// also bumps the conversation's updatedAt.
func (s *Store) CreateMessage(m *kanban.Message) error {
	if m.Role != kanban.RoleUser && m.Role != kanban.RoleAssistant {
		return kanban.Validationf("unknown message role %q", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return kanban.Validationf("message content is required")
	}
	if m.ID == "" {
		m.ID = kanban.NewID()
	}
	m.CreatedAt = kanban.Now()

	return s.db.transact(func(tx *sql.Tx) error {
		if m.ConversationID != "" {
			var exists int
			err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				return kanban.NotFoundf("conversation %s", m.ConversationID)
			}
		}
		_, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, project_id, role, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.ID, nullString(m.ConversationID), nullString(m.ProjectID), m.Role, m.Content,
			nullString(m.Metadata), toMillis(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if m.ConversationID != "" {
			_, err = tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
				toMillis(m.CreatedAt), m.ConversationID)
			if err != nil {
				return fmt.Errorf("failed to touch conversation: %w", err)
			}
		}
		return nil
	})
}

const messageColumns = `id, conversation_id, project_id, role, content, metadata, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*kanban.Message, error) {
	var (
		m              kanban.Message
		conversationID sql.NullString
		projectID      sql.NullString
		metadata       sql.NullString
		createdAt      int64
	)
	if err := row.Scan(&m.ID, &conversationID, &projectID, &m.Role, &m.Content, &metadata, &createdAt); err != nil {
		return nil, err
	}
	m.ConversationID = conversationID.String
	m.ProjectID = projectID.String
	m.Metadata = metadata.String
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// ListMessages returns a conversation's messages in order, newest last.
// limit <= 0 means no limit.
func (s *Store) ListMessages(conversationID string, limit int) ([]kanban.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []kanban.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// ListProjectMessages returns a project's most recent messages, newest
// first, up to limit.
func (s *Store) ListProjectMessages(projectID string, limit int) ([]kanban.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query project messages: %w", err)
	}
	defer rows.Close()

	var messages []kanban.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// --- Token usage ---

// RecordUsage inserts one usage sample from an agent run or chat turn.
func (s *Store) RecordUsage(u *kanban.TokenUsage) error {
	if strings.TrimSpace(u.Model) == "" {
		return kanban.Validationf("usage model is required")
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return kanban.Validationf("token counts cannot be negative")
	}
	if u.ID == "" {
		u.ID = kanban.NewID()
	}
	u.CreatedAt = kanban.Now()

	_, err := s.db.exec(`
		INSERT INTO token_usage (id, project_id, session_id, model, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, nullString(u.ProjectID), nullString(u.SessionID), u.Model,
		u.InputTokens, u.OutputTokens, u.CostUSD, toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageReport aggregates token spend, optionally scoped to a project and a
// start time, grouped per model.
func (s *Store) UsageReport(projectID string, since time.Time) (*kanban.UsageReport, error) {
	query := `
		SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM token_usage WHERE 1=1`
	args := []any{}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toMillis(since))
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer rows.Close()

	report := &kanban.UsageReport{}
	for rows.Next() {
		var mu kanban.ModelUsage
		if err := rows.Scan(&mu.Model, &mu.Runs, &mu.InputTokens, &mu.OutputTokens, &mu.CostUSD); err != nil {
			return nil, err
		}
		report.ByModel = append(report.ByModel, mu)
		report.InputTokens += mu.InputTokens
		report.OutputTokens += mu.OutputTokens
		report.CostUSD += mu.CostUSD
	}
	return report, rows.Err()
}
