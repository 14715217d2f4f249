package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/awc/kanban"
)

const cardColumns = `id, project_id, title, description, board_column, labels, due_date,
	linked_decision_ids, linked_message_ids, position, priority,
	context_snapshot, last_session_id, assigned_agent, agent_status, blocked_reason,
	started_at, completed_at, verification_status, branch_name, campaign_id,
	created_at, updated_at`

func scanCard(row interface{ Scan(...any) error }) (*kanban.KanbanCard, error) {
	var (
		c             kanban.KanbanCard
		description   sql.NullString
		labels        sql.NullString
		dueDate       sql.NullInt64
		decisionIDs   sql.NullString
		messageIDs    sql.NullString
		snapshot      sql.NullString
		sessionID     sql.NullString
		assignedAgent sql.NullString
		agentStatus   sql.NullString
		blockedReason sql.NullString
		startedAt     sql.NullInt64
		completedAt   sql.NullInt64
		verification  sql.NullString
		branchName    sql.NullString
		campaignID    sql.NullString
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &description, &c.Column, &labels, &dueDate,
		&decisionIDs, &messageIDs, &c.Position, &c.Priority,
		&snapshot, &sessionID, &assignedAgent, &agentStatus, &blockedReason,
		&startedAt, &completedAt, &verification, &branchName, &campaignID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Labels = unmarshalStrings(labels)
	c.DueDate = fromNullMillis(dueDate)
	c.LinkedDecisionIDs = unmarshalStrings(decisionIDs)
	c.LinkedMessageIDs = unmarshalStrings(messageIDs)
	c.ContextSnapshot = snapshot.String
	c.LastSessionID = sessionID.String
	c.AssignedAgent = assignedAgent.String
	c.AgentStatus = kanban.AgentStatus(agentStatus.String)
	c.BlockedReason = blockedReason.String
	c.StartedAt = fromNullMillis(startedAt)
	c.CompletedAt = fromNullMillis(completedAt)
	c.Verification = kanban.VerificationStatus(verification.String)
	c.BranchName = branchName.String
	c.CampaignID = campaignID.String
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// CreateCard validates and inserts a card at the back of its column.
func (s *Store) CreateCard(c *kanban.KanbanCard) error {
	if strings.TrimSpace(c.Title) == "" {
		return kanban.Validationf("card title is required")
	}
	if c.Column == "" {
		c.Column = kanban.ColumnBacklog
	}
	if !kanban.ValidColumn(c.Column) {
		return kanban.Validationf("unknown column %q", c.Column)
	}
	if c.AgentStatus != "" && !kanban.ValidAgentStatus(c.AgentStatus) {
		return kanban.Validationf("unknown agent status %q", c.AgentStatus)
	}
	if c.Verification == "" {
		c.Verification = kanban.VerifyUnverified
	}
	if !kanban.ValidVerificationStatus(c.Verification) {
		return kanban.Validationf("unknown verification status %q", c.Verification)
	}
	if _, err := s.GetProject(c.ProjectID); err != nil {
		return err
	}
	if c.CampaignID != "" {
		if _, err := s.GetCampaign(c.CampaignID); err != nil {
			return err
		}
	}
	if c.ID == "" {
		c.ID = kanban.NewID()
	}
	now := kanban.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	return s.db.transact(func(tx *sql.Tx) error {
		pos, err := nextPosition(tx, c.ProjectID, c.Column)
		if err != nil {
			return err
		}
		c.Position = pos
		_, err = tx.Exec(`
			INSERT INTO kanban_cards (id, project_id, title, description, board_column, labels, due_date,
				linked_decision_ids, linked_message_ids, position, priority,
				context_snapshot, last_session_id, assigned_agent, agent_status, blocked_reason,
				started_at, completed_at, verification_status, branch_name, campaign_id,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.ProjectID, c.Title, nullString(c.Description), c.Column, marshalStrings(c.Labels),
			toNullMillis(c.DueDate), marshalStrings(c.LinkedDecisionIDs), marshalStrings(c.LinkedMessageIDs),
			c.Position, c.Priority,
			nullString(c.ContextSnapshot), nullString(c.LastSessionID), nullString(c.AssignedAgent),
			nullString(string(c.AgentStatus)), nullString(c.BlockedReason),
			toNullMillis(c.StartedAt), toNullMillis(c.CompletedAt),
			string(c.Verification), nullString(c.BranchName), nullString(c.CampaignID),
			toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to create card: %w", err)
		}
		return nil
	})
}

// nextPosition returns max(position)+1 within a project column.
func nextPosition(tx *sql.Tx, projectID string, column kanban.Column) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(position) FROM kanban_cards WHERE project_id = ? AND board_column = ?`,
		projectID, column).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read column tail: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// renumberColumn rewrites positions 0..n-1 in board order. It deliberately
// leaves updated_at alone: position shuffles are board geometry, not edits,
// and must not invalidate optimistic locks held on sibling cards.
func renumberColumn(tx *sql.Tx, projectID string, column kanban.Column) error {
	rows, err := tx.Query(`
		SELECT id FROM kanban_cards
		WHERE project_id = ? AND board_column = ?
		ORDER BY position, created_at
	`, projectID, column)
	if err != nil {
		return fmt.Errorf("failed to read column order: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE kanban_cards SET position = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("failed to renumber column: %w", err)
		}
	}
	return nil
}

func getCardTx(tx *sql.Tx, id string) (*kanban.KanbanCard, error) {
	row := tx.QueryRow(`SELECT `+cardColumns+` FROM kanban_cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("card %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}
	return c, nil
}

// GetCard returns the card or a NotFound error.
func (s *Store) GetCard(id string) (*kanban.KanbanCard, error) {
	row := s.db.QueryRow(`SELECT `+cardColumns+` FROM kanban_cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("card %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}
	return c, nil
}

// ListCards returns a project's cards in board order, optionally one column.
func (s *Store) ListCards(projectID string, column kanban.Column) ([]kanban.KanbanCard, error) {
	query := `SELECT ` + cardColumns + ` FROM kanban_cards WHERE project_id = ?`
	args := []any{projectID}
	if column != "" {
		if !kanban.ValidColumn(column) {
			return nil, kanban.Validationf("unknown column %q", column)
		}
		query += ` AND board_column = ?`
		args = append(args, column)
	}
	query += ` ORDER BY board_column, position, created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []kanban.KanbanCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

// GetBoard returns the project's cards grouped by column with counts.
func (s *Store) GetBoard(projectID string) (*kanban.Board, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	cards, err := s.ListCards(projectID, "")
	if err != nil {
		return nil, err
	}
	board := &kanban.Board{
		ProjectID: projectID,
		Stats: map[kanban.Column]int{
			kanban.ColumnBacklog:    0,
			kanban.ColumnInProgress: 0,
			kanban.ColumnDone:       0,
		},
	}
	for _, c := range cards {
		board.Stats[c.Column]++
		switch c.Column {
		case kanban.ColumnBacklog:
			board.Backlog = append(board.Backlog, c)
		case kanban.ColumnInProgress:
			board.InProgress = append(board.InProgress, c)
		case kanban.ColumnDone:
			board.Done = append(board.Done, c)
		}
	}
	return board, nil
}

// CardUpdate is a partial card patch; nil fields are left alone.
type CardUpdate struct {
	Title             *string
	Description       *string
	Column            *kanban.Column
	Labels            *[]string
	DueDate           *time.Time
	ClearDueDate      bool
	LinkedDecisionIDs *[]string
	LinkedMessageIDs  *[]string
	Priority          *int32
	ContextSnapshot   *string
	LastSessionID     *string
	AssignedAgent     *string
	AgentStatus       *kanban.AgentStatus
	BlockedReason     *string
	Verification      *kanban.VerificationStatus
	BranchName        *string
	CampaignID        *string
}

// UpdateCard applies a partial patch under the optimistic lock. When
// ifUpdatedAt is non-nil and does not match the stored updatedAt the update
// is rejected with a Conflict carrying the current value; when it is nil the
// patch is last-write-wins.
func (s *Store) UpdateCard(id string, upd CardUpdate, ifUpdatedAt *time.Time) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if ifUpdatedAt != nil && !ifUpdatedAt.Equal(c.UpdatedAt) {
			return kanban.ConflictUpdatedAt(c.UpdatedAt, "card %s changed since read", id)
		}

		prevColumn := c.Column
		if upd.Title != nil {
			if strings.TrimSpace(*upd.Title) == "" {
				return kanban.Validationf("card title cannot be empty")
			}
			c.Title = *upd.Title
		}
		if upd.Description != nil {
			c.Description = *upd.Description
		}
		if upd.Column != nil {
			if !kanban.ValidColumn(*upd.Column) {
				return kanban.Validationf("unknown column %q", *upd.Column)
			}
			c.Column = *upd.Column
		}
		if upd.Labels != nil {
			c.Labels = *upd.Labels
		}
		if upd.ClearDueDate {
			c.DueDate = nil
		} else if upd.DueDate != nil {
			c.DueDate = upd.DueDate
		}
		if upd.LinkedDecisionIDs != nil {
			c.LinkedDecisionIDs = *upd.LinkedDecisionIDs
		}
		if upd.LinkedMessageIDs != nil {
			c.LinkedMessageIDs = *upd.LinkedMessageIDs
		}
		if upd.Priority != nil {
			c.Priority = *upd.Priority
		}
		if upd.ContextSnapshot != nil {
			c.ContextSnapshot = *upd.ContextSnapshot
		}
		if upd.LastSessionID != nil {
			c.LastSessionID = *upd.LastSessionID
		}
		if upd.AssignedAgent != nil {
			c.AssignedAgent = *upd.AssignedAgent
		}
		if upd.AgentStatus != nil {
			if err := kanban.ValidateAgentStatus(c.AgentStatus, *upd.AgentStatus); err != nil {
				return err
			}
			c.AgentStatus = *upd.AgentStatus
		}
		if upd.BlockedReason != nil {
			c.BlockedReason = *upd.BlockedReason
		}
		if upd.Verification != nil {
			if !kanban.ValidVerificationStatus(*upd.Verification) {
				return kanban.Validationf("unknown verification status %q", *upd.Verification)
			}
			c.Verification = *upd.Verification
		}
		if upd.BranchName != nil {
			c.BranchName = *upd.BranchName
		}
		if upd.CampaignID != nil {
			c.CampaignID = *upd.CampaignID
		}

		columnChanged := c.Column != prevColumn
		if columnChanged {
			pos, err := nextPosition(tx, c.ProjectID, c.Column)
			if err != nil {
				return err
			}
			c.Position = pos
		}
		if c.Column == kanban.ColumnDone && c.CompletedAt == nil {
			done := kanban.Now()
			c.CompletedAt = &done
		}

		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		if columnChanged {
			if err := renumberColumn(tx, c.ProjectID, prevColumn); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

// writeCard persists every mutable card field with a compare-and-swap on
// updated_at. Zero rows means a concurrent writer won; surface the fresh
// timestamp as a Conflict.
func writeCard(tx *sql.Tx, c *kanban.KanbanCard, id string) error {
	prev := c.UpdatedAt
	c.UpdatedAt = bumpMillis(prev)
	res, err := tx.Exec(`
		UPDATE kanban_cards SET title = ?, description = ?, board_column = ?, labels = ?, due_date = ?,
			linked_decision_ids = ?, linked_message_ids = ?, position = ?, priority = ?,
			context_snapshot = ?, last_session_id = ?, assigned_agent = ?, agent_status = ?, blocked_reason = ?,
			started_at = ?, completed_at = ?, verification_status = ?, branch_name = ?, campaign_id = ?,
			updated_at = ?
		WHERE id = ? AND updated_at = ?
	`, c.Title, nullString(c.Description), c.Column, marshalStrings(c.Labels), toNullMillis(c.DueDate),
		marshalStrings(c.LinkedDecisionIDs), marshalStrings(c.LinkedMessageIDs), c.Position, c.Priority,
		nullString(c.ContextSnapshot), nullString(c.LastSessionID), nullString(c.AssignedAgent),
		nullString(string(c.AgentStatus)), nullString(c.BlockedReason),
		toNullMillis(c.StartedAt), toNullMillis(c.CompletedAt),
		string(c.Verification), nullString(c.BranchName), nullString(c.CampaignID),
		toMillis(c.UpdatedAt),
		id, toMillis(prev))
	if err != nil {
		return fmt.Errorf("failed to update card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		fresh, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		return kanban.ConflictUpdatedAt(fresh.UpdatedAt, "card %s changed since read", id)
	}
	return nil
}

// MoveCard moves a card to another column, appending it at the back.
func (s *Store) MoveCard(id string, column kanban.Column, ifUpdatedAt *time.Time) (*kanban.KanbanCard, error) {
	if !kanban.ValidColumn(column) {
		return nil, kanban.Validationf("unknown column %q", column)
	}
	return s.UpdateCard(id, CardUpdate{Column: &column}, ifUpdatedAt)
}

// DeleteCard removes a card. A card with a running agent cannot be deleted.
func (s *Store) DeleteCard(id string) error {
	return s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if c.AgentStatus == kanban.AgentRunning {
			return kanban.Conflictf("card %s has a running agent", id)
		}
		if _, err := tx.Exec(`DELETE FROM kanban_cards WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete card: %w", err)
		}
		return renumberColumn(tx, c.ProjectID, c.Column)
	})
}

// GetNextCard returns the highest-priority eligible backlog card, or nil
// when nothing qualifies. Selection is deterministic: priority descending,
// then position, then createdAt.
func (s *Store) GetNextCard(projectID string, opts kanban.SelectionOptions) (*kanban.KanbanCard, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	cards, err := s.ListCards(projectID, kanban.ColumnBacklog)
	if err != nil {
		return nil, err
	}
	if opts.Now.IsZero() {
		opts.Now = kanban.Now()
	}
	return kanban.NextCandidate(cards, opts), nil
}

// SkipToBack sends a backlog card to the back of the queue.
func (s *Store) SkipToBack(id string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if c.Column != kanban.ColumnBacklog {
			return kanban.Validationf("card %s is not in the backlog", id)
		}
		pos, err := nextPosition(tx, c.ProjectID, kanban.ColumnBacklog)
		if err != nil {
			return err
		}
		c.Position = pos
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		if err := renumberColumn(tx, c.ProjectID, kanban.ColumnBacklog); err != nil {
			return err
		}
		fresh, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		out = fresh
		return nil
	})
	return out, err
}

// AssignAgent stakes an idle claim on a card for the named agent variant.
func (s *Store) AssignAgent(id, agent string) (*kanban.KanbanCard, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, kanban.Validationf("agent name is required")
	}
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if c.AgentStatus == kanban.AgentRunning {
			return kanban.Conflictf("card %s already has a running agent", id)
		}
		c.AssignedAgent = agent
		c.AgentStatus = kanban.AgentIdle
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// UpdateAgentStatus applies a validated agent-status transition. The reason
// is stored for blocked and cleared otherwise.
func (s *Store) UpdateAgentStatus(id string, status kanban.AgentStatus, reason string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if err := kanban.ValidateAgentStatus(c.AgentStatus, status); err != nil {
			return err
		}
		c.AgentStatus = status
		switch status {
		case kanban.AgentBlocked, kanban.AgentFailed:
			c.BlockedReason = reason
		case kanban.AgentRunning:
			c.BlockedReason = ""
			if c.StartedAt == nil {
				now := kanban.Now()
				c.StartedAt = &now
			}
		default:
			c.BlockedReason = ""
		}
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// StartWork claims a card for an agent run: in_progress, running, startedAt.
// Starting an already-running or done card is a Conflict.
func (s *Store) StartWork(id, agent string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if err := kanban.ValidateStart(c); err != nil {
			return err
		}
		prevColumn := c.Column
		c.Column = kanban.ColumnInProgress
		if agent != "" {
			c.AssignedAgent = agent
		}
		c.AgentStatus = kanban.AgentRunning
		c.BlockedReason = ""
		now := kanban.Now()
		c.StartedAt = &now
		if prevColumn != kanban.ColumnInProgress {
			pos, err := nextPosition(tx, c.ProjectID, kanban.ColumnInProgress)
			if err != nil {
				return err
			}
			c.Position = pos
		}
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		if prevColumn != kanban.ColumnInProgress {
			if err := renumberColumn(tx, c.ProjectID, prevColumn); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

// CompleteWork finishes a running card: done, completed, completedAt.
func (s *Store) CompleteWork(id string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if err := kanban.ValidateComplete(c); err != nil {
			return err
		}
		prevColumn := c.Column
		c.Column = kanban.ColumnDone
		c.AgentStatus = kanban.AgentCompleted
		now := kanban.Now()
		c.CompletedAt = &now
		if prevColumn != kanban.ColumnDone {
			pos, err := nextPosition(tx, c.ProjectID, kanban.ColumnDone)
			if err != nil {
				return err
			}
			c.Position = pos
		}
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		if prevColumn != kanban.ColumnDone {
			if err := renumberColumn(tx, c.ProjectID, prevColumn); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	return out, err
}

// ResumeCard readies a previously worked card for another session. The saved
// context snapshot and last session id are kept so the next run can pick up
// where the last one stopped.
func (s *Store) ResumeCard(id string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		if c.AgentStatus == kanban.AgentRunning {
			return kanban.Conflictf("card %s already has a running agent", id)
		}
		if c.Column == kanban.ColumnDone {
			return kanban.Validationf("card %s is done; move it back before resuming", id)
		}
		if c.ContextSnapshot == "" && c.LastSessionID == "" {
			return kanban.Validationf("card %s has no saved session to resume", id)
		}
		c.AgentStatus = kanban.AgentIdle
		c.BlockedReason = ""
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// SaveContext stores the context snapshot and session id from a finished run.
func (s *Store) SaveContext(id, snapshot, sessionID string) (*kanban.KanbanCard, error) {
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		c.ContextSnapshot = snapshot
		if sessionID != "" {
			c.LastSessionID = sessionID
		}
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// SetVerification records how far a card's change got through the gates.
func (s *Store) SetVerification(id string, status kanban.VerificationStatus, branch string) (*kanban.KanbanCard, error) {
	if !kanban.ValidVerificationStatus(status) {
		return nil, kanban.Validationf("unknown verification status %q", status)
	}
	var out *kanban.KanbanCard
	err := s.db.transact(func(tx *sql.Tx) error {
		c, err := getCardTx(tx, id)
		if err != nil {
			return err
		}
		c.Verification = status
		if branch != "" {
			c.BranchName = branch
		}
		if err := writeCard(tx, c, id); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// RunningCardCount counts cards with a live agent claim in a project.
func (s *Store) RunningCardCount(projectID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM kanban_cards
		WHERE project_id = ? AND agent_status = ?
	`, projectID, kanban.AgentRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running cards: %w", err)
	}
	return n, nil
}

// CardsByAgentStatus returns every card in the given agent state, across
// projects. Used at startup to heal claims orphaned by a crash.
func (s *Store) CardsByAgentStatus(status kanban.AgentStatus) ([]kanban.KanbanCard, error) {
	rows, err := s.db.Query(`SELECT `+cardColumns+` FROM kanban_cards WHERE agent_status = ? ORDER BY created_at`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by agent status: %w", err)
	}
	defer rows.Close()

	var cards []kanban.KanbanCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

// CardsByVerification returns a project's cards in the given verification
// state, oldest first. The synthesizer scans branch_verified this way.
func (s *Store) CardsByVerification(projectID string, status kanban.VerificationStatus) ([]kanban.KanbanCard, error) {
	rows, err := s.db.Query(`
		SELECT `+cardColumns+` FROM kanban_cards
		WHERE project_id = ? AND verification_status = ?
		ORDER BY created_at
	`, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by verification: %w", err)
	}
	defer rows.Close()

	var cards []kanban.KanbanCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}
