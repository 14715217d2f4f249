package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arctek/awc/kanban"
)

// Store implements the persistence core on a SQLite DB.
type Store struct {
	db *DB

	auditMu     sync.Mutex
	auditInit   bool
	lastAuditMs int64
	memoryDir   string
}

// NewStore creates a store backed by an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *DB {
	return s.db
}

// marshalStrings encodes a string slice for a TEXT column; empty slices
// store as NULL to keep rows small.
func marshalStrings(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// --- Projects ---

// CreateProject validates and inserts a project, assigning server fields.
func (s *Store) CreateProject(p *kanban.Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return kanban.Validationf("project name is required")
	}
	if p.Status == "" {
		p.Status = kanban.ProjectActive
	}
	if !kanban.ValidProjectStatus(p.Status) {
		return kanban.Validationf("unknown project status %q", p.Status)
	}
	if p.ID == "" {
		p.ID = kanban.NewID()
	}
	now := kanban.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.exec(`
		INSERT INTO projects (id, name, description, status, color,
			agent_timeout_minutes, max_concurrent_agents, repo_path,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, nullString(p.Description), p.Status, nullString(p.Color),
		nullInt(p.AgentTimeoutMinutes), nullInt(p.MaxConcurrentAgents), nullString(p.RepoPath),
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

const projectColumns = `id, name, description, status, color,
	agent_timeout_minutes, max_concurrent_agents, repo_path, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (*kanban.Project, error) {
	var (
		p           kanban.Project
		description sql.NullString
		color       sql.NullString
		timeoutMin  sql.NullInt64
		maxAgents   sql.NullInt64
		repoPath    sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&p.ID, &p.Name, &description, &p.Status, &color,
		&timeoutMin, &maxAgents, &repoPath, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	p.Color = color.String
	p.AgentTimeoutMinutes = int(timeoutMin.Int64)
	p.MaxConcurrentAgents = int(maxAgents.Int64)
	p.RepoPath = repoPath.String
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// GetProject returns the project or a NotFound error.
func (s *Store) GetProject(id string) (*kanban.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("project %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return p, nil
}

// ListProjects returns projects, optionally filtered by status.
func (s *Store) ListProjects(status kanban.ProjectStatus) ([]kanban.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []kanban.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ProjectUpdate is a partial project update; nil fields are left alone.
type ProjectUpdate struct {
	Name                *string
	Description         *string
	Status              *kanban.ProjectStatus
	Color               *string
	AgentTimeoutMinutes *int
	MaxConcurrentAgents *int
	RepoPath            *string
}

// UpdateProject applies a partial update and bumps updatedAt.
func (s *Store) UpdateProject(id string, upd ProjectUpdate) (*kanban.Project, error) {
	var out *kanban.Project
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("project %s", id)
		}
		if err != nil {
			return err
		}

		if upd.Name != nil {
			if strings.TrimSpace(*upd.Name) == "" {
				return kanban.Validationf("project name cannot be empty")
			}
			p.Name = *upd.Name
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Status != nil {
			if !kanban.ValidProjectStatus(*upd.Status) {
				return kanban.Validationf("unknown project status %q", *upd.Status)
			}
			p.Status = *upd.Status
		}
		if upd.Color != nil {
			p.Color = *upd.Color
		}
		if upd.AgentTimeoutMinutes != nil {
			p.AgentTimeoutMinutes = *upd.AgentTimeoutMinutes
		}
		if upd.MaxConcurrentAgents != nil {
			p.MaxConcurrentAgents = *upd.MaxConcurrentAgents
		}
		if upd.RepoPath != nil {
			p.RepoPath = *upd.RepoPath
		}
		p.UpdatedAt = kanban.Now()

		_, err = tx.Exec(`
			UPDATE projects SET name = ?, description = ?, status = ?, color = ?,
				agent_timeout_minutes = ?, max_concurrent_agents = ?, repo_path = ?,
				updated_at = ?
			WHERE id = ?
		`, p.Name, nullString(p.Description), p.Status, nullString(p.Color),
			nullInt(p.AgentTimeoutMinutes), nullInt(p.MaxConcurrentAgents), nullString(p.RepoPath),
			toMillis(p.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update project: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// --- Project documents ---

// CreateDocument inserts a document. For the singleton types the unique
// index turns a duplicate into a Conflict.
func (s *Store) CreateDocument(doc *kanban.ProjectDocument) error {
	if !kanban.ValidDocumentType(doc.Type) {
		return kanban.Validationf("unknown document type %q", doc.Type)
	}
	if strings.TrimSpace(doc.Title) == "" {
		return kanban.Validationf("document title is required")
	}
	if _, err := s.GetProject(doc.ProjectID); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = kanban.NewID()
	}
	now := kanban.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.exec(`
		INSERT INTO project_documents (id, project_id, type, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.ProjectID, doc.Type, doc.Title, doc.Content,
		toMillis(doc.CreatedAt), toMillis(doc.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return kanban.Conflictf("project %s already has a %s document", doc.ProjectID, doc.Type)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

const documentColumns = `id, project_id, type, title, content, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*kanban.ProjectDocument, error) {
	var (
		d         kanban.ProjectDocument
		content   sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Title, &content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Content = content.String
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

// GetDocument returns the document or a NotFound error.
func (s *Store) GetDocument(id string) (*kanban.ProjectDocument, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM project_documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return d, nil
}

// ListDocuments returns a project's documents, optionally of one type.
func (s *Store) ListDocuments(projectID string, docType kanban.DocumentType) ([]kanban.ProjectDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM project_documents WHERE project_id = ?`
	args := []any{projectID}
	if docType != "" {
		query += ` AND type = ?`
		args = append(args, docType)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []kanban.ProjectDocument
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateDocument applies a partial update and bumps updatedAt.
func (s *Store) UpdateDocument(id string, title, content *string) (*kanban.ProjectDocument, error) {
	var out *kanban.ProjectDocument
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+documentColumns+` FROM project_documents WHERE id = ?`, id)
		d, err := scanDocument(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("document %s", id)
		}
		if err != nil {
			return err
		}
		if title != nil {
			d.Title = *title
		}
		if content != nil {
			d.Content = *content
		}
		d.UpdatedAt = kanban.Now()
		_, err = tx.Exec(`UPDATE project_documents SET title = ?, content = ?, updated_at = ? WHERE id = ?`,
			d.Title, d.Content, toMillis(d.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
		out = d
		return nil
	})
	return out, err
}

// DeleteDocument removes a document.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.exec(`DELETE FROM project_documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kanban.NotFoundf("document %s", id)
	}
	return nil
}

// AppendSingleton appends a fragment to the per-project singleton document
// of the given type, creating it on first use.
func (s *Store) AppendSingleton(projectID string, docType kanban.DocumentType, title, fragment string) (*kanban.ProjectDocument, error) {
	if !kanban.SingletonDocumentType(docType) {
		return nil, kanban.Validationf("document type %q is not a singleton", docType)
	}
	var out *kanban.ProjectDocument
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+documentColumns+` FROM project_documents WHERE project_id = ? AND type = ?`,
			projectID, docType)
		d, err := scanDocument(row)
		now := kanban.Now()
		if errors.Is(err, sql.ErrNoRows) {
			d = &kanban.ProjectDocument{
				ID:        kanban.NewID(),
				ProjectID: projectID,
				Type:      docType,
				Title:     title,
				Content:   fragment,
				CreatedAt: now,
				UpdatedAt: now,
			}
			_, err = tx.Exec(`
				INSERT INTO project_documents (id, project_id, type, title, content, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, d.ID, d.ProjectID, d.Type, d.Title, d.Content, toMillis(now), toMillis(now))
			if err != nil {
				return fmt.Errorf("failed to create %s document: %w", docType, err)
			}
			out = d
			return nil
		}
		if err != nil {
			return err
		}
		if d.Content == "" {
			d.Content = fragment
		} else {
			d.Content = d.Content + "\n" + fragment
		}
		d.UpdatedAt = now
		_, err = tx.Exec(`UPDATE project_documents SET content = ?, updated_at = ? WHERE id = ?`,
			d.Content, toMillis(now), d.ID)
		if err != nil {
			return fmt.Errorf("failed to append to %s document: %w", docType, err)
		}
		out = d
		return nil
	})
	return out, err
}

// SetSingleton replaces the content of the per-project singleton document,
// creating it on first use.
func (s *Store) SetSingleton(projectID string, docType kanban.DocumentType, title, content string) (*kanban.ProjectDocument, error) {
	if !kanban.SingletonDocumentType(docType) {
		return nil, kanban.Validationf("document type %q is not a singleton", docType)
	}
	var out *kanban.ProjectDocument
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+documentColumns+` FROM project_documents WHERE project_id = ? AND type = ?`,
			projectID, docType)
		d, err := scanDocument(row)
		now := kanban.Now()
		if errors.Is(err, sql.ErrNoRows) {
			d = &kanban.ProjectDocument{
				ID:        kanban.NewID(),
				ProjectID: projectID,
				Type:      docType,
				Title:     title,
				Content:   content,
				CreatedAt: now,
				UpdatedAt: now,
			}
			_, err = tx.Exec(`
				INSERT INTO project_documents (id, project_id, type, title, content, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, d.ID, d.ProjectID, d.Type, d.Title, d.Content, toMillis(now), toMillis(now))
			if err != nil {
				return fmt.Errorf("failed to create %s document: %w", docType, err)
			}
			out = d
			return nil
		}
		if err != nil {
			return err
		}
		d.Content = content
		d.UpdatedAt = now
		_, err = tx.Exec(`UPDATE project_documents SET content = ?, updated_at = ? WHERE id = ?`,
			d.Content, toMillis(now), d.ID)
		if err != nil {
			return fmt.Errorf("failed to replace %s document: %w", docType, err)
		}
		out = d
		return nil
	})
	return out, err
}

// --- Decisions ---

// CreateDecision validates and inserts a decision record.
func (s *Store) CreateDecision(d *kanban.Decision) error {
	if strings.TrimSpace(d.Title) == "" {
		return kanban.Validationf("decision title is required")
	}
	if _, err := s.GetProject(d.ProjectID); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = kanban.NewID()
	}
	d.CreatedAt = kanban.Now()

	_, err := s.db.exec(`
		INSERT INTO decisions (id, project_id, title, description, alternatives, reasoning, tradeoffs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.Title, nullString(d.Description), marshalStrings(d.Alternatives),
		nullString(d.Reasoning), nullString(d.Tradeoffs), toMillis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create decision: %w", err)
	}
	return nil
}

const decisionColumns = `id, project_id, title, description, alternatives, reasoning, tradeoffs, created_at, revised_at`

func scanDecision(row interface{ Scan(...any) error }) (*kanban.Decision, error) {
	var (
		d            kanban.Decision
		description  sql.NullString
		alternatives sql.NullString
		reasoning    sql.NullString
		tradeoffs    sql.NullString
		createdAt    int64
		revisedAt    sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.Title, &description, &alternatives,
		&reasoning, &tradeoffs, &createdAt, &revisedAt)
	if err != nil {
		return nil, err
	}
	d.Description = description.String
	d.Alternatives = unmarshalStrings(alternatives)
	d.Reasoning = reasoning.String
	d.Tradeoffs = tradeoffs.String
	d.CreatedAt = fromMillis(createdAt)
	d.RevisedAt = fromNullMillis(revisedAt)
	return &d, nil
}

// GetDecision returns the decision or a NotFound error.
func (s *Store) GetDecision(id string) (*kanban.Decision, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.NotFoundf("decision %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns a project's decisions, newest first.
func (s *Store) ListDecisions(projectID string) ([]kanban.Decision, error) {
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []kanban.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// DecisionUpdate is a partial decision revision.
type DecisionUpdate struct {
	Title        *string
	Description  *string
	Alternatives *[]string
	Reasoning    *string
	Tradeoffs    *string
}

// ReviseDecision applies a revision and stamps revisedAt.
func (s *Store) ReviseDecision(id string, upd DecisionUpdate) (*kanban.Decision, error) {
	var out *kanban.Decision
	err := s.db.transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
		d, err := scanDecision(row)
		if errors.Is(err, sql.ErrNoRows) {
			return kanban.NotFoundf("decision %s", id)
		}
		if err != nil {
			return err
		}
		if upd.Title != nil {
			d.Title = *upd.Title
		}
		if upd.Description != nil {
			d.Description = *upd.Description
		}
		if upd.Alternatives != nil {
			d.Alternatives = *upd.Alternatives
		}
		if upd.Reasoning != nil {
			d.Reasoning = *upd.Reasoning
		}
		if upd.Tradeoffs != nil {
			d.Tradeoffs = *upd.Tradeoffs
		}
		now := kanban.Now()
		d.RevisedAt = &now
		_, err = tx.Exec(`
			UPDATE decisions SET title = ?, description = ?, alternatives = ?,
				reasoning = ?, tradeoffs = ?, revised_at = ?
			WHERE id = ?
		`, d.Title, nullString(d.Description), marshalStrings(d.Alternatives),
			nullString(d.Reasoning), nullString(d.Tradeoffs), toMillis(now), id)
		if err != nil {
			return fmt.Errorf("failed to revise decision: %w", err)
		}
		out = d
		return nil
	})
	return out, err
}

// --- Steering corrections ---

// CreateCorrection validates and inserts a steering correction.
func (s *Store) CreateCorrection(c *kanban.SteeringCorrection) error {
	if strings.TrimSpace(c.Correction) == "" {
		return kanban.Validationf("correction text is required")
	}
	if !kanban.ValidCorrectionDomain(c.Domain) {
		return kanban.Validationf("unknown correction domain %q", c.Domain)
	}
	if !kanban.ValidCorrectionSource(c.Source) {
		return kanban.Validationf("unknown correction source %q", c.Source)
	}
	if c.ProjectID != "" {
		if _, err := s.GetProject(c.ProjectID); err != nil {
			return err
		}
	}
	if c.ID == "" {
		c.ID = kanban.NewID()
	}
	c.CreatedAt = kanban.Now()

	_, err := s.db.exec(`
		INSERT INTO steering_corrections (id, correction, domain, source, context, project_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Correction, c.Domain, c.Source, nullString(c.Context),
		nullString(c.ProjectID), boolToInt(c.Active), toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create correction: %w", err)
	}
	return nil
}

const correctionColumns = `id, correction, domain, source, context, project_id, active, created_at`

func scanCorrection(row interface{ Scan(...any) error }) (*kanban.SteeringCorrection, error) {
	var (
		c         kanban.SteeringCorrection
		context   sql.NullString
		projectID sql.NullString
		active    int
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.Correction, &c.Domain, &c.Source, &context, &projectID, &active, &createdAt); err != nil {
		return nil, err
	}
	c.Context = context.String
	c.ProjectID = projectID.String
	c.Active = active != 0
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// ListCorrections returns the corrections an agent run for projectID must
// honour: project-scoped ones plus globals. activeOnly narrows to active.
func (s *Store) ListCorrections(projectID string, activeOnly bool) ([]kanban.SteeringCorrection, error) {
	query := `SELECT ` + correctionColumns + ` FROM steering_corrections WHERE (project_id IS NULL OR project_id = ?)`
	args := []any{projectID}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var corrections []kanban.SteeringCorrection
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, *c)
	}
	return corrections, rows.Err()
}

// SetCorrectionActive toggles a correction.
func (s *Store) SetCorrectionActive(id string, active bool) error {
	res, err := s.db.exec(`UPDATE steering_corrections SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to toggle correction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kanban.NotFoundf("correction %s", id)
	}
	return nil
}

// DeleteCorrection removes a correction.
func (s *Store) DeleteCorrection(id string) error {
	res, err := s.db.exec(`DELETE FROM steering_corrections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete correction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kanban.NotFoundf("correction %s", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bumpMillis returns now in store precision, strictly after prev so an
// optimistic-lock timestamp always moves forward.
func bumpMillis(prev time.Time) time.Time {
	now := kanban.Now()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}
