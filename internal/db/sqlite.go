// Package db implements the persistence core on embedded SQLite: the entity
// tables, full-text indices kept in sync by triggers, the append-only audit
// log, and the human-readable daily memory files.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection pool for the single on-disk store.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the store at dbPath, applies connection pragmas, and
// brings the schema up to date. Safe to call on an existing store: schema
// work is idempotent, keyed on table and column existence.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{DB: db, path: dbPath}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// dsn builds the connection string. Pragmas ride the DSN so every pooled
// connection gets them, not just the first.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.DB.Close()
}

// Path returns the on-disk location of the store.
func (d *DB) Path() string {
	return d.path
}

// migrate creates missing tables and indices, then adds any columns that
// older stores lack. Forward-only; replaying on a current store is a no-op.
func (d *DB) migrate() error {
	if _, err := d.Exec(baseSchema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}

	for _, m := range columnMigrations {
		ok, err := d.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := d.Exec(m.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}

	if _, err := d.Exec(ftsSchema); err != nil {
		return fmt.Errorf("fts schema: %w", err)
	}

	return nil
}

// hasColumn checks PRAGMA table_info for the named column.
func (d *DB) hasColumn(table, column string) (bool, error) {
	rows, err := d.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

const baseSchema = `
-- Projects scope everything else.
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Documents owned by a project; cascade on project delete.
CREATE TABLE IF NOT EXISTS project_documents (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_documents_project ON project_documents(project_id);

-- The assumptions and state documents are one-per-project.
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_singleton
    ON project_documents(project_id, type)
    WHERE type IN ('assumptions', 'state');

-- The work units.
CREATE TABLE IF NOT EXISTS kanban_cards (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    board_column TEXT NOT NULL DEFAULT 'backlog',
    labels TEXT,
    due_date INTEGER,
    linked_decision_ids TEXT,
    linked_message_ids TEXT,
    position INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    assigned_agent TEXT,
    agent_status TEXT,
    blocked_reason TEXT,
    started_at INTEGER,
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cards_project_column ON kanban_cards(project_id, board_column);
CREATE INDEX IF NOT EXISTS idx_cards_agent_status ON kanban_cards(agent_status);

-- Architectural decision records.
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    alternatives TEXT,
    reasoning TEXT,
    tradeoffs TEXT,
    created_at INTEGER NOT NULL,
    revised_at INTEGER,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id);

-- Steering corrections; project_id NULL means global.
CREATE TABLE IF NOT EXISTS steering_corrections (
    id TEXT PRIMARY KEY,
    correction TEXT NOT NULL,
    domain TEXT NOT NULL,
    source TEXT NOT NULL,
    project_id TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_project ON steering_corrections(project_id);
CREATE INDEX IF NOT EXISTS idx_corrections_active ON steering_corrections(active);

-- Chat conversations and their messages.
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    project_id TEXT,
    session_id TEXT,
    status TEXT NOT NULL DEFAULT 'open',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT,
    project_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id);

-- Campaigns pin a metrics baseline for a themed batch of cards.
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    baseline TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Append-only audit trail; rowid preserves insertion order.
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    details TEXT,
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

-- Token spend per agent or chat interaction.
CREATE TABLE IF NOT EXISTS token_usage (
    id TEXT PRIMARY KEY,
    project_id TEXT,
    session_id TEXT,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_project ON token_usage(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_created ON token_usage(created_at);
`

// columnMigrations add columns that earlier store layouts lacked. Each entry
// is applied only when PRAGMA table_info shows the column missing, so the
// list replays cleanly.
var columnMigrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"projects", "color", `ALTER TABLE projects ADD COLUMN color TEXT`},
	{"projects", "agent_timeout_minutes", `ALTER TABLE projects ADD COLUMN agent_timeout_minutes INTEGER`},
	{"projects", "max_concurrent_agents", `ALTER TABLE projects ADD COLUMN max_concurrent_agents INTEGER`},
	{"projects", "repo_path", `ALTER TABLE projects ADD COLUMN repo_path TEXT`},
	{"kanban_cards", "context_snapshot", `ALTER TABLE kanban_cards ADD COLUMN context_snapshot TEXT`},
	{"kanban_cards", "last_session_id", `ALTER TABLE kanban_cards ADD COLUMN last_session_id TEXT`},
	{"kanban_cards", "verification_status", `ALTER TABLE kanban_cards ADD COLUMN verification_status TEXT`},
	{"kanban_cards", "branch_name", `ALTER TABLE kanban_cards ADD COLUMN branch_name TEXT`},
	{"kanban_cards", "campaign_id", `ALTER TABLE kanban_cards ADD COLUMN campaign_id TEXT`},
	{"steering_corrections", "context", `ALTER TABLE steering_corrections ADD COLUMN context TEXT`},
	{"conversations", "context_usage", `ALTER TABLE conversations ADD COLUMN context_usage INTEGER NOT NULL DEFAULT 0`},
	{"conversations", "summary", `ALTER TABLE conversations ADD COLUMN summary TEXT`},
	{"token_usage", "cost_usd", `ALTER TABLE token_usage ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0`},
}

// ftsSchema declares the three full-text indices and the triggers that keep
// them in sync with their base tables.
const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS kanban_cards_fts USING fts5(
    id, title, description,
    content='kanban_cards',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS kanban_cards_ai AFTER INSERT ON kanban_cards BEGIN
    INSERT INTO kanban_cards_fts(rowid, id, title, description)
    VALUES (new.rowid, new.id, new.title, new.description);
END;

CREATE TRIGGER IF NOT EXISTS kanban_cards_ad AFTER DELETE ON kanban_cards BEGIN
    INSERT INTO kanban_cards_fts(kanban_cards_fts, rowid, id, title, description)
    VALUES ('delete', old.rowid, old.id, old.title, old.description);
END;

CREATE TRIGGER IF NOT EXISTS kanban_cards_au AFTER UPDATE ON kanban_cards BEGIN
    INSERT INTO kanban_cards_fts(kanban_cards_fts, rowid, id, title, description)
    VALUES ('delete', old.rowid, old.id, old.title, old.description);
    INSERT INTO kanban_cards_fts(rowid, id, title, description)
    VALUES (new.rowid, new.id, new.title, new.description);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS project_documents_fts USING fts5(
    id, title, content,
    content='project_documents',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS project_documents_ai AFTER INSERT ON project_documents BEGIN
    INSERT INTO project_documents_fts(rowid, id, title, content)
    VALUES (new.rowid, new.id, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS project_documents_ad AFTER DELETE ON project_documents BEGIN
    INSERT INTO project_documents_fts(project_documents_fts, rowid, id, title, content)
    VALUES ('delete', old.rowid, old.id, old.title, old.content);
END;

CREATE TRIGGER IF NOT EXISTS project_documents_au AFTER UPDATE ON project_documents BEGIN
    INSERT INTO project_documents_fts(project_documents_fts, rowid, id, title, content)
    VALUES ('delete', old.rowid, old.id, old.title, old.content);
    INSERT INTO project_documents_fts(rowid, id, title, content)
    VALUES (new.rowid, new.id, new.title, new.content);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS decisions_fts USING fts5(
    id, title, description, reasoning, tradeoffs,
    content='decisions',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS decisions_ai AFTER INSERT ON decisions BEGIN
    INSERT INTO decisions_fts(rowid, id, title, description, reasoning, tradeoffs)
    VALUES (new.rowid, new.id, new.title, new.description, new.reasoning, new.tradeoffs);
END;

CREATE TRIGGER IF NOT EXISTS decisions_ad AFTER DELETE ON decisions BEGIN
    INSERT INTO decisions_fts(decisions_fts, rowid, id, title, description, reasoning, tradeoffs)
    VALUES ('delete', old.rowid, old.id, old.title, old.description, old.reasoning, old.tradeoffs);
END;

CREATE TRIGGER IF NOT EXISTS decisions_au AFTER UPDATE ON decisions BEGIN
    INSERT INTO decisions_fts(decisions_fts, rowid, id, title, description, reasoning, tradeoffs)
    VALUES ('delete', old.rowid, old.id, old.title, old.description, old.reasoning, old.tradeoffs);
    INSERT INTO decisions_fts(rowid, id, title, description, reasoning, tradeoffs)
    VALUES (new.rowid, new.id, new.title, new.description, new.reasoning, new.tradeoffs);
END;
`

// --- Timestamp codec ---
//
// Every persisted timestamp is integer milliseconds since the Unix epoch,
// the precision the optimistic-lock comparison relies on.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
