// Package kanban defines the domain model for the autonomous work core:
// projects, cards, documents, decisions, corrections, conversations,
// campaigns, and the audit trail that records everything the core does.
package kanban

import (
	"time"

	"github.com/google/uuid"
)

// Column is the board column a card sits in.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
)

// ValidColumn reports whether c is one of the three board columns.
func ValidColumn(c Column) bool {
	switch c {
	case ColumnBacklog, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of the agent claim on a card.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentIdle, AgentRunning, AgentBlocked, AgentCompleted, AgentFailed:
		return true
	}
	return false
}

// VerificationStatus records how far a card's change made it through the gates.
type VerificationStatus string

const (
	VerifyUnverified     VerificationStatus = "unverified"
	VerifyBranchVerified VerificationStatus = "branch_verified"
	VerifyBranchFailed   VerificationStatus = "branch_failed"
	VerifyMergeVerified  VerificationStatus = "merge_verified"
	VerifyMergeFailed    VerificationStatus = "merge_failed"
)

// ValidVerificationStatus reports whether s is a known verification status.
func ValidVerificationStatus(s VerificationStatus) bool {
	switch s {
	case VerifyUnverified, VerifyBranchVerified, VerifyBranchFailed,
		VerifyMergeVerified, VerifyMergeFailed:
		return true
	}
	return false
}

// ProjectStatus is the soft lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
	ProjectPaused   ProjectStatus = "paused"
)

// ValidProjectStatus reports whether s is a known project status.
func ValidProjectStatus(s ProjectStatus) bool {
	switch s {
	case ProjectActive, ProjectArchived, ProjectPaused:
		return true
	}
	return false
}

// DocumentType classifies a project document. The assumptions and state
// types are system-managed and unique per project; the rest may repeat.
type DocumentType string

const (
	DocBrief        DocumentType = "brief"
	DocInstructions DocumentType = "instructions"
	DocReference    DocumentType = "reference"
	DocDecisions    DocumentType = "decisions"
	DocAssumptions  DocumentType = "assumptions"
	DocState        DocumentType = "state"
)

// ValidDocumentType reports whether t is a known document type.
func ValidDocumentType(t DocumentType) bool {
	switch t {
	case DocBrief, DocInstructions, DocReference, DocDecisions, DocAssumptions, DocState:
		return true
	}
	return false
}

// SingletonDocumentType reports whether at most one document of type t may
// exist per project.
func SingletonDocumentType(t DocumentType) bool {
	return t == DocAssumptions || t == DocState
}

// CorrectionDomain is the aspect of agent behaviour a steering correction targets.
type CorrectionDomain string

const (
	CorrectionCodePattern   CorrectionDomain = "code-pattern"
	CorrectionCommunication CorrectionDomain = "communication"
	CorrectionArchitecture  CorrectionDomain = "architecture"
	CorrectionPreference    CorrectionDomain = "preference"
	CorrectionStyle         CorrectionDomain = "style"
	CorrectionProcess       CorrectionDomain = "process"
)

// ValidCorrectionDomain reports whether d is a known correction domain.
func ValidCorrectionDomain(d CorrectionDomain) bool {
	switch d {
	case CorrectionCodePattern, CorrectionCommunication, CorrectionArchitecture,
		CorrectionPreference, CorrectionStyle, CorrectionProcess:
		return true
	}
	return false
}

// CorrectionSource records how a steering correction was captured.
type CorrectionSource string

const (
	SourceExplicit      CorrectionSource = "explicit"
	SourcePRRejection   CorrectionSource = "pr-rejection"
	SourceEditDelta     CorrectionSource = "edit-delta"
	SourceAgentFeedback CorrectionSource = "agent-feedback"
)

// ValidCorrectionSource reports whether s is a known correction source.
func ValidCorrectionSource(s CorrectionSource) bool {
	switch s {
	case SourceExplicit, SourcePRRejection, SourceEditDelta, SourceAgentFeedback:
		return true
	}
	return false
}

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// LabelInteractive marks a card that needs a human in the loop; the builder
// skips it when the skip-interactive toggle is on.
const LabelInteractive = "agent:interactive"

// Project scopes cards, documents, decisions, messages and campaigns.
type Project struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description,omitempty"`
	Status              ProjectStatus `json:"status"`
	Color               string        `json:"color,omitempty"`
	AgentTimeoutMinutes int           `json:"agentTimeoutMinutes,omitempty"`
	MaxConcurrentAgents int           `json:"maxConcurrentAgents,omitempty"`
	RepoPath            string        `json:"repoPath,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// ProjectDocument is a human- or system-authored document owned by a project.
type ProjectDocument struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Type      DocumentType `json:"type"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// KanbanCard is the unit of work. An active agent's claim on a card is
// represented by AgentStatus=running, never by a separate table.
type KanbanCard struct {
	ID                string             `json:"id"`
	ProjectID         string             `json:"projectId"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Column            Column             `json:"column"`
	Labels            []string           `json:"labels,omitempty"`
	DueDate           *time.Time         `json:"dueDate,omitempty"`
	LinkedDecisionIDs []string           `json:"linkedDecisionIds,omitempty"`
	LinkedMessageIDs  []string           `json:"linkedMessageIds,omitempty"`
	Position          int                `json:"position"`
	Priority          int32              `json:"priority"`
	ContextSnapshot   string             `json:"contextSnapshot,omitempty"`
	LastSessionID     string             `json:"lastSessionId,omitempty"`
	AssignedAgent     string             `json:"assignedAgent,omitempty"`
	AgentStatus       AgentStatus        `json:"agentStatus,omitempty"`
	BlockedReason     string             `json:"blockedReason,omitempty"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	Verification      VerificationStatus `json:"verificationStatus,omitempty"`
	BranchName        string             `json:"branchName,omitempty"`
	CampaignID        string             `json:"campaignId,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// HasLabel reports whether the card carries the given label.
func (c *KanbanCard) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Decision is an append-mostly architectural decision record.
type Decision struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Alternatives []string   `json:"alternatives,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	Tradeoffs    string     `json:"tradeoffs,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	RevisedAt    *time.Time `json:"revisedAt,omitempty"`
}

// SteeringCorrection is a persistent instruction agents must honour.
// Global when ProjectID is empty, otherwise project-scoped.
type SteeringCorrection struct {
	ID         string           `json:"id"`
	Correction string           `json:"correction"`
	Domain     CorrectionDomain `json:"domain"`
	Source     CorrectionSource `json:"source"`
	Context    string           `json:"context,omitempty"`
	ProjectID  string           `json:"projectId,omitempty"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Message is a single chat message, optionally tied to a conversation and project.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId,omitempty"`
	ProjectID      string      `json:"projectId,omitempty"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Metadata       string      `json:"metadata,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Conversation groups messages under a session and tracks context spend.
type Conversation struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Status       string    `json:"status"`
	ContextUsage int       `json:"contextUsage"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Campaign names a themed batch of cards and pins a metrics baseline.
type Campaign struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"projectId"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status"`
	Baseline    *CodebaseMetrics `json:"baseline,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// CodebaseMetrics is a point-in-time quality snapshot of a working tree.
type CodebaseMetrics struct {
	LintWarnings int       `json:"lintWarnings"`
	LintErrors   int       `json:"lintErrors"`
	AnyEscapes   int       `json:"anyEscapes"`
	TestFiles    int       `json:"testFiles"`
	SourceFiles  int       `json:"sourceFiles"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// Delta returns current minus the receiver, field by field.
func (m CodebaseMetrics) Delta(current CodebaseMetrics) MetricsDelta {
	return MetricsDelta{
		LintWarnings: current.LintWarnings - m.LintWarnings,
		LintErrors:   current.LintErrors - m.LintErrors,
		AnyEscapes:   current.AnyEscapes - m.AnyEscapes,
		TestFiles:    current.TestFiles - m.TestFiles,
		SourceFiles:  current.SourceFiles - m.SourceFiles,
	}
}

// MetricsDelta is the signed difference between two metric snapshots.
type MetricsDelta struct {
	LintWarnings int `json:"lintWarnings"`
	LintErrors   int `json:"lintErrors"`
	AnyEscapes   int `json:"anyEscapes"`
	TestFiles    int `json:"testFiles"`
	SourceFiles  int `json:"sourceFiles"`
}

// CampaignReport compares a campaign's baseline against a fresh snapshot.
type CampaignReport struct {
	CampaignID  string          `json:"campaignId"`
	Baseline    CodebaseMetrics `json:"baseline"`
	Current     CodebaseMetrics `json:"current"`
	Delta       MetricsDelta    `json:"delta"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// GateName identifies which verification pass produced a result.
type GateName string

const (
	GateBranch GateName = "branch"
	GateMerge  GateName = "merge"
)

// VerificationResult is the outcome of the static checks on a worktree.
// It is transient: persisted only through the audit log and the card fields.
type VerificationResult struct {
	CardID       string    `json:"cardId"`
	Gate         GateName  `json:"gate"`
	Passed       bool      `json:"passed"`
	TSCOutput    string    `json:"tscOutput,omitempty"`
	LintOutput   string    `json:"lintOutput,omitempty"`
	TestOutput   string    `json:"testOutput,omitempty"`
	TSCTimedOut  bool      `json:"tscTimedOut"`
	LintTimedOut bool      `json:"lintTimedOut"`
	TestTimedOut bool      `json:"testTimedOut"`
	BranchName   string    `json:"branchName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AuditEntry is an append-only record of a semantically meaningful event.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenUsage records the token spend of one agent or chat interaction.
type TokenUsage struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ModelUsage aggregates token spend for one model.
type ModelUsage struct {
	Model        string  `json:"model"`
	Runs         int     `json:"runs"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// UsageReport is the token and cost rollup served by the usage endpoint.
type UsageReport struct {
	InputTokens  int          `json:"inputTokens"`
	OutputTokens int          `json:"outputTokens"`
	CostUSD      float64      `json:"costUsd"`
	ByModel      []ModelUsage `json:"byModel,omitempty"`
}

// Board is a project's cards grouped by column, with per-column counts.
type Board struct {
	ProjectID  string         `json:"projectId"`
	Backlog    []KanbanCard   `json:"backlog"`
	InProgress []KanbanCard   `json:"inProgress"`
	Done       []KanbanCard   `json:"done"`
	Stats      map[Column]int `json:"stats"`
}

// SearchHit is one row of the merged full-text search result.
type SearchHit struct {
	SourceType string  `json:"sourceType"` // card, document, decision
	ID         string  `json:"id"`
	ProjectID  string  `json:"projectId"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet,omitempty"`
	Rank       float64 `json:"rank"`
}

// NewID returns a fresh opaque 128-bit identifier.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current UTC time truncated to millisecond precision,
// the resolution every persisted timestamp carries.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
