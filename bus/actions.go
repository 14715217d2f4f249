package bus

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/arctek/awc/kanban"
)

// actionBlockRe matches the delimited action blocks assistants embed in
// chat text. The payload between the fences is one JSON object.
var actionBlockRe = regexp.MustCompile(`(?s):::action\s*\n(.*?)\n:::`)

// workspaceAction is the decoded payload of one action block.
type workspaceAction struct {
	Action      string `json:"action"`
	ProjectID   string `json:"projectId"`
	CardID      string `json:"cardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Column      string `json:"column"`
	Content     string `json:"content"`
	Reasoning   string `json:"reasoning"`
}

// CardWriter is the card surface actions write through.
type CardWriter interface {
	CreateCard(c *kanban.KanbanCard) error
	MoveCard(id string, column kanban.Column, ifUpdatedAt *time.Time) (*kanban.KanbanCard, error)
}

// DocumentWriter is the project-document surface actions write through.
type DocumentWriter interface {
	AppendSingleton(projectID string, docType kanban.DocumentType, title, fragment string) (*kanban.ProjectDocument, error)
	SetSingleton(projectID string, docType kanban.DocumentType, title, content string) (*kanban.ProjectDocument, error)
}

// DecisionWriter records decisions raised from chat.
type DecisionWriter interface {
	CreateDecision(d *kanban.Decision) error
}

// Router extracts workspace-action blocks from assistant text and applies
// them. Malformed or unknown blocks are skipped without an error; an applied
// action surfaces as a workspace.action event.
type Router struct {
	cards     CardWriter
	documents DocumentWriter
	decisions DecisionWriter
	hub       *Hub
	logger    *slog.Logger
}

// NewRouter wires an action router.
func NewRouter(cards CardWriter, documents DocumentWriter, decisions DecisionWriter, hub *Hub, logger *slog.Logger) *Router {
	return &Router{cards: cards, documents: documents, decisions: decisions, hub: hub, logger: logger}
}

// Apply parses every action block in text and executes the valid ones,
// returning how many were applied. projectID is the fallback scope for
// blocks that omit their own.
func (r *Router) Apply(text, projectID string) int {
	applied := 0
	for _, m := range actionBlockRe.FindAllStringSubmatch(text, -1) {
		var act workspaceAction
		if err := json.Unmarshal([]byte(m[1]), &act); err != nil {
			r.logger.Debug("Skipping malformed action block", "error", err)
			continue
		}
		if act.ProjectID == "" {
			act.ProjectID = projectID
		}
		if err := r.apply(act); err != nil {
			r.logger.Debug("Skipping action", "action", act.Action, "error", err)
			continue
		}
		applied++
		r.hub.Publish(Event{
			Type:      EventWorkspaceAction,
			ProjectID: act.ProjectID,
			CardID:    act.CardID,
			Data:      map[string]any{"action": act.Action, "title": act.Title},
		})
	}
	return applied
}

func (r *Router) apply(act workspaceAction) error {
	switch act.Action {
	case "create_card":
		card := &kanban.KanbanCard{
			ProjectID:   act.ProjectID,
			Title:       act.Title,
			Description: act.Description,
			Column:      kanban.ColumnBacklog,
		}
		return r.cards.CreateCard(card)

	case "move_card":
		col := kanban.Column(act.Column)
		if !kanban.ValidColumn(col) {
			return kanban.Validationf("unknown column %q", act.Column)
		}
		_, err := r.cards.MoveCard(act.CardID, col, nil)
		return err

	case "log_decision":
		return r.decisions.CreateDecision(&kanban.Decision{
			ProjectID:   act.ProjectID,
			Title:       act.Title,
			Description: act.Description,
			Reasoning:   act.Reasoning,
		})

	case "add_assumption":
		if strings.TrimSpace(act.Content) == "" {
			return kanban.Validationf("assumption needs content")
		}
		_, err := r.documents.AppendSingleton(act.ProjectID, kanban.DocAssumptions, "Assumptions", act.Content)
		return err

	case "update_state":
		if strings.TrimSpace(act.Content) == "" {
			return kanban.Validationf("state update needs content")
		}
		_, err := r.documents.SetSingleton(act.ProjectID, kanban.DocState, "Current State", act.Content)
		return err

	default:
		return kanban.Validationf("unknown action %q", act.Action)
	}
}
