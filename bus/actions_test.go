package bus

import (
	"testing"
	"time"

	"github.com/arctek/awc/kanban"
)

type fakeStore struct {
	cards       []*kanban.KanbanCard
	moves       []string
	decisions   []*kanban.Decision
	assumptions []string
	state       string
}

func (f *fakeStore) CreateCard(c *kanban.KanbanCard) error {
	if c.Title == "" {
		return kanban.Validationf("cards need a title")
	}
	f.cards = append(f.cards, c)
	return nil
}

func (f *fakeStore) MoveCard(id string, column kanban.Column, _ *time.Time) (*kanban.KanbanCard, error) {
	if id == "" {
		return nil, kanban.NotFoundf("card %q", id)
	}
	f.moves = append(f.moves, id+"→"+string(column))
	return &kanban.KanbanCard{ID: id, Column: column}, nil
}

func (f *fakeStore) CreateDecision(d *kanban.Decision) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeStore) AppendSingleton(projectID string, docType kanban.DocumentType, title, fragment string) (*kanban.ProjectDocument, error) {
	f.assumptions = append(f.assumptions, fragment)
	return &kanban.ProjectDocument{ProjectID: projectID, Type: docType, Title: title}, nil
}

func (f *fakeStore) SetSingleton(projectID string, docType kanban.DocumentType, title, content string) (*kanban.ProjectDocument, error) {
	f.state = content
	return &kanban.ProjectDocument{ProjectID: projectID, Type: docType, Title: title, Content: content}, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeStore, <-chan Event) {
	t.Helper()
	store := &fakeStore{}
	hub := NewHub(testLogger(), nil)
	t.Cleanup(hub.Close)
	_, ch := hub.Subscribe(16)
	return NewRouter(store, store, store, hub, testLogger()), store, ch
}

func TestApplyCreateCard(t *testing.T) {
	r, store, ch := newTestRouter(t)

	text := "Let me add that.\n\n:::action\n" +
		`{"action":"create_card","title":"Wire retry loop","description":"use backoff"}` +
		"\n:::\n\nDone."
	if n := r.Apply(text, "p1"); n != 1 {
		t.Fatalf("applied %d, want 1", n)
	}
	if len(store.cards) != 1 {
		t.Fatal("card not created")
	}
	card := store.cards[0]
	if card.ProjectID != "p1" || card.Column != kanban.ColumnBacklog || card.Title != "Wire retry loop" {
		t.Errorf("card = %+v", card)
	}

	ev := recv(t, ch)
	if ev.Type != EventWorkspaceAction || ev.Data["action"] != "create_card" {
		t.Errorf("event = %+v", ev)
	}
}

func TestApplyMultipleBlocks(t *testing.T) {
	r, store, _ := newTestRouter(t)

	text := ":::action\n" +
		`{"action":"move_card","cardId":"c9","column":"done"}` +
		"\n:::\nmiddle text\n:::action\n" +
		`{"action":"log_decision","title":"Use SQLite","reasoning":"single file"}` +
		"\n:::\n"
	if n := r.Apply(text, "p1"); n != 2 {
		t.Fatalf("applied %d, want 2", n)
	}
	if len(store.moves) != 1 || store.moves[0] != "c9→done" {
		t.Errorf("moves = %v", store.moves)
	}
	if len(store.decisions) != 1 || store.decisions[0].Title != "Use SQLite" {
		t.Errorf("decisions = %+v", store.decisions)
	}
}

func TestApplySingletonDocuments(t *testing.T) {
	r, store, _ := newTestRouter(t)

	text := ":::action\n" +
		`{"action":"add_assumption","content":"API is idempotent"}` +
		"\n:::\n:::action\n" +
		`{"action":"update_state","content":"auth layer done"}` +
		"\n:::\n"
	if n := r.Apply(text, "p1"); n != 2 {
		t.Fatalf("applied %d, want 2", n)
	}
	if len(store.assumptions) != 1 || store.assumptions[0] != "API is idempotent" {
		t.Errorf("assumptions = %v", store.assumptions)
	}
	if store.state != "auth layer done" {
		t.Errorf("state = %q", store.state)
	}
}

func TestApplySkipsMalformedAndUnknown(t *testing.T) {
	r, store, _ := newTestRouter(t)

	text := ":::action\nnot json at all\n:::\n" +
		":::action\n" + `{"action":"explode_card","cardId":"c1"}` + "\n:::\n" +
		":::action\n" + `{"action":"move_card","cardId":"c1","column":"sideways"}` + "\n:::\n" +
		"plain text without blocks"
	if n := r.Apply(text, "p1"); n != 0 {
		t.Errorf("applied %d, want 0", n)
	}
	if len(store.cards)+len(store.moves)+len(store.decisions) != 0 {
		t.Error("skipped blocks still wrote to the store")
	}
}

func TestApplyKeepsExplicitProjectScope(t *testing.T) {
	r, store, _ := newTestRouter(t)

	text := ":::action\n" +
		`{"action":"create_card","projectId":"other","title":"Cross-project card","description":"x"}` +
		"\n:::\n"
	if n := r.Apply(text, "p1"); n != 1 {
		t.Fatalf("applied %d, want 1", n)
	}
	if store.cards[0].ProjectID != "other" {
		t.Errorf("projectId = %q, want explicit scope kept", store.cards[0].ProjectID)
	}
}
