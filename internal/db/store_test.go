package db

import (
	"strings"
	"testing"

	"github.com/arctek/awc/kanban"
)

func TestProjectLifecycle(t *testing.T) {
	s := setupStore(t)

	p := &kanban.Project{Name: "awc", Description: "the workbench", RepoPath: "/tmp/repo"}
	if err := s.CreateProject(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("create should assign an id")
	}
	if p.Status != kanban.ProjectActive {
		t.Errorf("status = %s, want active", p.Status)
	}

	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "awc" || got.RepoPath != "/tmp/repo" {
		t.Errorf("round trip lost fields: %+v", got)
	}

	paused := kanban.ProjectPaused
	timeout := 15
	updated, err := s.UpdateProject(p.ID, ProjectUpdate{Status: &paused, AgentTimeoutMinutes: &timeout})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != kanban.ProjectPaused || updated.AgentTimeoutMinutes != 15 {
		t.Errorf("update not applied: %+v", updated)
	}
	if !updated.UpdatedAt.After(p.CreatedAt) && !updated.UpdatedAt.Equal(p.CreatedAt) {
		t.Errorf("updatedAt went backwards")
	}

	projects, err := s.ListProjects(kanban.ProjectPaused)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != p.ID {
		t.Errorf("list by status returned %d projects", len(projects))
	}
}

func TestProjectValidation(t *testing.T) {
	s := setupStore(t)

	err := s.CreateProject(&kanban.Project{Name: "  "})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("blank name: expected validation, got %v", err)
	}

	err = s.CreateProject(&kanban.Project{Name: "x", Status: "dormant"})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("bad status: expected validation, got %v", err)
	}

	_, err = s.GetProject("missing")
	if !kanban.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDocumentSingletonTypes(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "docs")

	first := &kanban.ProjectDocument{ProjectID: p.ID, Type: kanban.DocAssumptions, Title: "Assumptions"}
	if err := s.CreateDocument(first); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &kanban.ProjectDocument{ProjectID: p.ID, Type: kanban.DocAssumptions, Title: "Assumptions again"}
	err := s.CreateDocument(dup)
	if !kanban.IsConflict(err) {
		t.Fatalf("duplicate assumptions doc: expected conflict, got %v", err)
	}

	// Non-singleton types may repeat.
	for i := 0; i < 2; i++ {
		doc := &kanban.ProjectDocument{ProjectID: p.ID, Type: kanban.DocReference, Title: "Ref"}
		if err := s.CreateDocument(doc); err != nil {
			t.Fatalf("reference doc %d: %v", i, err)
		}
	}
}

func TestAppendSingletonAccumulates(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "assumptions")

	d1, err := s.AppendSingleton(p.ID, kanban.DocAssumptions, "Assumptions", "- users are in UTC")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	d2, err := s.AppendSingleton(p.ID, kanban.DocAssumptions, "Assumptions", "- store fits in memory")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if d1.ID != d2.ID {
		t.Errorf("append created a second singleton: %s vs %s", d1.ID, d2.ID)
	}
	want := "- users are in UTC\n- store fits in memory"
	if d2.Content != want {
		t.Errorf("content = %q, want %q", d2.Content, want)
	}

	docs, err := s.ListDocuments(p.ID, kanban.DocAssumptions)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("expected exactly one assumptions doc, got %d", len(docs))
	}
}

func TestSetSingletonReplaces(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "state")

	if _, err := s.SetSingleton(p.ID, kanban.DocState, "State", "phase: design"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	d, err := s.SetSingleton(p.ID, kanban.DocState, "State", "phase: build")
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if d.Content != "phase: build" {
		t.Errorf("content = %q, want replacement", d.Content)
	}

	_, err = s.AppendSingleton(p.ID, kanban.DocBrief, "Brief", "x")
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("brief is not a singleton: expected validation, got %v", err)
	}
}

func TestDecisionRevision(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "decisions")

	d := &kanban.Decision{
		ProjectID:    p.ID,
		Title:        "Use embedded store",
		Alternatives: []string{"hosted postgres", "flat files"},
		Reasoning:    "single-node, zero ops",
	}
	if err := s.CreateDecision(d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.RevisedAt != nil {
		t.Error("fresh decision should not be revised")
	}

	reasoning := "single-node, zero ops, WAL handles readers"
	revised, err := s.ReviseDecision(d.ID, DecisionUpdate{Reasoning: &reasoning})
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.RevisedAt == nil {
		t.Error("revision should stamp revisedAt")
	}
	if len(revised.Alternatives) != 2 {
		t.Errorf("alternatives lost in revision: %v", revised.Alternatives)
	}

	list, err := s.ListDecisions(p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !strings.Contains(list[0].Reasoning, "WAL") {
		t.Errorf("list did not reflect revision: %+v", list)
	}
}

func TestCorrectionScope(t *testing.T) {
	s := setupStore(t)
	p1 := seedProject(t, s, "one")
	p2 := seedProject(t, s, "two")

	global := &kanban.SteeringCorrection{
		Correction: "never commit directly to main",
		Domain:     kanban.CorrectionProcess,
		Source:     kanban.SourceExplicit,
		Active:     true,
	}
	if err := s.CreateCorrection(global); err != nil {
		t.Fatalf("global: %v", err)
	}

	scoped := &kanban.SteeringCorrection{
		Correction: "this repo uses tabs",
		Domain:     kanban.CorrectionStyle,
		Source:     kanban.SourceEditDelta,
		ProjectID:  p1.ID,
		Active:     true,
	}
	if err := s.CreateCorrection(scoped); err != nil {
		t.Fatalf("scoped: %v", err)
	}

	forP1, err := s.ListCorrections(p1.ID, true)
	if err != nil {
		t.Fatalf("list p1: %v", err)
	}
	if len(forP1) != 2 {
		t.Errorf("p1 should see global + scoped, got %d", len(forP1))
	}

	forP2, err := s.ListCorrections(p2.ID, true)
	if err != nil {
		t.Fatalf("list p2: %v", err)
	}
	if len(forP2) != 1 || forP2[0].ID != global.ID {
		t.Errorf("p2 should see only the global correction, got %d", len(forP2))
	}

	if err := s.SetCorrectionActive(scoped.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	forP1, _ = s.ListCorrections(p1.ID, true)
	if len(forP1) != 1 {
		t.Errorf("deactivated correction still listed as active")
	}

	err = s.CreateCorrection(&kanban.SteeringCorrection{
		Correction: "x", Domain: "vibes", Source: kanban.SourceExplicit,
	})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("bad domain: expected validation, got %v", err)
	}
}
