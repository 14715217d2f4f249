package db

import (
	"testing"
	"time"

	"github.com/arctek/awc/kanban"
)

func TestConversationAndMessages(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "chat")

	conv := &kanban.Conversation{ProjectID: p.ID, SessionID: "sess-1"}
	if err := s.CreateConversation(conv); err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.Status != "open" {
		t.Errorf("default status = %q, want open", conv.Status)
	}

	before := conv.UpdatedAt
	time.Sleep(2 * time.Millisecond)

	msgs := []*kanban.Message{
		{ConversationID: conv.ID, ProjectID: p.ID, Role: kanban.RoleUser, Content: "ship the fix"},
		{ConversationID: conv.ID, ProjectID: p.ID, Role: kanban.RoleAssistant, Content: "on it"},
	}
	for _, m := range msgs {
		if err := s.CreateMessage(m); err != nil {
			t.Fatalf("message: %v", err)
		}
	}

	list, err := s.ListMessages(conv.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Role != kanban.RoleUser || list[1].Role != kanban.RoleAssistant {
		t.Errorf("messages out of order: %+v", list)
	}

	got, err := s.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.UpdatedAt.After(before) {
		t.Errorf("message should bump conversation updatedAt")
	}

	bySession, err := s.GetConversationBySession("sess-1")
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if bySession.ID != conv.ID {
		t.Errorf("session lookup = %s, want %s", bySession.ID, conv.ID)
	}
}

func TestMessageValidation(t *testing.T) {
	s := setupStore(t)

	err := s.CreateMessage(&kanban.Message{Role: "system", Content: "x"})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("bad role: expected validation, got %v", err)
	}
	err = s.CreateMessage(&kanban.Message{Role: kanban.RoleUser, Content: "  "})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("blank content: expected validation, got %v", err)
	}
	err = s.CreateMessage(&kanban.Message{ConversationID: "ghost", Role: kanban.RoleUser, Content: "x"})
	if !kanban.IsNotFound(err) {
		t.Errorf("missing conversation: expected not found, got %v", err)
	}
}

func TestConversationSummaryPatch(t *testing.T) {
	s := setupStore(t)
	conv := &kanban.Conversation{}
	if err := s.CreateConversation(conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	summary := "agreed on the gate ordering"
	usage := 74
	upd, err := s.UpdateConversation(conv.ID, ConversationUpdate{Summary: &summary, ContextUsage: &usage})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Summary != summary || upd.ContextUsage != 74 {
		t.Errorf("patch not applied: %+v", upd)
	}
}

func TestUsageReportAggregation(t *testing.T) {
	s := setupStore(t)
	p := seedProject(t, s, "usage")

	samples := []*kanban.TokenUsage{
		{ProjectID: p.ID, Model: "sonnet", InputTokens: 1000, OutputTokens: 200, CostUSD: 0.015},
		{ProjectID: p.ID, Model: "sonnet", InputTokens: 500, OutputTokens: 100, CostUSD: 0.0075},
		{ProjectID: p.ID, Model: "haiku", InputTokens: 4000, OutputTokens: 800, CostUSD: 0.004},
		{Model: "haiku", InputTokens: 999, OutputTokens: 1, CostUSD: 0.001}, // other project
	}
	for _, u := range samples {
		if err := s.RecordUsage(u); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	report, err := s.UsageReport(p.ID, time.Time{})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.InputTokens != 5500 || report.OutputTokens != 1100 {
		t.Errorf("totals = %d/%d, want 5500/1100", report.InputTokens, report.OutputTokens)
	}
	if len(report.ByModel) != 2 {
		t.Fatalf("byModel = %d entries, want 2", len(report.ByModel))
	}
	for _, mu := range report.ByModel {
		if mu.Model == "sonnet" && mu.Runs != 2 {
			t.Errorf("sonnet runs = %d, want 2", mu.Runs)
		}
	}

	// since excludes everything recorded before it.
	report, err = s.UsageReport(p.ID, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("report since: %v", err)
	}
	if report.InputTokens != 0 || len(report.ByModel) != 0 {
		t.Errorf("future since should aggregate nothing: %+v", report)
	}

	err = s.RecordUsage(&kanban.TokenUsage{Model: "", InputTokens: 1})
	if kanban.KindOf(err) != kanban.KindValidation {
		t.Errorf("missing model: expected validation, got %v", err)
	}
}
