package awc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arctek/awc/agents"
	"github.com/arctek/awc/kanban"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// Reloads compare modtimes; coarse filesystems need a visible change.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func newTestHeartbeat(t *testing.T, h *harness) *Heartbeat {
	t.Helper()
	gates := newGateRunner(t, h.cfg)
	synth := NewSynthesizer(h.cfg, h.store, h.hub, h.orch, gates, testLogger())
	daily := NewDaily(h.cfg, h.store, h.orch, testLogger())
	checklist := NewChecklist(filepath.Join(h.cfg.DataDir, "HEARTBEAT.md"), testLogger())
	return NewHeartbeat(h.cfg, h.store, h.hub, h.orch, synth, daily, checklist, testLogger())
}

func TestTickDispatchesAndMerges(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	hb := newTestHeartbeat(t, h)
	card := h.newCard(t, "Tick-driven card")

	// First tick dispatches the card.
	hb.Tick(context.Background())
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.Verification != kanban.VerifyBranchVerified {
		t.Fatalf("after first tick: %+v", got)
	}

	// Second tick merges it.
	hb.Tick(context.Background())
	got, _ = h.store.GetCard(card.ID)
	if got.Verification != kanban.VerifyMergeVerified {
		t.Errorf("after second tick verification = %s, want merge_verified", got.Verification)
	}
}

func TestTickHonoursProcessBacklogToggle(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	hb := newTestHeartbeat(t, h)
	card := h.newCard(t, "Paused backlog card")

	writeFile(t, hb.checklist.path, "- [ ] Process backlog kanban cards\n")
	hb.Tick(context.Background())
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != "" && got.AgentStatus != kanban.AgentIdle {
		t.Errorf("card touched while backlog processing is off: %+v", got)
	}
	if got.Column != kanban.ColumnBacklog {
		t.Errorf("column = %s, want backlog", got.Column)
	}
}

func TestTickParksCardFailingPreflight(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	hb := newTestHeartbeat(t, h)

	// A card with neither description nor context fails Gate 0.
	card := &kanban.KanbanCard{ProjectID: h.project.ID, Title: "Bare card"}
	if err := h.store.CreateCard(card); err != nil {
		t.Fatal(err)
	}

	hb.Tick(context.Background())
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != kanban.AgentBlocked {
		t.Errorf("agentStatus = %s, want blocked", got.AgentStatus)
	}
	if got.BlockedReason == "" {
		t.Error("preflight reason not recorded")
	}
}

func TestTickRespectsChecklistAgentCap(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		<-release
		return &agents.Result{ExitCode: 1}, nil
	}})
	hb := newTestHeartbeat(t, h)

	writeFile(t, hb.checklist.path, "- [x] Process backlog kanban cards\n- [x] Max concurrent agents: 1\n")

	// Two eligible cards in two projects; the cap allows only one dispatch.
	h.newCard(t, "First project card")
	other := &kanban.Project{Name: "beta", RepoPath: initRepo(t)}
	if err := h.store.CreateProject(other); err != nil {
		t.Fatal(err)
	}
	card2 := &kanban.KanbanCard{ProjectID: other.ID, Title: "Second project card", Description: "d"}
	if err := h.store.CreateCard(card2); err != nil {
		t.Fatal(err)
	}

	hb.Tick(context.Background())
	if live := h.orch.LiveSupervisorCount(); live != 1 {
		t.Errorf("live supervisors = %d, want 1", live)
	}
	close(release)
	h.waitForSupervisors(t)
}

func TestDailyDue(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	hb := newTestHeartbeat(t, h)
	hb.cfg.DailyHour = 7

	morning := time.Date(2026, 8, 25, 6, 59, 0, 0, time.UTC)
	if hb.dailyDue(morning) {
		t.Error("daily due before the configured hour")
	}
	afternoon := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	if !hb.dailyDue(afternoon) {
		t.Error("daily not due after the hour")
	}
	hb.lastDaily = "2026-08-25"
	if hb.dailyDue(afternoon) {
		t.Error("daily ran twice on one day")
	}
	nextDay := afternoon.Add(24 * time.Hour)
	if !hb.dailyDue(nextDay) {
		t.Error("daily not due the next day")
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	hb := newTestHeartbeat(t, h)

	hb.tickMu.Lock()
	done := make(chan struct{})
	go func() {
		hb.Tick(context.Background()) // must return immediately
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick blocked behind a running tick")
	}
	hb.tickMu.Unlock()
	if hb.ticks != 0 {
		t.Errorf("skipped tick still counted: %d", hb.ticks)
	}
}
