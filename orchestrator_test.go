package awc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arctek/awc/agents"
	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

func TestDispatchHappyPath(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	_, events := h.hub.Subscribe(128)
	card := h.newCard(t, "Add retry loop")

	if err := h.orch.Dispatch(context.Background(), card); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.waitForSupervisors(t)

	got, err := h.store.GetCard(card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if got.Verification != kanban.VerifyBranchVerified {
		t.Errorf("verification = %s, want branch_verified", got.Verification)
	}
	if got.AgentStatus != kanban.AgentCompleted {
		t.Errorf("agentStatus = %s, want completed", got.AgentStatus)
	}
	if got.Column != kanban.ColumnDone {
		t.Errorf("column = %s, want done", got.Column)
	}
	if !strings.HasPrefix(got.BranchName, "awc/card-") {
		t.Errorf("branch = %q", got.BranchName)
	}

	audits, err := h.store.ListAudit(db.AuditFilter{EntityID: card.ID, Action: "verify.branch.passed"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) != 1 {
		t.Errorf("verify.branch.passed audit entries = %d, want 1", len(audits))
	}

	wantOrder := []bus.EventType{bus.EventAgentSpawned, bus.EventAgentCompleted, bus.EventVerificationStarted, bus.EventVerificationPassed}
	var seen []bus.EventType
	timeout := time.After(2 * time.Second)
	for len(seen) < len(wantOrder) {
		select {
		case ev := <-events:
			if ev.Type == bus.EventAgentLog {
				continue
			}
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("events seen so far: %v", seen)
		}
	}
	for i, want := range wantOrder {
		if seen[i] != want {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, seen[i], want, seen)
		}
	}
}

func TestDispatchFailingAgent(t *testing.T) {
	h := newHarness(t, &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		if onLine != nil {
			onLine(agents.Line{Stream: agents.StreamStderr, Text: "boom"})
		}
		return &agents.Result{ExitCode: 2}, nil
	}})
	card := h.newCard(t, "Doomed card")

	if err := h.orch.Dispatch(context.Background(), card); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != kanban.AgentFailed {
		t.Errorf("agentStatus = %s, want failed", got.AgentStatus)
	}
	if !strings.Contains(got.BlockedReason, "exited 2") {
		t.Errorf("blockedReason = %q", got.BlockedReason)
	}
	// The failed run's worktree must be gone.
	wtRoot := filepath.Join(h.cfg.DataDir, h.cfg.WorktreeDir, h.project.ID)
	entries, _ := os.ReadDir(wtRoot)
	if len(entries) != 0 {
		t.Errorf("worktree left behind: %v", entries)
	}
}

func TestDispatchTimeoutFailsCard(t *testing.T) {
	h := newHarness(t, &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		return &agents.Result{ExitCode: -1, TimedOut: true, Duration: time.Minute}, nil
	}})
	card := h.newCard(t, "Slow card")

	if err := h.orch.Dispatch(context.Background(), card); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != kanban.AgentFailed {
		t.Errorf("agentStatus = %s, want failed", got.AgentStatus)
	}
	if got.Verification != kanban.VerifyBranchFailed {
		t.Errorf("verification = %s, want branch_failed", got.Verification)
	}
	if !strings.Contains(got.BlockedReason, "timeout") {
		t.Errorf("blockedReason = %q", got.BlockedReason)
	}
}

func TestDispatchNoChangesFails(t *testing.T) {
	h := newHarness(t, &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		// Clean exit, but nothing written into the worktree.
		return &agents.Result{SawDone: true}, nil
	}})
	card := h.newCard(t, "No-op card")

	if err := h.orch.Dispatch(context.Background(), card); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != kanban.AgentFailed {
		t.Errorf("agentStatus = %s, want failed", got.AgentStatus)
	}
	if !strings.Contains(got.BlockedReason, "without actionable changes") {
		t.Errorf("blockedReason = %q", got.BlockedReason)
	}
}

func TestDispatchGate1Failure(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	h.cfg.Gate.Lint = []string{"/bin/sh", "-c", "echo 'lint: unused var'; exit 1"}
	// Rebuild the orchestrator with the failing lint command.
	gates := newGateRunner(t, h.cfg)
	h.orch = NewOrchestrator(h.cfg, h.store, h.hub, succeedingAgent(), agents.NewRegistry(nil), gates, testLogger())
	_, events := h.hub.Subscribe(128)
	card := h.newCard(t, "Lint-dirty card")

	if err := h.orch.Dispatch(context.Background(), card); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.waitForSupervisors(t)

	got, _ := h.store.GetCard(card.ID)
	if got.Verification != kanban.VerifyBranchFailed {
		t.Errorf("verification = %s, want branch_failed", got.Verification)
	}
	if got.AgentStatus != kanban.AgentFailed {
		t.Errorf("agentStatus = %s, want failed", got.AgentStatus)
	}
	if !strings.Contains(got.BlockedReason, "lint") {
		t.Errorf("blockedReason = %q", got.BlockedReason)
	}
	audits, err := h.store.ListAudit(db.AuditFilter{EntityID: card.ID, Action: "verify.branch.failed"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) != 1 {
		t.Errorf("verify.branch.failed audit entries = %d, want 1", len(audits))
	}

	// The failed gate must surface on the bus with its captured output.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != bus.EventVerificationFailed {
				continue
			}
			if g, _ := ev.Data["gate"].(string); g != "branch" {
				t.Errorf("gate = %q, want branch", g)
			}
			if out, _ := ev.Data["output"].(string); !strings.Contains(out, "lint") {
				t.Errorf("output = %q, want lint failure", out)
			}
			return
		case <-timeout:
			t.Fatal("no verification.failed event published")
		}
	}
}

func TestDispatchAtGlobalCapReturnsBusy(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		<-release
		return &agents.Result{SawDone: true}, nil
	}})
	h.cfg.MaxConcurrentAgents = 1
	h.orch.cfg.MaxConcurrentAgents = 1

	first := h.newCard(t, "First card")
	second := h.newCard(t, "Second card")

	if err := h.orch.Dispatch(context.Background(), first); err != nil {
		t.Fatalf("dispatch first: %v", err)
	}
	err := h.orch.Dispatch(context.Background(), second)
	if !kanban.IsKind(err, kanban.KindBusy) {
		t.Errorf("second dispatch = %v, want Busy", err)
	}
	close(release)
	h.waitForSupervisors(t)
}

func TestHealStaleRunning(t *testing.T) {
	h := newHarness(t, succeedingAgent())
	card := h.newCard(t, "Orphaned card")
	if _, err := h.store.StartWork(card.ID, "claude"); err != nil {
		t.Fatalf("start work: %v", err)
	}

	if healed := h.orch.HealStaleRunning(); healed != 1 {
		t.Fatalf("healed = %d, want 1", healed)
	}
	got, _ := h.store.GetCard(card.ID)
	if got.AgentStatus != kanban.AgentFailed {
		t.Errorf("agentStatus = %s, want failed", got.AgentStatus)
	}

	// Idempotent: nothing left to heal.
	if healed := h.orch.HealStaleRunning(); healed != 0 {
		t.Errorf("second heal = %d, want 0", healed)
	}
}
