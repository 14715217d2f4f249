package awc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/arctek/awc/agents"
	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/gate"
	"github.com/arctek/awc/git"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

// Orchestrator claims cards, runs one agent supervisor per claimed card in
// an isolated worktree, and drives the branch gates on the result. All card
// state flows through the store; the orchestrator holds only the live
// supervisors.
type Orchestrator struct {
	cfg      Config
	store    *db.Store
	hub      *bus.Hub
	runner   agents.Runner
	variants *agents.Registry
	gates    *gate.Runner
	logger   *slog.Logger

	mu          sync.Mutex
	supervisors map[string]*supervisor // cardID -> live run
	managers    map[string]*git.Manager

	wg sync.WaitGroup
}

// supervisor is the in-memory state of one live agent run.
type supervisor struct {
	cardID    string
	projectID string
	branch    string
	variant   string
	ring      *agents.Ring
	startedAt time.Time
}

// NewOrchestrator wires an orchestrator. runner is injected so tests can
// substitute a scripted agent.
func NewOrchestrator(cfg Config, store *db.Store, hub *bus.Hub, runner agents.Runner, variants *agents.Registry, gates *gate.Runner, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		hub:         hub,
		runner:      runner,
		variants:    variants,
		gates:       gates,
		logger:      logger,
		supervisors: make(map[string]*supervisor),
		managers:    make(map[string]*git.Manager),
	}
}

// LiveSupervisorCount returns how many agent runs are in flight.
func (o *Orchestrator) LiveSupervisorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.supervisors)
}

// HasSupervisor reports whether a card has a live run.
func (o *Orchestrator) HasSupervisor(cardID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.supervisors[cardID]
	return ok
}

// LogTail returns the last n buffered output lines of a card's live run.
func (o *Orchestrator) LogTail(cardID string, n int) (string, bool) {
	o.mu.Lock()
	sup, ok := o.supervisors[cardID]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return sup.ring.Tail(n), true
}

// manager returns the per-project git manager, keyed by repo path.
func (o *Orchestrator) manager(project *kanban.Project) *git.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.managers[project.ID]; ok {
		return m
	}
	wtDir := filepath.Join(o.cfg.DataDir, o.cfg.WorktreeDir, project.ID)
	m := git.NewManager(project.RepoPath, wtDir, o.cfg.IntegrationBranch)
	o.managers[project.ID] = m
	return m
}

// Dispatch claims a card and spawns its agent. The caps and Gate 0 run
// before any state is written; a Busy return means the heartbeat should
// simply retry next tick.
func (o *Orchestrator) Dispatch(ctx context.Context, card *kanban.KanbanCard) error {
	if o.LiveSupervisorCount() >= o.cfg.MaxConcurrentAgents {
		return kanban.Busyf("global agent cap %d reached", o.cfg.MaxConcurrentAgents)
	}

	project, err := o.store.GetProject(card.ProjectID)
	if err != nil {
		return err
	}
	cap := project.MaxConcurrentAgents
	if cap <= 0 {
		cap = o.cfg.MaxConcurrentAgents
	}
	running, err := o.store.RunningCardCount(project.ID)
	if err != nil {
		return err
	}
	if running >= cap {
		return kanban.Busyf("project %s agent cap %d reached", project.ID, cap)
	}

	if err := gate.Preflight(card, project.RepoPath, o.cfg.SkillsDir()); err != nil {
		return err
	}

	variant, err := o.variants.Resolve(o.cfg.AgentVariant)
	if err != nil {
		return err
	}

	mgr := o.manager(project)
	wt, err := mgr.CreateWorktree(ctx, card.ID)
	if err != nil {
		return kanban.Externalf("", err, "failed to create worktree for card %s", card.ID)
	}

	card, err = o.store.StartWork(card.ID, variant.Name)
	if err != nil {
		// Worktree without a claim is an orphan; clean it up now.
		_ = mgr.RemoveWorktree(ctx, wt.Path, true)
		return err
	}

	sup := &supervisor{
		cardID:    card.ID,
		projectID: project.ID,
		branch:    wt.Branch,
		variant:   variant.Name,
		ring:      agents.NewRing(0),
		startedAt: kanban.Now(),
	}
	o.mu.Lock()
	o.supervisors[card.ID] = sup
	o.mu.Unlock()

	o.hub.Publish(bus.Event{
		Type:      bus.EventAgentSpawned,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"variant": variant.Name, "branch": wt.Branch},
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.supervisors, card.ID)
			o.mu.Unlock()
		}()
		o.runSupervisor(ctx, sup, card, project, variant, mgr, wt)
	}()
	return nil
}

// runSupervisor executes one full agent run: spawn, stream, post-run
// decision, branch gates. Every exit path writes a terminal agent status.
func (o *Orchestrator) runSupervisor(ctx context.Context, sup *supervisor, card *kanban.KanbanCard, project *kanban.Project, variant agents.Variant, mgr *git.Manager, wt *git.Worktree) {
	corrections, err := o.store.ListCorrections(project.ID, true)
	if err != nil {
		o.logger.Warn("Failed to load corrections", "card", card.ID, "error", err)
	}
	skills := gate.MatchSkills(card, o.cfg.SkillsDir())

	deadline := o.cfg.AgentTimeout
	if project.AgentTimeoutMinutes > 0 {
		if d := time.Duration(project.AgentTimeoutMinutes) * time.Minute; d < deadline {
			deadline = d
		}
	}

	onLine := func(l agents.Line) {
		sup.ring.Append(l.Text)
		o.hub.Publish(bus.Event{
			Type:      bus.EventAgentLog,
			ProjectID: project.ID,
			CardID:    card.ID,
			Data:      map[string]any{"stream": string(l.Stream), "line": l.Text},
		})
	}

	res, err := o.runner.Run(agents.RunSpec{
		Variant:   variant,
		Prompt:    agents.BuildPrompt(card, corrections, skillNames(skills)),
		WorkDir:   wt.Path,
		Deadline:  deadline,
		SessionID: card.LastSessionID,
	}, onLine)
	if err != nil {
		o.failRun(ctx, sup, card, mgr, wt, fmt.Sprintf("agent failed to start: %v", err))
		return
	}

	if res.Usage != nil {
		res.Usage.ProjectID = project.ID
		res.Usage.SessionID = card.LastSessionID
		if err := o.store.RecordUsage(res.Usage); err != nil {
			o.logger.Warn("Failed to record token usage", "card", card.ID, "error", err)
		}
	}

	if res.TimedOut {
		reason := fmt.Sprintf("agent timeout after %s", res.Duration.Round(time.Second))
		if _, err := o.store.SetVerification(card.ID, kanban.VerifyBranchFailed, wt.Branch); err != nil {
			o.logger.Error("Failed to record verification", "card", card.ID, "error", err)
		}
		o.failRun(ctx, sup, card, mgr, wt, reason)
		return
	}

	changed := false
	if res.Success() {
		changed, err = mgr.HasChanges(ctx, wt.Path)
		if err != nil {
			o.failRun(ctx, sup, card, mgr, wt, fmt.Sprintf("failed to inspect worktree: %v", err))
			return
		}
	}
	if !res.Success() || !changed {
		reason := fmt.Sprintf("agent exited %d without actionable changes", res.ExitCode)
		if res.ExitCode != 0 {
			reason = fmt.Sprintf("agent exited %d", res.ExitCode)
		}
		o.failRun(ctx, sup, card, mgr, wt, reason)
		return
	}

	if err := mgr.CommitAll(ctx, wt.Path, fmt.Sprintf("%s\n\nCard: %s", card.Title, card.ID)); err != nil {
		o.failRun(ctx, sup, card, mgr, wt, fmt.Sprintf("failed to commit agent work: %v", err))
		return
	}

	// The agent's run is over; verification is a separate phase.
	o.hub.Publish(bus.Event{
		Type:      bus.EventAgentCompleted,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"branch": wt.Branch, "duration": res.Duration.Round(time.Second).String()},
	})

	o.verifyBranch(ctx, sup, card, project, mgr, wt)
}

// verifyBranch runs the static trio and the smoke gate against the
// worktree, then publishes the branch verdict on the card.
func (o *Orchestrator) verifyBranch(ctx context.Context, sup *supervisor, card *kanban.KanbanCard, project *kanban.Project, mgr *git.Manager, wt *git.Worktree) {
	o.hub.Publish(bus.Event{
		Type:      bus.EventVerificationStarted,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"gate": string(kanban.GateBranch), "branch": wt.Branch},
	})

	static := o.gates.Static(ctx, wt.Path)
	verification := static.Verification(card.ID, kanban.GateBranch, wt.Branch)
	o.auditVerification(card.ID, verification)

	failReason := ""
	if !static.Passed() {
		failReason = static.FailureSummary()
	} else if len(o.cfg.Gate.Serve) > 0 {
		smokeDir := filepath.Join(o.cfg.SmokeDataDir(), kanban.NewID())
		smoke := o.gates.Smoke(ctx, wt.Path, smokeDir, gate.SmokeConfig{
			Build: o.cfg.Gate.Build,
			Serve: o.cfg.Gate.Serve,
		})
		if !smoke.Passed {
			failReason = smoke.Summary()
		}
	}

	if failReason != "" {
		if _, err := o.store.SetVerification(card.ID, kanban.VerifyBranchFailed, wt.Branch); err != nil {
			o.logger.Error("Failed to record verification", "card", card.ID, "error", err)
		}
		o.hub.Publish(bus.Event{
			Type:      bus.EventVerificationFailed,
			ProjectID: project.ID,
			CardID:    card.ID,
			Data:      map[string]any{"gate": string(kanban.GateBranch), "branch": wt.Branch, "output": failReason},
		})
		o.failRun(ctx, sup, card, mgr, wt, failReason)
		return
	}

	if _, err := o.store.SetVerification(card.ID, kanban.VerifyBranchVerified, wt.Branch); err != nil {
		o.logger.Error("Failed to record verification", "card", card.ID, "error", err)
	}
	if _, err := o.store.CompleteWork(card.ID); err != nil {
		o.logger.Error("Failed to complete card", "card", card.ID, "error", err)
	}

	o.hub.Publish(bus.Event{
		Type:      bus.EventVerificationPassed,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"gate": string(kanban.GateBranch), "branch": wt.Branch},
	})
	o.logger.Info("Card branch-verified",
		"card", card.ID,
		"branch", wt.Branch,
		"duration", time.Since(sup.startedAt).Round(time.Second))
}

// failRun records a failed run on the card and tears its workspace down.
func (o *Orchestrator) failRun(ctx context.Context, sup *supervisor, card *kanban.KanbanCard, mgr *git.Manager, wt *git.Worktree, reason string) {
	o.logger.Warn("Agent run failed", "card", card.ID, "reason", reason)
	if _, err := o.store.UpdateAgentStatus(card.ID, kanban.AgentFailed, reason); err != nil {
		o.logger.Error("Failed to mark card failed", "card", card.ID, "error", err)
	}
	o.hub.Publish(bus.Event{
		Type:      bus.EventAgentFailed,
		ProjectID: sup.projectID,
		CardID:    card.ID,
		Data:      map[string]any{"reason": reason, "logTail": sup.ring.Tail(20)},
	})
	o.cleanupWorktree(ctx, mgr, wt)
}

func (o *Orchestrator) cleanupWorktree(ctx context.Context, mgr *git.Manager, wt *git.Worktree) {
	if err := mgr.RemoveWorktree(ctx, wt.Path, true); err != nil {
		o.logger.Warn("Failed to remove worktree", "path", wt.Path, "error", err)
	}
}

// auditVerification writes the full gate outputs to the audit log; the card
// itself only carries the verdict.
func (o *Orchestrator) auditVerification(cardID string, v *kanban.VerificationResult) {
	details := fmt.Sprintf("gate=%s passed=%t branch=%s", v.Gate, v.Passed, v.BranchName)
	verdict := "passed"
	if !v.Passed {
		verdict = "failed"
		details += "\n" + firstNonEmpty(v.TSCOutput, v.LintOutput, v.TestOutput)
	}
	action := fmt.Sprintf("verify.%s.%s", v.Gate, verdict)
	if _, err := o.store.RecordAudit("card", cardID, action, "orchestrator", details); err != nil {
		o.logger.Warn("Failed to audit verification", "card", cardID, "error", err)
	}
}

// HealStaleRunning marks running cards without a live supervisor as failed.
// Run at startup and once per tick so crashes never leave phantom claims.
func (o *Orchestrator) HealStaleRunning() int {
	cards, err := o.store.CardsByAgentStatus(kanban.AgentRunning)
	if err != nil {
		o.logger.Error("Failed to list running cards", "error", err)
		return 0
	}
	healed := 0
	for i := range cards {
		card := &cards[i]
		if o.HasSupervisor(card.ID) {
			continue
		}
		if _, err := o.store.UpdateAgentStatus(card.ID, kanban.AgentFailed, "run lost: no live supervisor"); err != nil {
			o.logger.Error("Failed to heal stale card", "card", card.ID, "error", err)
			continue
		}
		healed++
		o.logger.Warn("Healed stale running card", "card", card.ID)
	}
	return healed
}

// Shutdown waits for live supervisors within the budget; past it the
// process exits and the next start heals whatever was in flight.
func (o *Orchestrator) Shutdown(budget time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(budget):
		o.logger.Warn("Shutdown budget exceeded with supervisors still live",
			"live", o.LiveSupervisorCount())
		return false
	}
}

func skillNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		names = append(names, base[:len(base)-len(filepath.Ext(base))])
	}
	return names
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
