package awc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/gate"
	"github.com/arctek/awc/git"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

// Synthesizer folds branch-verified work into the integration branch. Each
// merge is re-verified in place (Gate 2) and reverted when the combined
// result regresses; cards that keep failing to merge are parked after
// MaxMergeAttempts.
type Synthesizer struct {
	cfg    Config
	store  *db.Store
	hub    *bus.Hub
	orch   *Orchestrator
	gates  *gate.Runner
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int // cardID -> failed merge attempts
}

// NewSynthesizer wires the merge driver.
func NewSynthesizer(cfg Config, store *db.Store, hub *bus.Hub, orch *Orchestrator, gates *gate.Runner, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{
		cfg:      cfg,
		store:    store,
		hub:      hub,
		orch:     orch,
		gates:    gates,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

// Run merges every branch-verified card of every active project, highest
// priority first, and returns how many merges survived Gate 2.
func (s *Synthesizer) Run(ctx context.Context, toggles Toggles) int {
	projects, err := s.store.ListProjects(kanban.ProjectActive)
	if err != nil {
		s.logger.Error("Synthesizer failed to list projects", "error", err)
		return 0
	}

	merged := 0
	failed := 0
	campaigns := map[string]string{} // campaignID -> projectID
	for i := range projects {
		project := &projects[i]
		if project.RepoPath == "" {
			continue
		}
		cards, err := s.store.CardsByVerification(project.ID, kanban.VerifyBranchVerified)
		if err != nil {
			s.logger.Error("Synthesizer failed to list verified cards", "project", project.ID, "error", err)
			continue
		}
		sort.Slice(cards, func(a, b int) bool { return kanban.Less(&cards[a], &cards[b]) })

		for j := range cards {
			card := &cards[j]
			if s.mergeCard(ctx, project, card) {
				merged++
				if card.CampaignID != "" {
					campaigns[card.CampaignID] = project.ID
				}
			} else {
				failed++
			}
		}
	}

	if toggles.CollectMetrics {
		for campaignID, projectID := range campaigns {
			s.reportCampaign(ctx, campaignID, projectID)
		}
	}

	if merged+failed > 0 {
		s.hub.Publish(bus.Event{
			Type: bus.EventSystemSynthesizer,
			Data: map[string]any{"merged": merged, "failed": failed},
		})
	}
	return merged
}

// mergeCard squash-merges one card's branch and runs Gate 2 on the result.
// Reports true only when the merge landed and re-verified.
func (s *Synthesizer) mergeCard(ctx context.Context, project *kanban.Project, card *kanban.KanbanCard) bool {
	mgr := s.orch.manager(project)
	branch := card.BranchName
	if branch == "" {
		branch = git.BranchForCard(card.ID)
	}

	prevHead, err := mgr.IntegrationHead(ctx)
	if err != nil {
		s.logger.Error("Failed to read integration head", "project", project.ID, "error", err)
		return false
	}

	msg := fmt.Sprintf("%s\n\nCard: %s", card.Title, card.ID)
	if err := mgr.SquashMerge(ctx, branch, msg); err != nil {
		s.recordMergeFailure(card, branch, fmt.Sprintf("merge of %s failed: %v", branch, err))
		return false
	}

	s.hub.Publish(bus.Event{
		Type:      bus.EventVerificationStarted,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"gate": string(kanban.GateMerge), "branch": branch},
	})

	static := s.gates.Static(ctx, project.RepoPath)
	verification := static.Verification(card.ID, kanban.GateMerge, branch)
	s.orch.auditVerification(card.ID, verification)

	if !static.Passed() {
		if err := mgr.ResetIntegration(ctx, prevHead); err != nil {
			s.logger.Error("Failed to revert regressing merge", "card", card.ID, "commit", prevHead, "error", err)
		}
		s.recordMergeFailure(card, branch, "merge regressed: "+static.FailureSummary())
		return false
	}

	if _, err := s.store.SetVerification(card.ID, kanban.VerifyMergeVerified, branch); err != nil {
		s.logger.Error("Failed to record merge verification", "card", card.ID, "error", err)
	}
	s.mu.Lock()
	delete(s.attempts, card.ID)
	s.mu.Unlock()

	s.removeWorktree(ctx, mgr, branch)

	s.hub.Publish(bus.Event{
		Type:      bus.EventVerificationPassed,
		ProjectID: project.ID,
		CardID:    card.ID,
		Data:      map[string]any{"gate": string(kanban.GateMerge), "branch": branch},
	})
	s.logger.Info("Card merge-verified", "card", card.ID, "branch", branch)
	return true
}

// recordMergeFailure writes the merge_failed verdict, counts the attempt
// and parks the card once it hits the attempt cap.
func (s *Synthesizer) recordMergeFailure(card *kanban.KanbanCard, branch, reason string) {
	s.logger.Warn("Merge failed", "card", card.ID, "reason", reason)
	if _, err := s.store.SetVerification(card.ID, kanban.VerifyMergeFailed, branch); err != nil {
		s.logger.Error("Failed to record merge failure", "card", card.ID, "error", err)
	}

	s.mu.Lock()
	s.attempts[card.ID]++
	attempts := s.attempts[card.ID]
	s.mu.Unlock()

	s.hub.Publish(bus.Event{
		Type:      bus.EventVerificationFailed,
		ProjectID: card.ProjectID,
		CardID:    card.ID,
		Data:      map[string]any{"gate": string(kanban.GateMerge), "reason": reason, "attempt": attempts},
	})

	if attempts >= s.cfg.MaxMergeAttempts {
		parked := fmt.Sprintf("merge failed %d times, last: %s", attempts, reason)
		if _, err := s.store.UpdateAgentStatus(card.ID, kanban.AgentBlocked, parked); err != nil {
			s.logger.Error("Failed to park unmergeable card", "card", card.ID, "error", err)
		}
	}
}

// removeWorktree drops the merged branch's workspace.
func (s *Synthesizer) removeWorktree(ctx context.Context, mgr *git.Manager, branch string) {
	worktrees, err := mgr.AgentWorktrees(ctx)
	if err != nil {
		s.logger.Warn("Failed to list worktrees", "error", err)
		return
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			if err := mgr.RemoveWorktree(ctx, wt.Path, true); err != nil {
				s.logger.Warn("Failed to remove merged worktree", "path", wt.Path, "error", err)
			}
			return
		}
	}
}

// reportCampaign snapshots the campaign's project tree and publishes the
// delta against its baseline. A campaign without a baseline gets one seeded
// instead of a report.
func (s *Synthesizer) reportCampaign(ctx context.Context, campaignID, projectID string) {
	campaign, err := s.store.GetCampaign(campaignID)
	if err != nil {
		s.logger.Warn("Campaign lookup failed", "campaign", campaignID, "error", err)
		return
	}
	project, err := s.store.GetProject(projectID)
	if err != nil || project.RepoPath == "" {
		return
	}

	current, err := s.gates.HarvestMetrics(ctx, project.RepoPath)
	if err != nil {
		s.logger.Warn("Metrics harvest failed", "campaign", campaignID, "error", err)
		return
	}

	if campaign.Baseline == nil {
		if _, err := s.store.SetCampaignBaseline(campaignID, *current); err != nil {
			s.logger.Warn("Failed to seed campaign baseline", "campaign", campaignID, "error", err)
		}
		return
	}

	report := kanban.CampaignReport{
		CampaignID:  campaignID,
		Baseline:    *campaign.Baseline,
		Current:     *current,
		Delta:       campaign.Baseline.Delta(*current),
		GeneratedAt: kanban.Now(),
	}
	total, verified, err := s.store.CampaignCardStats(campaignID)
	if err != nil {
		s.logger.Warn("Campaign card stats failed", "campaign", campaignID, "error", err)
	}

	s.hub.Publish(bus.Event{
		Type:      bus.EventCampaignReport,
		ProjectID: projectID,
		Data: map[string]any{
			"campaignId":    campaignID,
			"delta":         report.Delta,
			"cards":         total,
			"mergeVerified": verified,
		},
	})
	s.logger.Info("Campaign report generated",
		"campaign", campaignID,
		"lintErrors", report.Delta.LintErrors,
		"anyEscapes", report.Delta.AnyEscapes)
}
