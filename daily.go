package awc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/arctek/awc/git"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

// Daily runs the once-a-day maintenance pass: digest emission, stale
// worktree collection and draft-PR preparation for merge-verified cards.
type Daily struct {
	cfg    Config
	store  *db.Store
	orch   *Orchestrator
	logger *slog.Logger
}

// NewDaily wires the daily driver.
func NewDaily(cfg Config, store *db.Store, orch *Orchestrator, logger *slog.Logger) *Daily {
	return &Daily{cfg: cfg, store: store, orch: orch, logger: logger}
}

// Run executes the enabled daily chores.
func (d *Daily) Run(ctx context.Context, toggles Toggles) {
	if toggles.SendDigest {
		d.emitDigest()
	}
	if toggles.CleanWorktrees {
		d.cleanStaleWorktrees(ctx)
	}
	if toggles.DraftPRs {
		d.draftPullRequests()
	}
}

// emitDigest summarises the last 24 hours of audit activity into one
// audit entry, which the memory mirror writes into the day's log file.
func (d *Daily) emitDigest() {
	since := kanban.Now().Add(-24 * time.Hour)
	entries, err := d.store.ListAudit(db.AuditFilter{Since: since, Limit: 500})
	if err != nil {
		d.logger.Error("Digest failed to read audit log", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Action]++
	}
	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest: %d events since %s\n", len(entries), since.Format("2006-01-02 15:04"))
	for _, a := range actions {
		fmt.Fprintf(&b, "- %s: %d\n", a, counts[a])
	}

	if _, err := d.store.RecordAudit("system", "", "daily.digest", "daily", b.String()); err != nil {
		d.logger.Error("Failed to record digest", "error", err)
		return
	}
	d.logger.Info("Daily digest recorded", "events", len(entries), "actions", len(counts))
}

// cleanStaleWorktrees removes workspaces whose branch belongs to no card
// that is still running or awaiting merge.
func (d *Daily) cleanStaleWorktrees(ctx context.Context) {
	projects, err := d.store.ListProjects(kanban.ProjectActive)
	if err != nil {
		d.logger.Error("Worktree GC failed to list projects", "error", err)
		return
	}

	keep := map[string]bool{}
	running, err := d.store.CardsByAgentStatus(kanban.AgentRunning)
	if err == nil {
		for _, c := range running {
			keep[git.BranchForCard(c.ID)] = true
		}
	}

	removed := 0
	for i := range projects {
		project := &projects[i]
		if project.RepoPath == "" {
			continue
		}
		verified, err := d.store.CardsByVerification(project.ID, kanban.VerifyBranchVerified)
		if err == nil {
			for _, c := range verified {
				keep[git.BranchForCard(c.ID)] = true
			}
		}

		mgr := d.orch.manager(project)
		worktrees, err := mgr.AgentWorktrees(ctx)
		if err != nil {
			d.logger.Warn("Worktree GC listing failed", "project", project.ID, "error", err)
			continue
		}
		for _, wt := range worktrees {
			if keep[wt.Branch] {
				continue
			}
			if err := mgr.RemoveWorktree(ctx, wt.Path, true); err != nil {
				d.logger.Warn("Failed to remove stale worktree", "path", wt.Path, "error", err)
				continue
			}
			removed++
		}
		if err := mgr.Prune(ctx); err != nil {
			d.logger.Debug("Worktree prune failed", "project", project.ID, "error", err)
		}
	}
	if removed > 0 {
		d.logger.Info("Removed stale worktrees", "count", removed)
	}
}

// draftPullRequests prepares a review-ready description for every
// merge-verified card and files it as a reference document on the project.
func (d *Daily) draftPullRequests() {
	projects, err := d.store.ListProjects(kanban.ProjectActive)
	if err != nil {
		return
	}
	for i := range projects {
		project := &projects[i]
		cards, err := d.store.CardsByVerification(project.ID, kanban.VerifyMergeVerified)
		if err != nil {
			continue
		}
		for j := range cards {
			card := &cards[j]
			title := "Draft PR: " + card.Title
			if d.alreadyDrafted(project.ID, title) {
				continue
			}
			body := fmt.Sprintf("## %s\n\n%s\n\nBranch: `%s`\nCard: %s\nVerified: branch and merge gates passed.\n",
				card.Title, card.Description, card.BranchName, card.ID)
			doc := &kanban.ProjectDocument{
				ProjectID: project.ID,
				Type:      kanban.DocReference,
				Title:     title,
				Content:   body,
			}
			if err := d.store.CreateDocument(doc); err != nil {
				d.logger.Warn("Failed to file draft PR", "card", card.ID, "error", err)
				continue
			}
			d.logger.Info("Draft PR prepared", "card", card.ID)
		}
	}
}

// alreadyDrafted guards against filing the same draft twice across days.
func (d *Daily) alreadyDrafted(projectID, title string) bool {
	docs, err := d.store.ListDocuments(projectID, kanban.DocReference)
	if err != nil {
		return false
	}
	for _, doc := range docs {
		if doc.Title == title {
			return true
		}
	}
	return false
}
