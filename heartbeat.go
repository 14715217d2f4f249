package awc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

// Heartbeat is the scheduler: one ticker driving the Builder, Synthesizer
// and Daily subphases in sequence. Ticks never overlap; a tick that runs
// long makes the next one a no-op.
type Heartbeat struct {
	cfg       Config
	store     *db.Store
	hub       *bus.Hub
	orch      *Orchestrator
	synth     *Synthesizer
	daily     *Daily
	checklist *Checklist
	logger    *slog.Logger

	tickMu    sync.Mutex
	ticks     int
	lastDaily string // YYYY-MM-DD of the last daily run
}

// NewHeartbeat wires the scheduler.
func NewHeartbeat(cfg Config, store *db.Store, hub *bus.Hub, orch *Orchestrator, synth *Synthesizer, daily *Daily, checklist *Checklist, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		orch:      orch,
		synth:     synth,
		daily:     daily,
		checklist: checklist,
		logger:    logger,
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately so a restart resumes work without waiting a full interval.
func (h *Heartbeat) Run(ctx context.Context) {
	h.Tick(ctx)

	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat stopping")
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: reload the checklist, heal stale claims,
// then Builder, Synthesizer and (when the hour crosses) the Daily driver.
func (h *Heartbeat) Tick(ctx context.Context) {
	if !h.tickMu.TryLock() {
		h.logger.Warn("Skipping tick, previous tick still running")
		return
	}
	defer h.tickMu.Unlock()

	h.ticks++
	start := time.Now()
	toggles := h.checklist.Reload()

	healed := h.orch.HealStaleRunning()

	dispatched := 0
	if toggles.ProcessBacklog {
		dispatched = h.runBuilder(ctx, toggles)
	}

	merged := 0
	if toggles.MergeVerified {
		merged = h.synth.Run(ctx, toggles)
	}

	if h.dailyDue(start) {
		h.daily.Run(ctx, toggles)
		h.lastDaily = start.Format("2006-01-02")
	}

	h.hub.Publish(bus.Event{
		Type: bus.EventSystemHeartbeat,
		Data: map[string]any{
			"tick":       h.ticks,
			"dispatched": dispatched,
			"merged":     merged,
			"healed":     healed,
			"agents":     h.orch.LiveSupervisorCount(),
			"elapsedMs":  time.Since(start).Milliseconds(),
		},
	})
	h.logger.Debug("Tick finished",
		"tick", h.ticks,
		"dispatched", dispatched,
		"merged", merged,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// runBuilder hands the next eligible card of each active project to the
// orchestrator. One dispatch per project per tick keeps a single project
// from monopolising the caps.
func (h *Heartbeat) runBuilder(ctx context.Context, toggles Toggles) int {
	capacity := h.cfg.MaxConcurrentAgents
	if toggles.MaxConcurrentAgents > 0 && toggles.MaxConcurrentAgents < capacity {
		capacity = toggles.MaxConcurrentAgents
	}
	retryWait := h.cfg.BlockedRetryMinutes
	if toggles.BlockedRetryMinutes > 0 {
		retryWait = toggles.BlockedRetryMinutes
	}

	projects, err := h.store.ListProjects(kanban.ProjectActive)
	if err != nil {
		h.logger.Error("Builder failed to list projects", "error", err)
		return 0
	}

	opts := kanban.SelectionOptions{
		SkipInteractive:  toggles.SkipInteractiveOnly,
		SkipLargeContext: toggles.SkipLargeContext,
		RetryBlocked:     toggles.RetryBlocked,
		BlockedRetryWait: time.Duration(retryWait) * time.Minute,
		Now:              kanban.Now(),
	}

	dispatched := 0
	for i := range projects {
		project := &projects[i]
		if h.orch.LiveSupervisorCount() >= capacity {
			break
		}
		if project.RepoPath == "" {
			continue
		}

		card, err := h.store.GetNextCard(project.ID, opts)
		if err != nil {
			if !kanban.IsKind(err, kanban.KindNotFound) {
				h.logger.Error("Builder failed to pick a card", "project", project.ID, "error", err)
			}
			continue
		}

		err = h.orch.Dispatch(ctx, card)
		switch {
		case err == nil:
			dispatched++
		case kanban.IsKind(err, kanban.KindBusy):
			// Caps full; the next tick retries.
		case kanban.IsKind(err, kanban.KindValidation):
			// Gate 0 rejected the card; park it so selection moves on.
			if _, berr := h.store.UpdateAgentStatus(card.ID, kanban.AgentBlocked, err.Error()); berr != nil {
				h.logger.Error("Failed to park unbuildable card", "card", card.ID, "error", berr)
			}
			h.logger.Warn("Card failed preflight", "card", card.ID, "reason", err)
		default:
			h.logger.Error("Dispatch failed", "card", card.ID, "error", err)
		}
	}
	return dispatched
}

// dailyDue reports whether the daily driver should run this tick: once per
// calendar day, at or after the configured hour.
func (h *Heartbeat) dailyDue(now time.Time) bool {
	if now.Hour() < h.cfg.DailyHour {
		return false
	}
	return h.lastDaily != now.Format("2006-01-02")
}
