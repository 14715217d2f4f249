package kanban

import (
	"sort"
	"time"
)

// SelectionOptions carries the builder toggles that shape getNext.
type SelectionOptions struct {
	SkipInteractive  bool
	SkipLargeContext bool
	RetryBlocked     bool
	BlockedRetryWait time.Duration
	Now              time.Time
}

// Less orders two cards for selection: higher priority first, then lower
// position, then earlier creation.
func Less(a, b *KanbanCard) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Eligible reports whether a card qualifies for autonomous pickup under the
// given options. Only backlog cards qualify; running cards never do; blocked
// cards qualify once the retry window has elapsed since they last changed.
func Eligible(c *KanbanCard, opts SelectionOptions) bool {
	if c.Column != ColumnBacklog {
		return false
	}
	switch c.AgentStatus {
	case AgentRunning:
		return false
	case AgentBlocked:
		if !opts.RetryBlocked {
			return false
		}
		if opts.Now.Sub(c.UpdatedAt) < opts.BlockedRetryWait {
			return false
		}
	}
	if opts.SkipInteractive && c.HasLabel(LabelInteractive) {
		return false
	}
	if opts.SkipLargeContext && c.ContextSnapshot != "" {
		return false
	}
	return true
}

// NextCandidate returns the eligible card that Less orders first, or nil
// when nothing qualifies. Deterministic for a fixed snapshot and options.
func NextCandidate(cards []KanbanCard, opts SelectionOptions) *KanbanCard {
	var best *KanbanCard
	for i := range cards {
		c := &cards[i]
		if !Eligible(c, opts) {
			continue
		}
		if best == nil || Less(c, best) {
			best = c
		}
	}
	return best
}

// SortForBoard orders cards for display within a column.
func SortForBoard(cards []KanbanCard) {
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].Position != cards[j].Position {
			return cards[i].Position < cards[j].Position
		}
		return cards[i].CreatedAt.Before(cards[j].CreatedAt)
	})
}

// ValidateStart checks the start-work precondition: the card must not
// already be claimed by a running agent.
func ValidateStart(c *KanbanCard) error {
	if c.AgentStatus == AgentRunning {
		return Conflictf("card %s already has a running agent", c.ID)
	}
	if c.Column == ColumnDone {
		return Conflictf("card %s is done", c.ID)
	}
	return nil
}

// ValidateComplete checks the complete-work precondition: only a running
// card can be completed by the core.
func ValidateComplete(c *KanbanCard) error {
	if c.AgentStatus != AgentRunning {
		return Conflictf("card %s has no running agent to complete", c.ID)
	}
	return nil
}

// ValidateAgentStatus checks a requested agent-status transition. The core
// serialises per-card transitions at the store, so the table only encodes
// which moves make sense at all.
func ValidateAgentStatus(from, to AgentStatus) error {
	if !ValidAgentStatus(to) {
		return Validationf("unknown agent status %q", to)
	}
	if from == to {
		return nil
	}
	switch from {
	case AgentRunning:
		// running may move anywhere: blocked, completed, failed, idle.
		return nil
	case AgentBlocked, AgentFailed, AgentCompleted, AgentIdle, "":
		if to == AgentCompleted {
			return Conflictf("cannot complete from %q", from)
		}
		return nil
	}
	return Validationf("unknown agent status %q", from)
}
