package awc

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Toggles are the runtime switches the heartbeat checklist controls. The
// checklist overrides these but never secrets or paths.
type Toggles struct {
	ProcessBacklog        bool
	RetryBlocked          bool
	SkipInteractiveOnly   bool
	SkipLargeContext      bool
	MergeVerified         bool
	CollectMetrics        bool
	CrossProjectSynthesis bool
	DraftPRs              bool
	SendDigest            bool
	CleanWorktrees        bool
	Notifications         bool

	// Zero means not set by the checklist; the config value applies.
	MaxConcurrentAgents int
	BlockedRetryMinutes int
}

// DefaultToggles is the state used when no checklist file exists: the core
// loop runs, the optional daily extras stay off.
func DefaultToggles() Toggles {
	return Toggles{
		ProcessBacklog: true,
		RetryBlocked:   true,
		MergeVerified:  true,
		CollectMetrics: true,
		CleanWorktrees: true,
		Notifications:  true,
	}
}

// checkboxPatterns maps a lowercase substring of the checkbox line to the
// toggle it sets. Unmatched lines are ignored.
var checkboxPatterns = []struct {
	needle string
	set    func(*Toggles, bool)
}{
	{"process backlog", func(t *Toggles, v bool) { t.ProcessBacklog = v }},
	{"retry blocked", func(t *Toggles, v bool) { t.RetryBlocked = v }},
	{"skip cards tagged interactive", func(t *Toggles, v bool) { t.SkipInteractiveOnly = v }},
	{"skip cards with context", func(t *Toggles, v bool) { t.SkipLargeContext = v }},
	{"merge branch-verified", func(t *Toggles, v bool) { t.MergeVerified = v }},
	{"collect campaign metrics", func(t *Toggles, v bool) { t.CollectMetrics = v }},
	{"cross-project synthesis", func(t *Toggles, v bool) { t.CrossProjectSynthesis = v }},
	{"draft prs", func(t *Toggles, v bool) { t.DraftPRs = v }},
	{"daily digest", func(t *Toggles, v bool) { t.SendDigest = v }},
	{"stale worktrees", func(t *Toggles, v bool) { t.CleanWorktrees = v }},
	{"notifications", func(t *Toggles, v bool) { t.Notifications = v }},
}

// numericPatterns maps a substring to an integer toggle parsed from a
// trailing ": <N>".
var numericPatterns = []struct {
	needle string
	set    func(*Toggles, int)
}{
	{"max concurrent agents", func(t *Toggles, v int) { t.MaxConcurrentAgents = v }},
	{"blocked retry interval", func(t *Toggles, v int) { t.BlockedRetryMinutes = v }},
}

var trailingIntRe = regexp.MustCompile(`:\s*(\d+)\s*$`)

var checklistMarkdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ParseChecklist reads toggles out of a markdown checklist. Only task-list
// items are considered; everything else in the document is commentary.
func ParseChecklist(source []byte) Toggles {
	toggles := DefaultToggles()
	doc := checklistMarkdown.Parser().Parse(text.NewReader(source))

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		box, ok := n.(*east.TaskCheckBox)
		if !ok {
			return ast.WalkContinue, nil
		}
		line := strings.ToLower(strings.TrimSpace(itemText(box.Parent(), source)))
		applyChecklistLine(&toggles, line, box.IsChecked)
		return ast.WalkContinue, nil
	})
	return toggles
}

// applyChecklistLine matches one checkbox line against the recognition
// tables.
func applyChecklistLine(t *Toggles, line string, checked bool) {
	if m := trailingIntRe.FindStringSubmatch(line); m != nil && checked {
		for _, p := range numericPatterns {
			if strings.Contains(line, p.needle) {
				if n, err := strconv.Atoi(m[1]); err == nil {
					p.set(t, n)
				}
				return
			}
		}
	}
	for _, p := range checkboxPatterns {
		if strings.Contains(line, p.needle) {
			p.set(t, checked)
			return
		}
	}
}

// itemText collects the plain text of the block the checkbox sits in.
func itemText(block ast.Node, source []byte) string {
	if block == nil {
		return ""
	}
	var b strings.Builder
	for c := block.FirstChild(); c != nil; c = c.NextSibling() {
		if txt, ok := c.(*ast.Text); ok {
			b.Write(txt.Segment.Value(source))
		}
	}
	return b.String()
}

// Checklist watches the heartbeat checklist file and re-parses it lazily:
// a change only marks the checklist dirty, the heartbeat picks the new
// state up at the start of its next tick, never mid-tick.
type Checklist struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	toggles Toggles
	dirty   bool
	watched bool
	modTime time.Time
}

// NewChecklist loads the file once (missing file means defaults).
func NewChecklist(path string, logger *slog.Logger) *Checklist {
	c := &Checklist{path: path, logger: logger, toggles: DefaultToggles(), dirty: true}
	c.Reload()
	return c
}

// Watch starts the change watcher. When the watcher cannot be created the
// checklist falls back to modtime polling inside Reload.
func (c *Checklist) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// registered on the path itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return err
	}

	c.mu.Lock()
	c.watched = true
	c.mu.Unlock()

	go func() {
		defer watcher.Close()
		base := filepath.Base(c.path)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					c.mu.Lock()
					c.dirty = true
					c.mu.Unlock()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Checklist watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reload re-parses the file if it changed and returns the current toggles.
// Called at tick start.
func (c *Checklist) Reload() Toggles {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.watched && !c.dirty {
		// Polling fallback: compare modtime.
		if fi, err := os.Stat(c.path); err == nil && !fi.ModTime().Equal(c.modTime) {
			c.dirty = true
		}
	}
	if !c.dirty {
		return c.toggles
	}
	c.dirty = false

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Checklist unreadable, keeping previous toggles", "path", c.path, "error", err)
			return c.toggles
		}
		c.toggles = DefaultToggles()
		c.modTime = time.Time{}
		return c.toggles
	}
	if fi, err := os.Stat(c.path); err == nil {
		c.modTime = fi.ModTime()
	}
	c.toggles = ParseChecklist(data)
	c.logger.Debug("Checklist reloaded", "path", c.path)
	return c.toggles
}
