// Package gate implements the quality-gate pipeline: preflight checks on a
// card before an agent is spawned, bounded static checks on a worktree, a
// behavioural smoke run against a live server, and codebase metric
// harvesting. Gates return structured results and never raise; a failing
// command is a failing gate, not an error.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/arctek/awc/kanban"
)

// DefaultCommandTimeout bounds each static-check command.
const DefaultCommandTimeout = 120 * time.Second

// envAllowList names the parent environment variables a gate command may
// inherit. Everything else is dropped so gate runs stay independent of the
// operator's shell.
var envAllowList = []string{"PATH", "HOME", "LANG", "TMPDIR", "TERM", "USER", "SHELL"}

// Commands holds the argv for each static check. Empty commands are skipped
// and treated as passing.
type Commands struct {
	TypeCheck []string
	Lint      []string
	Test      []string
}

// CheckOutput is the captured result of one bounded command.
type CheckOutput struct {
	Output   string
	ExitCode int
	TimedOut bool
}

// Passed reports whether the command exited clean within its deadline.
func (c CheckOutput) Passed() bool {
	return c.ExitCode == 0 && !c.TimedOut
}

// StaticResult is the outcome of the type-check / lint / test trio, used by
// both the branch gate and the post-merge gate.
type StaticResult struct {
	TypeCheck CheckOutput
	Lint      CheckOutput
	Test      CheckOutput
}

// Passed reports whether every check passed.
func (r StaticResult) Passed() bool {
	return r.TypeCheck.Passed() && r.Lint.Passed() && r.Test.Passed()
}

// Verification converts the result into the transient record attached to
// cards and the audit log.
func (r StaticResult) Verification(cardID string, gate kanban.GateName, branch string) *kanban.VerificationResult {
	return &kanban.VerificationResult{
		CardID:       cardID,
		Gate:         gate,
		Passed:       r.Passed(),
		TSCOutput:    r.TypeCheck.Output,
		LintOutput:   r.Lint.Output,
		TestOutput:   r.Test.Output,
		TSCTimedOut:  r.TypeCheck.TimedOut,
		LintTimedOut: r.Lint.TimedOut,
		TestTimedOut: r.Test.TimedOut,
		BranchName:   branch,
		Timestamp:    kanban.Now(),
	}
}

// FailureSummary returns the first failing check's name and output tail.
func (r StaticResult) FailureSummary() string {
	for _, c := range []struct {
		name string
		out  CheckOutput
	}{
		{"type-check", r.TypeCheck},
		{"lint", r.Lint},
		{"test", r.Test},
	} {
		if !c.out.Passed() {
			if c.out.TimedOut {
				return c.name + " timed out"
			}
			return fmt.Sprintf("%s exited %d: %s", c.name, c.out.ExitCode, tail(c.out.Output, 500))
		}
	}
	return ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// Runner executes gates against working directories.
type Runner struct {
	cmds    Commands
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a gate runner. A non-positive timeout falls back to
// DefaultCommandTimeout.
func NewRunner(cmds Commands, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Runner{cmds: cmds, timeout: timeout, logger: logger}
}

// Static runs the type-check, lint and test commands in dir, each under its
// own deadline, and captures their output verbatim.
func (r *Runner) Static(ctx context.Context, dir string) StaticResult {
	return StaticResult{
		TypeCheck: r.runBounded(ctx, dir, r.cmds.TypeCheck, nil),
		Lint:      r.runBounded(ctx, dir, r.cmds.Lint, nil),
		Test:      r.runBounded(ctx, dir, r.cmds.Test, nil),
	}
}

// runBounded executes one command with the sanitised environment plus
// extraEnv, returning captured output and the timedOut flag.
func (r *Runner) runBounded(ctx context.Context, dir string, argv, extraEnv []string) CheckOutput {
	if len(argv) == 0 {
		return CheckOutput{}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(sanitizedEnv(), extraEnv...)
	out, err := cmd.CombinedOutput()

	res := CheckOutput{Output: string(out)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			if res.Output == "" {
				res.Output = err.Error()
			}
		}
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	if r.logger != nil {
		r.logger.Debug("Gate command finished",
			"cmd", strings.Join(argv, " "),
			"dir", dir,
			"exit", res.ExitCode,
			"timedOut", res.TimedOut)
	}
	return res
}

// sanitizedEnv reduces the parent environment to the allow-list.
func sanitizedEnv() []string {
	var env []string
	for _, key := range envAllowList {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Preflight is the gate run before an agent is spawned: the card must carry
// a title, a description or saved context, have no agent already on it, and
// match at least one skill. The working tree must be a usable repository.
func Preflight(card *kanban.KanbanCard, repoPath, skillsDir string) error {
	if strings.TrimSpace(card.Title) == "" {
		return kanban.Validationf("card %s has no title", card.ID)
	}
	if strings.TrimSpace(card.Description) == "" && strings.TrimSpace(card.ContextSnapshot) == "" {
		return kanban.Validationf("card %s has neither description nor context", card.ID)
	}
	if card.AgentStatus == kanban.AgentRunning {
		return kanban.Conflictf("card %s already has a running agent", card.ID)
	}
	if fi, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil || !fi.IsDir() {
		return kanban.Validationf("project repo %s is not a git checkout", repoPath)
	}
	if len(MatchSkills(card, skillsDir)) == 0 {
		return kanban.Validationf("card %s matches no skill", card.ID)
	}
	return nil
}

// MatchSkills returns the skill documents relevant to a card. Skills are
// human-authored markdown files under skillsDir; a skill matches when its
// filename contains one of the card's labels or a word from its title.
// Deliberately shallow: the skills are prompts, not a model.
func MatchSkills(card *kanban.KanbanCard, skillsDir string) []string {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return nil
	}

	var needles []string
	for _, l := range card.Labels {
		needles = append(needles, strings.ToLower(strings.TrimPrefix(l, "agent:")))
	}
	for _, w := range strings.Fields(strings.ToLower(card.Title)) {
		if len(w) >= 3 {
			needles = append(needles, w)
		}
	}

	var matched []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		stem := strings.ToLower(strings.TrimSuffix(name, ".md"))
		if stem == "general" {
			matched = append(matched, filepath.Join(skillsDir, name))
			continue
		}
		for _, n := range needles {
			if strings.Contains(stem, n) || strings.Contains(n, stem) {
				matched = append(matched, filepath.Join(skillsDir, name))
				break
			}
		}
	}
	return matched
}
