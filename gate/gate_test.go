package gate

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arctek/awc/kanban"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sh(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestStaticAllPass(t *testing.T) {
	r := NewRunner(Commands{
		TypeCheck: sh("echo tsc ok"),
		Lint:      sh("echo lint ok"),
		Test:      sh("echo tests ok"),
	}, time.Minute, testLogger())

	res := r.Static(context.Background(), t.TempDir())
	if !res.Passed() {
		t.Fatalf("expected pass: %+v", res)
	}
	if res.TypeCheck.Output != "tsc ok\n" {
		t.Errorf("type-check output = %q", res.TypeCheck.Output)
	}
	if s := res.FailureSummary(); s != "" {
		t.Errorf("passing result has failure summary %q", s)
	}
}

func TestStaticCapturesFailure(t *testing.T) {
	r := NewRunner(Commands{
		TypeCheck: sh("echo ok"),
		Lint:      sh("echo 'main.go:3: unused variable'; exit 2"),
		Test:      sh("echo ok"),
	}, time.Minute, testLogger())

	res := r.Static(context.Background(), t.TempDir())
	if res.Passed() {
		t.Fatal("expected failure")
	}
	if res.Lint.ExitCode != 2 {
		t.Errorf("lint exit = %d, want 2", res.Lint.ExitCode)
	}
	summary := res.FailureSummary()
	if summary == "" || !contains(summary, "lint exited 2") {
		t.Errorf("summary = %q", summary)
	}
}

func TestStaticEnforcesPerCommandDeadline(t *testing.T) {
	r := NewRunner(Commands{
		Test: sh("sleep 30"),
	}, 200*time.Millisecond, testLogger())

	res := r.Static(context.Background(), t.TempDir())
	if !res.Test.TimedOut {
		t.Fatal("test command should be marked timed out")
	}
	if res.Passed() {
		t.Error("timed-out check must fail the gate")
	}
	if !contains(res.FailureSummary(), "timed out") {
		t.Errorf("summary = %q", res.FailureSummary())
	}
}

func TestStaticEmptyCommandsPass(t *testing.T) {
	r := NewRunner(Commands{}, time.Minute, testLogger())
	if res := r.Static(context.Background(), t.TempDir()); !res.Passed() {
		t.Errorf("empty command set should pass: %+v", res)
	}
}

func TestStaticSanitisesEnvironment(t *testing.T) {
	t.Setenv("AWC_SECRET_TOKEN", "hunter2")
	r := NewRunner(Commands{
		Test: sh(`test -z "$AWC_SECRET_TOKEN"`),
	}, time.Minute, testLogger())

	if res := r.Static(context.Background(), t.TempDir()); !res.Passed() {
		t.Errorf("gate command saw a non-allow-listed variable: %+v", res.Test)
	}
}

func TestVerificationConversion(t *testing.T) {
	res := StaticResult{
		TypeCheck: CheckOutput{Output: "tsc out"},
		Lint:      CheckOutput{Output: "lint out", ExitCode: 1},
		Test:      CheckOutput{Output: "test out", TimedOut: true},
	}
	v := res.Verification("card-1", kanban.GateBranch, "awc/card-abcd1234")
	if v.Passed {
		t.Error("verification should carry the failure")
	}
	if v.Gate != kanban.GateBranch || v.BranchName != "awc/card-abcd1234" {
		t.Errorf("gate/branch = %v/%q", v.Gate, v.BranchName)
	}
	if !v.TestTimedOut || v.TSCTimedOut {
		t.Errorf("timed-out flags wrong: %+v", v)
	}
}

func writeSkill(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("# skill\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func gitDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPreflight(t *testing.T) {
	repo := gitDir(t)
	skills := t.TempDir()
	writeSkill(t, skills, "general.md")

	ok := &kanban.KanbanCard{ID: "c1", Title: "Fix parser", Description: "guard nil input"}
	if err := Preflight(ok, repo, skills); err != nil {
		t.Errorf("valid card rejected: %v", err)
	}

	cases := []struct {
		name string
		card *kanban.KanbanCard
		repo string
		kind kanban.Kind
	}{
		{"no title", &kanban.KanbanCard{ID: "c2", Description: "x"}, repo, kanban.KindValidation},
		{"no description or context", &kanban.KanbanCard{ID: "c3", Title: "t"}, repo, kanban.KindValidation},
		{"agent already running", &kanban.KanbanCard{ID: "c4", Title: "t", Description: "d", AgentStatus: kanban.AgentRunning}, repo, kanban.KindConflict},
		{"not a git checkout", ok, t.TempDir(), kanban.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Preflight(tc.card, tc.repo, skills)
			if !kanban.IsKind(err, tc.kind) {
				t.Errorf("err = %v, want kind %s", err, tc.kind)
			}
		})
	}
}

func TestPreflightRequiresSkillMatch(t *testing.T) {
	repo := gitDir(t)
	empty := t.TempDir()
	card := &kanban.KanbanCard{ID: "c1", Title: "Fix parser", Description: "d"}
	if err := Preflight(card, repo, empty); !kanban.IsKind(err, kanban.KindValidation) {
		t.Errorf("card with no skill match accepted: %v", err)
	}
}

func TestMatchSkills(t *testing.T) {
	skills := t.TempDir()
	writeSkill(t, skills, "general.md")
	writeSkill(t, skills, "parsing.md")
	writeSkill(t, skills, "frontend.md")

	card := &kanban.KanbanCard{
		Title:  "Harden the parsing layer",
		Labels: []string{"agent:backend"},
	}
	got := MatchSkills(card, skills)
	if len(got) != 2 {
		t.Fatalf("matched %d skills %v, want 2", len(got), got)
	}
	for _, p := range got {
		base := filepath.Base(p)
		if base != "general.md" && base != "parsing.md" {
			t.Errorf("unexpected match %s", base)
		}
	}
}

func TestHarvestMetrics(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"main.ts":        "const x: any = load();\nconst y = z as any;\n",
		"util.go":        "package util\n\nfunc F(v interface{}) {}\n",
		"util_test.go":   "package util\n",
		"api.test.ts":    "it('works', () => {})\n",
		"README.md":      "not source\n",
		".git/config":    "ignored\n",
		"vendor/dep.go":  "package dep\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRunner(Commands{
		Lint: sh("echo 'main.ts:1 warning no-explicit-any'; echo 'util.go:3 error unused'"),
	}, time.Minute, testLogger())

	m, err := r.HarvestMetrics(context.Background(), dir)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if m.SourceFiles != 4 {
		t.Errorf("sourceFiles = %d, want 4", m.SourceFiles)
	}
	if m.TestFiles != 2 {
		t.Errorf("testFiles = %d, want 2", m.TestFiles)
	}
	if m.AnyEscapes != 3 {
		t.Errorf("anyEscapes = %d, want 3", m.AnyEscapes)
	}
	if m.LintWarnings != 1 || m.LintErrors != 1 {
		t.Errorf("lint counts = %d/%d, want 1/1", m.LintWarnings, m.LintErrors)
	}
	if m.CapturedAt.IsZero() {
		t.Error("capturedAt not set")
	}
}

func TestCountLintFindings(t *testing.T) {
	warnings, errors := countLintFindings("a.go:1 warning x\nb.go:2 Error: y\nplain line\n")
	if warnings != 1 || errors != 1 {
		t.Errorf("got %d/%d, want 1/1", warnings, errors)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
