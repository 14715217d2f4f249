package agents

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arctek/awc/kanban"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// shellVariant builds a variant that runs an inline shell script.
func shellVariant(script string) Variant {
	return Variant{Name: "test", Command: "/bin/sh", Args: []string{"-c", script}}
}

func collectLines(t *testing.T) (func(Line), func() []Line) {
	t.Helper()
	var mu sync.Mutex
	var lines []Line
	return func(l Line) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		}, func() []Line {
			mu.Lock()
			defer mu.Unlock()
			return append([]Line(nil), lines...)
		}
}

func TestRunStreamsLinesAndDetectsDone(t *testing.T) {
	s := NewSpawner(testLogger(), time.Minute)
	onLine, got := collectLines(t)

	res, err := s.Run(RunSpec{
		Variant: shellVariant(`echo "editing file"; echo "oops" >&2; echo DONE`),
		WorkDir: t.TempDir(),
	}, onLine)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success() {
		t.Fatalf("result not success: %+v", res)
	}
	if !res.SawDone {
		t.Error("DONE marker not detected")
	}

	var stdout, stderr int
	for _, l := range got() {
		switch l.Stream {
		case StreamStdout:
			stdout++
		case StreamStderr:
			stderr++
		}
	}
	if stdout != 2 || stderr != 1 {
		t.Errorf("stdout=%d stderr=%d, want 2/1", stdout, stderr)
	}
}

func TestRunReportsExitCode(t *testing.T) {
	s := NewSpawner(testLogger(), time.Minute)
	res, err := s.Run(RunSpec{
		Variant: shellVariant(`echo "partial work"; exit 3`),
		WorkDir: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
	if res.Success() {
		t.Error("non-zero exit must not be a success")
	}
}

func TestRunEnforcesDeadline(t *testing.T) {
	s := NewSpawner(testLogger(), time.Minute)
	start := time.Now()
	res, err := s.Run(RunSpec{
		Variant:  shellVariant(`echo started; sleep 30`),
		WorkDir:  t.TempDir(),
		Deadline: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("run should be marked timed out")
	}
	if res.Success() {
		t.Error("timed-out run must not be a success")
	}
	// Graceful signal should land well before the 3 s forceful follow-up.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestRunStripsModelCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-secret")
	t.Setenv("OPENAI_API_KEY", "sk-secret-2")
	t.Setenv("AWC_KEEP_ME", "yes")

	s := NewSpawner(testLogger(), time.Minute)
	onLine, got := collectLines(t)
	res, err := s.Run(RunSpec{
		Variant:   shellVariant(`env`),
		WorkDir:   t.TempDir(),
		SessionID: "sess-1",
	}, onLine)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("env exited %d", res.ExitCode)
	}

	var sawKeep, sawSession bool
	for _, l := range got() {
		if strings.HasPrefix(l.Text, "ANTHROPIC_API_KEY=") || strings.HasPrefix(l.Text, "OPENAI_API_KEY=") {
			t.Errorf("credential leaked into child env: %s", l.Text)
		}
		if l.Text == "AWC_KEEP_ME=yes" {
			sawKeep = true
		}
		if l.Text == "AWC_SESSION_ID=sess-1" {
			sawSession = true
		}
	}
	if !sawKeep {
		t.Error("unrelated env var was stripped")
	}
	if !sawSession {
		t.Error("session id not exported")
	}
}

func TestRunParsesUsageLine(t *testing.T) {
	s := NewSpawner(testLogger(), time.Minute)
	res, err := s.Run(RunSpec{
		Variant: shellVariant(`echo 'USAGE {"model":"sonnet","inputTokens":120,"outputTokens":45,"costUsd":0.02}'; echo DONE`),
		WorkDir: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Usage == nil {
		t.Fatal("usage line not parsed")
	}
	if res.Usage.Model != "sonnet" || res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 45 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestParseUsageRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"USAGE not json",
		"USAGE {}",
		"plain line",
	} {
		if u := parseUsage(line); u != nil {
			t.Errorf("parseUsage(%q) = %+v, want nil", line, u)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry([]Variant{{Name: "mine", Command: "/usr/bin/mine"}})

	v, err := r.Resolve("")
	if err != nil || v.Name != DefaultVariant {
		t.Errorf("empty name resolved to %q, err=%v", v.Name, err)
	}
	if v, err = r.Resolve("MINE"); err != nil || v.Command != "/usr/bin/mine" {
		t.Errorf("custom variant lookup failed: %+v, %v", v, err)
	}
	if _, err = r.Resolve("nope"); !kanban.IsKind(err, kanban.KindValidation) {
		t.Errorf("unknown variant error = %v", err)
	}
}

func TestBuildPromptIncludesCorrectionsAndMarker(t *testing.T) {
	card := &kanban.KanbanCard{Title: "Add null-guard", Description: "Guard the parser", ContextSnapshot: "left off at lexer.go"}
	prompt := BuildPrompt(card, []kanban.SteeringCorrection{
		{Correction: "never use panics for control flow", Domain: kanban.CorrectionCodePattern},
	}, []string{"parsing"})

	for _, want := range []string{"Add null-guard", "Guard the parser", "left off at lexer.go", "never use panics", "DONE", "parsing"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
