package awc

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/arctek/awc/agents"
	"github.com/arctek/awc/bus"
	"github.com/arctek/awc/gate"
	"github.com/arctek/awc/internal/db"
	"github.com/arctek/awc/kanban"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// initRepo builds a throwaway repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "seed")
	return dir
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return db.NewStore(d)
}

// scriptedRunner substitutes the agent subprocess in tests.
type scriptedRunner struct {
	fn func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error)
}

func (r *scriptedRunner) Run(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
	return r.fn(spec, onLine)
}

// harness bundles a wired orchestrator around one project with a real repo.
type harness struct {
	cfg     Config
	store   *db.Store
	hub     *bus.Hub
	orch    *Orchestrator
	project *kanban.Project
	repo    string
}

func newHarness(t *testing.T, runner agents.Runner) *harness {
	t.Helper()
	repo := initRepo(t)
	store := newTestStore(t)
	hub := bus.NewHub(testLogger(), nil)
	t.Cleanup(hub.Close)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.AgentTimeout = time.Minute
	cfg.Gate = GateConfig{
		TypeCheck: []string{"/bin/sh", "-c", "true"},
		Lint:      []string{"/bin/sh", "-c", "true"},
		Test:      []string{"/bin/sh", "-c", "true"},
	}
	if err := os.MkdirAll(cfg.SkillsDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.SkillsDir(), "general.md"), []byte("# general\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	project := &kanban.Project{Name: "alpha", RepoPath: repo}
	if err := store.CreateProject(project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	gates := gate.NewRunner(cfg.Gate.Commands(), time.Minute, testLogger())
	orch := NewOrchestrator(cfg, store, hub, runner, agents.NewRegistry(nil), gates, testLogger())
	return &harness{cfg: cfg, store: store, hub: hub, orch: orch, project: project, repo: repo}
}

func (h *harness) newCard(t *testing.T, title string) *kanban.KanbanCard {
	t.Helper()
	card := &kanban.KanbanCard{ProjectID: h.project.ID, Title: title, Description: "do the thing"}
	if err := h.store.CreateCard(card); err != nil {
		t.Fatalf("create card: %v", err)
	}
	return card
}

// waitForSupervisors blocks until the orchestrator has no live runs.
func (h *harness) waitForSupervisors(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.LiveSupervisorCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("supervisors still live after 10s")
}

func newGateRunner(t *testing.T, cfg Config) *gate.Runner {
	t.Helper()
	return gate.NewRunner(cfg.Gate.Commands(), time.Minute, testLogger())
}

// succeedingAgent writes a change into the worktree and exits clean.
func succeedingAgent() agents.Runner {
	return &scriptedRunner{fn: func(spec agents.RunSpec, onLine func(agents.Line)) (*agents.Result, error) {
		if onLine != nil {
			onLine(agents.Line{Stream: agents.StreamStdout, Text: "working"})
			onLine(agents.Line{Stream: agents.StreamStdout, Text: agents.DoneMarker})
		}
		err := os.WriteFile(filepath.Join(spec.WorkDir, "change.txt"), []byte("done\n"), 0o644)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		return &agents.Result{SawDone: true, StartedAt: now, FinishedAt: now, Duration: time.Second}, nil
	}}
}
