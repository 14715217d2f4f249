package agents

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arctek/awc/kanban"
)

// DoneMarker is the line an agent prints to signal protocol completion.
const DoneMarker = "DONE"

// usagePrefix introduces the optional final stats line, followed by a JSON
// object with model and token counts.
const usagePrefix = "USAGE "

// killGrace is how long a process gets between the graceful and the
// forceful termination signal.
const killGrace = 3 * time.Second

// strippedEnv lists the user-level model credentials that must never reach
// an agent child process. Agents authenticate via their own configuration.
var strippedEnv = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"OPENROUTER_API_KEY",
}

// Stream identifies which pipe a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one line of agent output.
type Line struct {
	Stream Stream
	Text   string
}

// RunSpec describes one agent run.
type RunSpec struct {
	Variant  Variant
	Prompt   string
	WorkDir  string
	Deadline time.Duration
	// SessionID, when set, is exported to the child as AWC_SESSION_ID so
	// resumable agents can pick up where they stopped.
	SessionID string
}

// Result is the outcome of one agent run.
type Result struct {
	ExitCode   int
	TimedOut   bool
	SawDone    bool
	Duration   time.Duration
	Usage      *kanban.TokenUsage
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports the post-run exit decision: clean exit, no deadline. The
// caller still checks for actionable workspace changes.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner is the interface the orchestrator spawns agents through. onLine is
// called for every output line, possibly from two goroutines (one per
// stream); implementations of onLine must be safe for that.
type Runner interface {
	Run(spec RunSpec, onLine func(Line)) (*Result, error)
}

// Spawner launches agent subprocesses with a sanitised environment and a
// hard wall-clock deadline.
type Spawner struct {
	logger      *slog.Logger
	hardCeiling time.Duration
}

// NewSpawner creates a spawner. hardCeiling caps every run's deadline
// regardless of project configuration; zero means 30 minutes.
func NewSpawner(logger *slog.Logger, hardCeiling time.Duration) *Spawner {
	if hardCeiling <= 0 {
		hardCeiling = 30 * time.Minute
	}
	return &Spawner{logger: logger, hardCeiling: hardCeiling}
}

// Run spawns the agent and blocks until it exits or the deadline fires.
// Spawn failures (missing binary, bad workdir) return an error; a run that
// started always returns a Result, with failures encoded in it.
func (s *Spawner) Run(spec RunSpec, onLine func(Line)) (*Result, error) {
	deadline := spec.Deadline
	if deadline <= 0 || deadline > s.hardCeiling {
		deadline = s.hardCeiling
	}

	cmd := exec.Command(spec.Variant.Command, spec.Variant.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = strings.NewReader(spec.Prompt)
	cmd.Env = buildEnv(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, kanban.Externalf("", err, "failed to start agent %s", spec.Variant.Name)
	}

	s.logger.Info("Agent spawned",
		"variant", spec.Variant.Name,
		"pid", cmd.Process.Pid,
		"workdir", spec.WorkDir,
		"deadline", deadline)

	res := &Result{StartedAt: start}
	var mu sync.Mutex // guards res.SawDone and res.Usage from the stream goroutines

	var wg sync.WaitGroup
	scan := func(r io.Reader, stream Stream) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			text := sc.Text()
			if stream == StreamStdout {
				mu.Lock()
				if strings.TrimSpace(text) == DoneMarker {
					res.SawDone = true
				}
				if u := parseUsage(text); u != nil {
					res.Usage = u
				}
				mu.Unlock()
			}
			if onLine != nil {
				onLine(Line{Stream: stream, Text: text})
			}
		}
	}
	wg.Add(2)
	go scan(stdout, StreamStdout)
	go scan(stderr, StreamStderr)

	// Deadline timer: graceful signal first, forceful after killGrace.
	timedOut := make(chan struct{})
	timer := time.AfterFunc(deadline, func() {
		close(timedOut)
		s.logger.Warn("Agent deadline expired, terminating",
			"variant", spec.Variant.Name, "pid", cmd.Process.Pid)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(killGrace, func() {
			_ = cmd.Process.Kill()
		})
	})
	defer timer.Stop()

	wg.Wait()
	waitErr := cmd.Wait()

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(start)
	select {
	case <-timedOut:
		res.TimedOut = true
	default:
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}

	s.logger.Info("Agent exited",
		"variant", spec.Variant.Name,
		"exit", res.ExitCode,
		"timedOut", res.TimedOut,
		"done", res.SawDone,
		"duration", res.Duration.Round(time.Second))

	return res, nil
}

// buildEnv returns the parent environment with model credentials stripped,
// plus the variant extras and the session id.
func buildEnv(spec RunSpec) []string {
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if isStripped(kv) {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, spec.Variant.ExtraEnv...)
	if spec.SessionID != "" {
		env = append(env, "AWC_SESSION_ID="+spec.SessionID)
	}
	return env
}

func isStripped(kv string) bool {
	for _, key := range strippedEnv {
		if strings.HasPrefix(kv, key+"=") {
			return true
		}
	}
	return false
}

// parseUsage decodes the agent's optional final stats line.
func parseUsage(line string) *kanban.TokenUsage {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, usagePrefix) {
		return nil
	}
	var u kanban.TokenUsage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(trimmed, usagePrefix)), &u); err != nil {
		return nil
	}
	if u.Model == "" {
		return nil
	}
	return &u
}
