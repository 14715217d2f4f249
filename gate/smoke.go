package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// smokeStartupTimeout bounds how long the server gets to answer its health
// endpoint after launch.
const smokeStartupTimeout = 30 * time.Second

// smokeTeardownGrace is the window between the graceful and forceful stop
// signals at the end of a smoke run.
const smokeTeardownGrace = 3 * time.Second

// SmokeConfig describes how to build and launch the project under test.
type SmokeConfig struct {
	Build []string // build command argv; empty skips the build step
	Serve []string // server command argv; receives PORT and AWC_DATA_DIR

	// Script is the fixed sequence of API calls to exercise. Empty uses
	// DefaultSmokeScript.
	Script []SmokeStep
}

// SmokeStep is one scripted API call with its assertions.
type SmokeStep struct {
	Name       string
	Method     string
	Path       string
	Body       string
	WantStatus int
	// WantField, when set, must be a top-level key of the JSON response.
	WantField string
}

// DefaultSmokeScript exercises a health read, a resource write, and a read
// of what was written.
func DefaultSmokeScript() []SmokeStep {
	return []SmokeStep{
		{Name: "health", Method: http.MethodGet, Path: "/api/health", WantStatus: http.StatusOK, WantField: "ok"},
		{Name: "write-project", Method: http.MethodPost, Path: "/api/projects",
			Body: `{"name":"smoke probe"}`, WantStatus: http.StatusCreated, WantField: "data"},
		{Name: "read-projects", Method: http.MethodGet, Path: "/api/projects", WantStatus: http.StatusOK, WantField: "data"},
	}
}

// SmokeFailure is one failed assertion from the smoke script.
type SmokeFailure struct {
	Test     string `json:"test"`
	Expected string `json:"expected"`
	Got      string `json:"got,omitempty"`
}

// SmokeResult is the outcome of the behavioural smoke gate.
type SmokeResult struct {
	Passed      bool
	BuildOutput string
	ServerLog   string
	Failures    []SmokeFailure
	Duration    time.Duration
}

// Summary renders the failures for card and audit attachment.
func (r SmokeResult) Summary() string {
	if r.Passed {
		return "smoke passed"
	}
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, fmt.Sprintf("%s: expected %s", f.Test, f.Expected))
	}
	return "smoke failed: " + strings.Join(parts, "; ")
}

// Smoke builds the project in dir, starts its server on a free high port
// with an isolated data directory, waits for the health endpoint, runs the
// scripted API calls, and tears the server down.
func (r *Runner) Smoke(ctx context.Context, dir, dataDir string, cfg SmokeConfig) SmokeResult {
	start := time.Now()
	res := SmokeResult{}
	script := cfg.Script
	if len(script) == 0 {
		script = DefaultSmokeScript()
	}

	if len(cfg.Build) > 0 {
		build := r.runBounded(ctx, dir, cfg.Build, nil)
		res.BuildOutput = build.Output
		if !build.Passed() {
			res.Failures = append(res.Failures, SmokeFailure{
				Test:     "build",
				Expected: "build command exits 0",
				Got:      fmt.Sprintf("exit %d", build.ExitCode),
			})
			res.Duration = time.Since(start)
			return res
		}
	}

	if len(cfg.Serve) == 0 {
		res.Failures = append(res.Failures, SmokeFailure{Test: "server-start", Expected: "a serve command is configured"})
		res.Duration = time.Since(start)
		return res
	}

	port, err := freePort()
	if err != nil {
		res.Failures = append(res.Failures, SmokeFailure{Test: "server-start", Expected: "a free port", Got: err.Error()})
		res.Duration = time.Since(start)
		return res
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		res.Failures = append(res.Failures, SmokeFailure{Test: "server-start", Expected: "writable data dir", Got: err.Error()})
		res.Duration = time.Since(start)
		return res
	}

	cmd := exec.Command(cfg.Serve[0], cfg.Serve[1:]...)
	cmd.Dir = dir
	cmd.Env = append(sanitizedEnv(),
		fmt.Sprintf("PORT=%d", port),
		"AWC_DATA_DIR="+dataDir,
	)
	var log strings.Builder
	cmd.Stdout = &log
	cmd.Stderr = &log

	if err := cmd.Start(); err != nil {
		res.Failures = append(res.Failures, SmokeFailure{Test: "server-start", Expected: "server process starts", Got: err.Error()})
		res.Duration = time.Since(start)
		return res
	}
	defer func() {
		stopServer(cmd)
		res.ServerLog = log.String()
		res.Duration = time.Since(start)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{Timeout: 5 * time.Second}

	if !waitHealthy(ctx, client, base+"/api/health") {
		res.Failures = append(res.Failures, SmokeFailure{
			Test:     "server-start",
			Expected: "/api/health returns 200",
		})
		return res
	}

	for _, step := range script {
		if fail := runStep(ctx, client, base, step); fail != nil {
			res.Failures = append(res.Failures, *fail)
		}
	}

	res.Passed = len(res.Failures) == 0
	return res
}

// waitHealthy polls the health endpoint until it answers 200 or the startup
// window closes.
func waitHealthy(ctx context.Context, client *http.Client, url string) bool {
	deadline := time.Now().Add(smokeStartupTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

// runStep executes one scripted call, returning nil on success.
func runStep(ctx context.Context, client *http.Client, base string, step SmokeStep) *SmokeFailure {
	var body io.Reader
	if step.Body != "" {
		body = strings.NewReader(step.Body)
	}
	req, err := http.NewRequestWithContext(ctx, step.Method, base+step.Path, body)
	if err != nil {
		return &SmokeFailure{Test: step.Name, Expected: "request builds", Got: err.Error()}
	}
	if step.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return &SmokeFailure{
			Test:     step.Name,
			Expected: fmt.Sprintf("%s %s answers", step.Method, step.Path),
			Got:      err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != step.WantStatus {
		return &SmokeFailure{
			Test:     step.Name,
			Expected: fmt.Sprintf("%s %s returns %d", step.Method, step.Path, step.WantStatus),
			Got:      fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	if step.WantField != "" {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &SmokeFailure{Test: step.Name, Expected: "readable body", Got: err.Error()}
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return &SmokeFailure{Test: step.Name, Expected: "JSON object body", Got: tail(string(data), 200)}
		}
		if _, ok := obj[step.WantField]; !ok {
			return &SmokeFailure{
				Test:     step.Name,
				Expected: fmt.Sprintf("body has field %q", step.WantField),
				Got:      tail(string(data), 200),
			}
		}
	}
	return nil
}

// stopServer terminates the smoke server: graceful signal, then a forceful
// one if it survives the grace window.
func stopServer(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(smokeTeardownGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// freePort asks the kernel for an unused high port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
