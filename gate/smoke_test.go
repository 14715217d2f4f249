package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestRunStepAssertsStatusAndShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			w.Write([]byte(`{"ok":true,"data":{"status":"healthy"}}`))
		case "/api/projects":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte(`{"ok":true,"data":{"id":"p1"}}`))
				return
			}
			w.Write([]byte(`{"ok":true,"data":[]}`))
		case "/broken":
			w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	client := srv.Client()
	ctx := context.Background()

	for _, step := range DefaultSmokeScript() {
		if fail := runStep(ctx, client, srv.URL, step); fail != nil {
			t.Errorf("step %s failed: %+v", step.Name, fail)
		}
	}

	if fail := runStep(ctx, client, srv.URL, SmokeStep{
		Name: "missing", Method: http.MethodGet, Path: "/nope", WantStatus: http.StatusOK,
	}); fail == nil {
		t.Error("404 response should fail a 200 assertion")
	}

	if fail := runStep(ctx, client, srv.URL, SmokeStep{
		Name: "shape", Method: http.MethodGet, Path: "/broken", WantStatus: http.StatusOK, WantField: "ok",
	}); fail == nil {
		t.Error("non-JSON body should fail a shape assertion")
	}
}

func TestSmokeFailsWhenBuildFails(t *testing.T) {
	r := NewRunner(Commands{}, time.Minute, testLogger())
	dir := t.TempDir()
	res := r.Smoke(context.Background(), dir, filepath.Join(dir, ".smoke-data", "t1"), SmokeConfig{
		Build: sh("echo compile error; exit 1"),
		Serve: sh("sleep 60"),
	})
	if res.Passed {
		t.Fatal("failed build must fail the gate")
	}
	if len(res.Failures) != 1 || res.Failures[0].Test != "build" {
		t.Errorf("failures = %+v", res.Failures)
	}
	if !contains(res.BuildOutput, "compile error") {
		t.Errorf("build output = %q", res.BuildOutput)
	}
}

func TestSmokeRequiresServeCommand(t *testing.T) {
	r := NewRunner(Commands{}, time.Minute, testLogger())
	dir := t.TempDir()
	res := r.Smoke(context.Background(), dir, filepath.Join(dir, ".smoke-data", "t2"), SmokeConfig{})
	if res.Passed {
		t.Fatal("missing serve command must fail the gate")
	}
	if res.Failures[0].Test != "server-start" {
		t.Errorf("failures = %+v", res.Failures)
	}
}

func TestSmokeSummary(t *testing.T) {
	res := SmokeResult{Failures: []SmokeFailure{{Test: "server-start", Expected: "/api/health returns 200"}}}
	if got := res.Summary(); !contains(got, "server-start") || !contains(got, "/api/health returns 200") {
		t.Errorf("summary = %q", got)
	}
	if got := (SmokeResult{Passed: true}).Summary(); got != "smoke passed" {
		t.Errorf("summary = %q", got)
	}
}
