package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"webship/internal/docker"
	"webship/internal/pipeline"
)

// fakeRuntime tracks named containers so tests can assert the at-most-one
// instance invariant.
type fakeRuntime struct {
	containers map[string]string // name -> image
	logs       string
	startErr   error
	removeErr  error
	removed    []string
	started    []docker.RunOptions
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]string)}
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, name)
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) RunContainer(ctx context.Context, opts docker.RunOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	if _, exists := f.containers[opts.Name]; exists {
		return fmt.Errorf("container name %s already in use", opts.Name)
	}
	f.containers[opts.Name] = opts.Image
	f.started = append(f.started, opts)
	return nil
}

func (f *fakeRuntime) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	return f.logs, nil
}

func testController(runtime Runtime, retries int) *Controller {
	return NewController(runtime, time.Millisecond, retries, time.Millisecond)
}

func healthTarget(t *testing.T, srv *httptest.Server) Target {
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}
	return Target{
		Name:          "webship-spa",
		PublishedPort: port,
		ContainerPort: 80,
		HealthPath:    "/",
	}
}

func TestDeployPromoted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	runtime := newFakeRuntime()
	runtime.containers["webship-spa"] = "webship/spa:41" // prior instance

	ctrl := testController(runtime, 3)
	target := healthTarget(t, srv)

	err := ctrl.Deploy(context.Background(), target, "webship/spa:42", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.State() != StatePromoted {
		t.Errorf("state = %v, want %v", ctrl.State(), StatePromoted)
	}
	if len(runtime.containers) != 1 {
		t.Errorf("container count = %d, want exactly 1", len(runtime.containers))
	}
	if runtime.containers["webship-spa"] != "webship/spa:42" {
		t.Errorf("running image = %s, want webship/spa:42", runtime.containers["webship-spa"])
	}
	// The run identifier travels into the container environment
	if got := runtime.started[0].Env["BUILD_NUMBER"]; got != "42" {
		t.Errorf("BUILD_NUMBER env = %q, want 42", got)
	}
}

func TestDeployUnhealthySurfacesDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "crash loop", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	runtime := newFakeRuntime()
	runtime.containers["webship-spa"] = "webship/spa:43"
	runtime.logs = "Error: cannot bind to port 80"

	ctrl := testController(runtime, 3)
	target := healthTarget(t, srv)

	err := ctrl.Deploy(context.Background(), target, "webship/spa:44", 44)
	if err == nil {
		t.Fatal("expected error for unhealthy deployment, got none")
	}

	var ue *pipeline.UnhealthyError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnhealthyError", err)
	}
	if !strings.Contains(ue.Logs, "cannot bind to port 80") {
		t.Errorf("diagnostics = %q, want container logs surfaced", ue.Logs)
	}
	if ue.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ue.Attempts)
	}
	if ctrl.State() != StateRolledBack {
		t.Errorf("state = %v, want %v", ctrl.State(), StateRolledBack)
	}
	// One-way cutover: the old instance is gone, the new unhealthy one
	// remains; never two instances of the same name.
	if len(runtime.containers) != 1 {
		t.Errorf("container count = %d, want exactly 1", len(runtime.containers))
	}
	if runtime.containers["webship-spa"] != "webship/spa:44" {
		t.Errorf("running image = %s; the prior instance must not be restored", runtime.containers["webship-spa"])
	}
}

func TestDeployStartFailureLeavesSlotEmpty(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.containers["webship-spa"] = "webship/spa:41"
	runtime.startErr = errors.New("image not found")

	ctrl := testController(runtime, 1)
	target := Target{Name: "webship-spa", PublishedPort: 3000, ContainerPort: 80, HealthPath: "/"}

	err := ctrl.Deploy(context.Background(), target, "webship/spa:42", 42)
	if err == nil {
		t.Fatal("expected error, got none")
	}
	if ctrl.State() != StateRolledBack {
		t.Errorf("state = %v, want %v", ctrl.State(), StateRolledBack)
	}
	// Removal succeeded, start failed: zero instances still satisfies the
	// at-most-one invariant.
	if len(runtime.containers) != 0 {
		t.Errorf("container count = %d, want 0", len(runtime.containers))
	}
}

func TestDeployNoPriorInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	runtime := newFakeRuntime()
	ctrl := testController(runtime, 2)
	target := healthTarget(t, srv)

	if err := ctrl.Deploy(context.Background(), target, "webship/spa:1", 1); err != nil {
		t.Fatalf("absence of a prior instance must not be an error: %v", err)
	}
	if ctrl.State() != StatePromoted {
		t.Errorf("state = %v, want %v", ctrl.State(), StatePromoted)
	}
}

func TestDeployProbeRetriesUntilHealthy(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	runtime := newFakeRuntime()
	ctrl := testController(runtime, 5)
	target := healthTarget(t, srv)

	if err := ctrl.Deploy(context.Background(), target, "webship/spa:2", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("probe attempts = %d, want 3", attempts)
	}
}
