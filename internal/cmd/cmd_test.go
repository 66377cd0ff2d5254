package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/laprincesa/almabot/internal/api"
	"github.com/laprincesa/almabot/internal/config"
	"github.com/laprincesa/almabot/internal/connection/connectiontest"
	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/lifecycle"
	"github.com/laprincesa/almabot/internal/logging"
	"github.com/laprincesa/almabot/internal/pairing"
	"github.com/laprincesa/almabot/internal/session"
	"github.com/laprincesa/almabot/internal/testutil"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "almabot" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "almabot")
	}

	expectedCmds := []string{"serve", "status", "restart", "qr", "lock", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.Dir = "/srv/almabot/session"
	cfg.Session.LockRefreshInterval = 20 * time.Millisecond
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Lifecycle.HeartbeatInterval = 0
	cfg.Pairing.Terminal = false
	return cfg
}

func testDeps(fsys afero.Fs, f *connectiontest.Factory) serveDeps {
	return serveDeps{
		fs:      fsys,
		logger:  logging.NopLogger(),
		stdout:  new(bytes.Buffer),
		factory: f,
	}
}

func TestServe_ExitsWhenSessionLocked(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	if _, err := session.Acquire(cfg.Session.Dir, session.Options{Fs: fsys}); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	f := &connectiontest.Factory{}
	err := serve(context.Background(), cfg, testDeps(fsys, f))
	if !errors.Is(err, errors.ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("lock contention should be fatal")
	}
	if f.Count() != 0 {
		t.Error("a connection was started without the lock")
	}
}

func TestServe_RunsUntilCanceled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	f := &connectiontest.Factory{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, testDeps(fsys, f)) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return f.Count() == 1 }, "session started")
	lockPath := filepath.Join(cfg.Session.Dir, session.LockFileName)
	if exists, _ := afero.Exists(fsys, lockPath); !exists {
		t.Error("lock file missing while serving")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if !f.Last().Destroyed() {
		t.Error("connection not destroyed on shutdown")
	}
	if exists, _ := afero.Exists(fsys, lockPath); exists {
		t.Error("lock not released on shutdown")
	}
}

func TestServe_RemovesPairingImageOnShutdown(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.Pairing.ImageFile = "/srv/almabot/qr.png"
	f := &connectiontest.Factory{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, testDeps(fsys, f)) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return f.Count() == 1 }, "session started")
	f.Last().Pairing("2@serve")
	testutil.Eventually(t, 2*time.Second, func() bool {
		exists, _ := afero.Exists(fsys, cfg.Pairing.ImageFile)
		return exists
	}, "pairing image written")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if exists, _ := afero.Exists(fsys, cfg.Pairing.ImageFile); exists {
		t.Error("pairing image left on disk after shutdown")
	}
}

func TestServe_ShutsDownWhenLockLost(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := testConfig()
	f := &connectiontest.Factory{}

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg, testDeps(fsys, f)) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return f.Count() == 1 }, "session started")
	if err := fsys.Remove(filepath.Join(cfg.Session.Dir, session.LockFileName)); err != nil {
		t.Fatalf("remove lock: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, errors.ErrLockNotHeld) {
			t.Errorf("expected ErrLockNotHeld, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept running without its lock")
	}
}

type fakeController struct {
	status   lifecycle.Status
	artifact *pairing.Artifact
}

func (f *fakeController) Status() lifecycle.Status { return f.status }

func (f *fakeController) Pairing() (pairing.Artifact, bool) {
	if f.artifact == nil {
		return pairing.Artifact{}, false
	}
	return *f.artifact, true
}

func (f *fakeController) ProbeState(context.Context) (string, error) {
	return "CONNECTED", nil
}

func (f *fakeController) Restart(context.Context) error { return nil }

func newControlServer(t *testing.T, ctrl api.Controller) string {
	t.Helper()
	s, err := api.NewServer(api.ServerOptions{Controller: ctrl})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestStatusCommand(t *testing.T) {
	url := newControlServer(t, &fakeController{status: lifecycle.Status{
		State:      lifecycle.StateConnected,
		Connected:  true,
		Since:      time.Now().Add(-time.Minute),
		Generation: 2,
	}})

	out, err := executeCommand(rootCmd, "status", "--addr", url, "--json=false")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"CONNECTED", "Generation:", "2"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand(rootCmd, "status", "--addr", url, "--json")
	if err != nil {
		t.Fatalf("status --json failed: %v", err)
	}
	if !strings.Contains(out, `"state": "CONNECTED"`) {
		t.Errorf("unexpected JSON output:\n%s", out)
	}
}

func TestStatusCommand_Unreachable(t *testing.T) {
	_, err := executeCommand(rootCmd, "status", "--addr", "127.0.0.1:1", "--json=false")
	if err == nil || !strings.Contains(err.Error(), "failed to reach almabot") {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestRestartCommand(t *testing.T) {
	url := newControlServer(t, &fakeController{})

	out, err := executeCommand(rootCmd, "restart", "--addr", url)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if !strings.Contains(out, "Restarted") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestQRCommand(t *testing.T) {
	url := newControlServer(t, &fakeController{
		status:   lifecycle.Status{State: lifecycle.StateAwaitingPairing, HasPendingPairing: true},
		artifact: &pairing.Artifact{Raw: "2@abc", Image: []byte("png-bytes")},
	})
	path := filepath.Join(t.TempDir(), "pair.png")

	if _, err := executeCommand(rootCmd, "qr", "--addr", url, "--output", path); err != nil {
		t.Fatalf("qr failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("saved image = %q, %v", data, err)
	}

	connected := newControlServer(t, &fakeController{status: lifecycle.Status{Connected: true}})
	out, err := executeCommand(rootCmd, "qr", "--addr", connected, "--output", path)
	if err != nil || !strings.Contains(out, "Already connected") {
		t.Errorf("qr when connected: %q, %v", out, err)
	}
}
