// Package internal contains integration tests that run the session lock,
// store, bridge driver, lifecycle controller, event bus outputs and HTTP
// control surface together against an in-process fake bridge.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/laprincesa/almabot/internal/api"
	"github.com/laprincesa/almabot/internal/connection"
	"github.com/laprincesa/almabot/internal/event"
	"github.com/laprincesa/almabot/internal/lifecycle"
	"github.com/laprincesa/almabot/internal/pairing"
	"github.com/laprincesa/almabot/internal/session"
	"github.com/laprincesa/almabot/internal/testutil"
)

const (
	sessionDir = "/srv/almabot/session"
	qrPath     = "/srv/almabot/qr.png"
	waitFor    = 3 * time.Second
)

type stack struct {
	fs     afero.Fs
	lock   *session.Lock
	store  *session.Store
	bridge *testutil.FakeBridge
	ctrl   *lifecycle.Controller
	http   *httptest.Server

	mu     sync.Mutex
	events []string
}

func newStack(t *testing.T) *stack {
	t.Helper()

	s := &stack{fs: afero.NewMemMapFs(), bridge: testutil.NewFakeBridge(t)}

	lock, err := session.Acquire(sessionDir, session.Options{Fs: s.fs})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s.lock = lock
	t.Cleanup(func() { _ = lock.Release() })

	s.store = session.NewStore(s.fs, sessionDir, nil)

	bus := event.NewBus()
	bus.SubscribeAll(func(e event.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, e.EventType())
	})
	pairing.NewFileWriter(s.fs, qrPath, nil).Subscribe(bus)

	ctrl, err := lifecycle.New(lifecycle.Config{
		Factory:    &connection.BridgeFactory{URL: s.bridge.URL(), SessionDir: sessionDir},
		Store:      s.store,
		Bus:        bus,
		RetryDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}
	s.ctrl = ctrl
	t.Cleanup(ctrl.Close)

	server, err := api.NewServer(api.ServerOptions{Controller: ctrl})
	if err != nil {
		t.Fatalf("api.NewServer failed: %v", err)
	}
	s.http = httptest.NewServer(server.Handler())
	t.Cleanup(s.http.Close)

	return s
}

func (s *stack) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

// seed leaves credentials as an earlier pairing would.
func (s *stack) seed(t *testing.T) {
	t.Helper()
	dir := filepath.Join(sessionDir, "Default")
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, "Cookies"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (s *stack) sawEvent(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func (s *stack) conn(t *testing.T, i int) *testutil.BridgeConn {
	t.Helper()
	testutil.Eventually(t, waitFor, func() bool {
		return len(s.bridge.Conns()) > i
	}, "bridge connection")
	return s.bridge.Conns()[i]
}

func TestPairingConnectAndLogout(t *testing.T) {
	s := newStack(t)

	s.seed(t)

	if err := s.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := s.conn(t, 0)
	if first.Generation != "1" {
		t.Errorf("first handle generation = %q, want 1", first.Generation)
	}

	if code, _ := s.get(t, "/pairing-image"); code != http.StatusServiceUnavailable {
		t.Errorf("before pairing: %d, want 503", code)
	}

	// Pairing challenge
	if err := first.Send(testutil.Message{"type": "qr", "qr": "2@integration"}); err != nil {
		t.Fatalf("send qr: %v", err)
	}
	testutil.Eventually(t, waitFor, func() bool {
		code, _ := s.get(t, "/pairing-image")
		return code == http.StatusOK
	}, "pairing image served")

	_, img := s.get(t, "/pairing-image")
	if !bytes.HasPrefix(img, []byte("\x89PNG")) {
		t.Error("pairing image is not a PNG")
	}
	testutil.Eventually(t, waitFor, func() bool {
		exists, _ := afero.Exists(s.fs, qrPath)
		return exists
	}, "qr.png written")

	// Scan accepted
	_ = first.Send(testutil.Message{"type": "authenticated"})
	_ = first.Send(testutil.Message{"type": "ready"})
	testutil.Eventually(t, waitFor, func() bool {
		return s.ctrl.Status().Connected
	}, "connected")

	_, body := s.get(t, "/health")
	var health api.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.OK || !health.Ready || health.PairingPending {
		t.Errorf("health after connect = %+v", health)
	}
	if code, _ := s.get(t, "/pairing-image"); code != http.StatusNoContent {
		t.Errorf("connected: %d, want 204", code)
	}
	testutil.Eventually(t, waitFor, func() bool {
		exists, _ := afero.Exists(s.fs, qrPath)
		return !exists
	}, "qr.png removed after connect")

	_, body = s.get(t, "/state")
	if string(bytes.TrimSpace(body)) != `{"state":"CONNECTED"}` {
		t.Errorf("/state = %s", body)
	}

	// Remote logout: wipe, keep the lock, reconnect
	_ = first.Send(testutil.Message{"type": "disconnected", "reason": "LOGOUT"})
	second := s.conn(t, 1)
	if second.Generation != "2" {
		t.Errorf("second handle generation = %q, want 2", second.Generation)
	}

	hasState, err := s.store.HasState()
	if err != nil || hasState {
		t.Errorf("session not wiped before reconnect: %v, %v", hasState, err)
	}
	if exists, _ := afero.Exists(s.fs, s.lock.Path()); !exists {
		t.Error("wipe removed the lock file")
	}
	if err := s.lock.Refresh(); err != nil {
		t.Errorf("lock no longer ours after wipe: %v", err)
	}

	testutil.Eventually(t, waitFor, func() bool {
		return s.sawEvent(event.TypeSessionWiped) && s.sawEvent(event.TypeDisconnected)
	}, "wipe and disconnect events")
}

func TestTransientDisconnectKeepsSession(t *testing.T) {
	s := newStack(t)

	s.seed(t)
	if err := s.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := s.conn(t, 0)
	_ = first.Send(testutil.Message{"type": "ready"})
	testutil.Eventually(t, waitFor, func() bool {
		return s.ctrl.Status().Connected
	}, "connected")

	// Bridge process dies without a disconnect frame
	_ = first.Close()
	s.conn(t, 1)

	hasState, err := s.store.HasState()
	if err != nil || !hasState {
		t.Errorf("transient disconnect wiped the session: %v, %v", hasState, err)
	}
}

func TestRestartOverHTTP(t *testing.T) {
	s := newStack(t)

	if err := s.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.conn(t, 0)

	resp, err := http.Post(s.http.URL+"/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /restart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}

	second := s.conn(t, 1)
	if second.Generation != "2" {
		t.Errorf("restarted handle generation = %q, want 2", second.Generation)
	}
	testutil.Eventually(t, waitFor, func() bool {
		for _, typ := range s.bridge.Received() {
			if typ == "destroy" {
				return true
			}
		}
		return false
	}, "old handle destroyed")
}
