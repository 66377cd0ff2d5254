package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/laprincesa/almabot/internal/connection/connectiontest"
	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/lifecycle"
	"github.com/laprincesa/almabot/internal/pairing"
	"github.com/laprincesa/almabot/internal/testutil"
)

type fakeController struct {
	mu         sync.Mutex
	status     lifecycle.Status
	artifact   *pairing.Artifact
	state      string
	probeErr   error
	restartErr error
	restarts   int
}

func (f *fakeController) Status() lifecycle.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Pairing() (pairing.Artifact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.artifact == nil {
		return pairing.Artifact{}, false
	}
	return *f.artifact, true
}

func (f *fakeController) ProbeState(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.probeErr
}

func (f *fakeController) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func newTestServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	s, err := NewServer(ServerOptions{Controller: ctrl})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestNewServer_RequiresController(t *testing.T) {
	if _, err := NewServer(ServerOptions{}); err == nil {
		t.Error("expected error without controller")
	}
}

func TestRoot(t *testing.T) {
	ts := newTestServer(t, &fakeController{})

	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), DefaultBanner) {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}

	resp, _ = get(t, ts.URL+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		status lifecycle.Status
		want   HealthResponse
	}{
		{
			name:   "idle",
			status: lifecycle.Status{State: lifecycle.StateIdle},
			want:   HealthResponse{OK: true},
		},
		{
			name:   "awaiting pairing",
			status: lifecycle.Status{State: lifecycle.StateAwaitingPairing, HasPendingPairing: true},
			want:   HealthResponse{OK: true, PairingPending: true},
		},
		{
			name:   "connected",
			status: lifecycle.Status{State: lifecycle.StateConnected, Connected: true},
			want:   HealthResponse{OK: true, Ready: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeController{status: tt.status})

			resp, body := get(t, ts.URL+"/health")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var got HealthResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("health = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestState(t *testing.T) {
	tests := []struct {
		name       string
		ctrl       *fakeController
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no handle",
			ctrl:       &fakeController{probeErr: errors.ErrNoHandle},
			wantStatus: http.StatusOK,
			wantBody:   `{"state":null}`,
		},
		{
			name:       "live state",
			ctrl:       &fakeController{state: "CONNECTED"},
			wantStatus: http.StatusOK,
			wantBody:   `{"state":"CONNECTED"}`,
		},
		{
			name:       "probe failure",
			ctrl:       &fakeController{probeErr: errors.New("bridge timed out")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"state":"ERROR","error":"bridge timed out"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.ctrl)

			resp, body := get(t, ts.URL+"/state")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := strings.TrimSpace(string(body)); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestPairingImage(t *testing.T) {
	png := []byte("\x89PNG fake")
	tests := []struct {
		name       string
		ctrl       *fakeController
		wantStatus int
		wantBody   []byte
	}{
		{
			name:       "not generated yet",
			ctrl:       &fakeController{status: lifecycle.Status{State: lifecycle.StateInitializing}},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "pending artifact",
			ctrl: &fakeController{
				status:   lifecycle.Status{State: lifecycle.StateAwaitingPairing, HasPendingPairing: true},
				artifact: &pairing.Artifact{Raw: "2@abc", Image: png},
			},
			wantStatus: http.StatusOK,
			wantBody:   png,
		},
		{
			name: "connected",
			ctrl: &fakeController{
				status:   lifecycle.Status{State: lifecycle.StateConnected, Connected: true},
				artifact: &pairing.Artifact{Raw: "2@stale", Image: png},
			},
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		for _, path := range []string{"/pairing-image", "/qr"} {
			t.Run(tt.name+path, func(t *testing.T) {
				ts := newTestServer(t, tt.ctrl)

				resp, body := get(t, ts.URL+path)
				if resp.StatusCode != tt.wantStatus {
					t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
				}
				if tt.wantBody != nil {
					if !bytes.Equal(body, tt.wantBody) {
						t.Errorf("body = %q, want %q", body, tt.wantBody)
					}
					if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
						t.Errorf("Content-Type = %q", ct)
					}
				}
			})
		}
	}
}

func TestRestart(t *testing.T) {
	ok := &fakeController{}
	ts := newTestServer(t, ok)

	resp, err := http.Post(ts.URL+"/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /restart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ok.restarts != 1 {
		t.Errorf("restarts = %d, want 1", ok.restarts)
	}

	resp, _ = get(t, ts.URL+"/restart")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /restart = %d, want 405", resp.StatusCode)
	}

	failing := &fakeController{restartErr: errors.New("bridge unreachable")}
	ts = newTestServer(t, failing)
	resp, err = http.Post(ts.URL+"/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /restart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	var got RestartResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OK || got.Error != "bridge unreachable" {
		t.Errorf("restart response = %+v", got)
	}
}

func TestStatusRoute(t *testing.T) {
	ctrl := &fakeController{status: lifecycle.Status{
		State:        lifecycle.StateDisconnected,
		Generation:   3,
		LastError:    errors.New("connection lost"),
		RetryPending: true,
	}}
	ts := newTestServer(t, ctrl)

	c := NewClient(ts.URL)
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != "DISCONNECTED" || st.Generation != 3 || st.LastError != "connection lost" || !st.RetryPending {
		t.Errorf("status = %+v", st)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, err := NewServer(ServerOptions{Controller: &fakeController{}})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	c := NewClient(ln.Addr().String())
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, err := c.Health(context.Background())
		return err == nil
	}, "server answering")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestPairingIgnoredWhenConnected(t *testing.T) {
	f := &connectiontest.Factory{}
	ctrl, err := lifecycle.New(lifecycle.Config{
		Factory: f,
		Render:  func(raw string) ([]byte, error) { return []byte("png:" + raw), nil },
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	t.Cleanup(ctrl.Close)
	ts := newTestServer(t, ctrl)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h := f.Last()

	resp, _ := get(t, ts.URL+"/pairing-image")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before pairing: status = %d, want 503", resp.StatusCode)
	}

	h.Pairing("2@abc")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return ctrl.Status().State == lifecycle.StateAwaitingPairing
	}, "awaiting pairing")
	resp, body := get(t, ts.URL+"/pairing-image")
	if resp.StatusCode != http.StatusOK || string(body) != "png:2@abc" {
		t.Errorf("awaiting pairing: %d %q", resp.StatusCode, body)
	}

	h.Ready()
	testutil.Eventually(t, 2*time.Second, func() bool {
		return ctrl.Status().Connected
	}, "connected")

	h.Pairing("2@late")
	resp, _ = get(t, ts.URL+"/pairing-image")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("connected: status = %d, want 204", resp.StatusCode)
	}
}
