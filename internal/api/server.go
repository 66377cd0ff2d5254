package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/laprincesa/almabot/internal/errors"
	"github.com/laprincesa/almabot/internal/lifecycle"
	"github.com/laprincesa/almabot/internal/logging"
	"github.com/laprincesa/almabot/internal/pairing"
)

// DefaultBanner is the body of GET /.
const DefaultBanner = "almabot is running"

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	probeTimeout      = 5 * time.Second
	restartTimeout    = 2 * time.Minute
)

// Controller is the part of the lifecycle controller the server needs.
type Controller interface {
	Status() lifecycle.Status
	Pairing() (pairing.Artifact, bool)
	ProbeState(ctx context.Context) (string, error)
	Restart(ctx context.Context) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr       string
	Controller Controller
	Logger     *logging.Logger
	Banner     string
}

// Server answers control requests from the controller's state. It never
// mutates the controller except through Restart.
type Server struct {
	addr   string
	ctrl   Controller
	logger *logging.Logger
	banner string
}

// NewServer creates a control server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("api: controller is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	banner := opts.Banner
	if banner == "" {
		banner = DefaultBanner
	}
	return &Server{
		addr:   opts.Addr,
		ctrl:   opts.Controller,
		logger: logger.WithComponent("api"),
		banner: banner,
	}, nil
}

// Handler returns the HTTP handler for the control routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /pairing-image", s.handlePairingImage)
	mux.HandleFunc("GET /qr", s.handlePairingImage)
	mux.HandleFunc("POST /restart", s.handleRestart)
	return s.logRequests(mux)
}

// ListenAndServe listens on the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listenErrs := make(chan error, 1)
	go func() {
		listenErrs <- server.Serve(ln)
	}()
	s.logger.Info("control server listening", "addr", ln.Addr().String())

	select {
	case err := <-listenErrs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	listenErr := <-listenErrs
	if errors.Is(listenErr, http.ErrServerClosed) {
		listenErr = nil
	}
	s.logger.Info("control server stopped")
	return errors.Join(shutdownErr, listenErr)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, s.banner)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:             true,
		Ready:          st.Connected,
		PairingPending: st.HasPendingPairing,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse(s.ctrl.Status()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	state, err := s.ctrl.ProbeState(ctx)
	switch {
	case errors.Is(err, errors.ErrNoHandle):
		writeJSON(w, http.StatusOK, StateResponse{})
	case err != nil:
		s.logger.Warn("state probe failed", "error", err.Error())
		errState := "ERROR"
		writeJSON(w, http.StatusInternalServerError, StateResponse{State: &errState, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, StateResponse{State: &state})
	}
}

func (s *Server) handlePairingImage(w http.ResponseWriter, _ *http.Request) {
	art, ok := s.ctrl.Pairing()
	if s.ctrl.Status().Connected {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintln(w, "pairing code not generated yet, retry in a few seconds")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Image)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), restartTimeout)
	defer cancel()

	if err := s.ctrl.Restart(ctx); err != nil {
		s.logger.Error("restart failed", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, RestartResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, RestartResponse{OK: true})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
