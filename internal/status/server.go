// Package status serves live run progress over HTTP while a run is active.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamim/copyforge/pkg/models"
)

// RunSource reports run counters. *report.Reporter satisfies it.
type RunSource interface {
	Snapshot() models.RunStats
	Failures() map[string]int64
}

// ProviderSource reports circuit state. *breaker.Registry satisfies it.
type ProviderSource interface {
	Snapshot() []models.ProviderState
}

// CheckpointSource reports outcome counts. *checkpoint.Manager satisfies it.
type CheckpointSource interface {
	Counts() map[models.CheckpointStatus]int
}

// Sources feed the status payload. Nil sources are left out.
type Sources struct {
	Run        RunSource
	Providers  ProviderSource
	Checkpoint CheckpointSource
}

// Payload is served by /status and pushed over /ws
type Payload struct {
	Run        *models.RunStats                `json:"run,omitempty"`
	Failures   map[string]int64                `json:"failures,omitempty"`
	Providers  []models.ProviderState          `json:"providers,omitempty"`
	Checkpoint map[models.CheckpointStatus]int `json:"checkpoint,omitempty"`
	Time       time.Time                       `json:"time"`
}

// Server is the optional status endpoint
type Server struct {
	sources  Sources
	hub      *Hub
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New builds the server. interval is the websocket push period.
func New(sources Sources, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	logger = logger.With("component", "status")
	s := &Server{
		sources:  sources,
		hub:      NewHub(logger),
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Local tooling only, dashboards may be served from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(recovery(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebsocket)
	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Payload collects the current status
func (s *Server) Payload() Payload {
	p := Payload{Time: time.Now().UTC()}
	if s.sources.Run != nil {
		stats := s.sources.Run.Snapshot()
		p.Run = &stats
		p.Failures = s.sources.Run.Failures()
	}
	if s.sources.Providers != nil {
		p.Providers = s.sources.Providers.Snapshot()
	}
	if s.sources.Checkpoint != nil {
		p.Checkpoint = s.sources.Checkpoint.Counts()
	}
	return p
}

// ListenAndServe serves on addr until ctx is done. The listener is bound
// before returning so address errors surface immediately; serving continues
// in the background. The returned channel yields the serve error, if any.
func (s *Server) ListenAndServe(ctx context.Context, addr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status server listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	go s.hub.Run(hubCtx, s.interval, s.message)

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Status server shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info("Status server listening", "addr", ln.Addr().String())
	return errCh, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: map[string]string{"status": "ok"}})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: s.Payload()})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	s.hub.Add(conn, s.message())
}

func (s *Server) message() any {
	return envelope{Data: s.Payload()}
}

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
