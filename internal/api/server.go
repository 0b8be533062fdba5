// Package api provides the HTTP control surface for ReplayPipe.
//
// It exposes the scenario catalog, the session lifecycle and playback control
// endpoints, a websocket event stream per session, and live relay management.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/engine"
	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/relay"
	"github.com/ReplayDeck/ReplayPipe/internal/scenario"
	"github.com/ReplayDeck/ReplayPipe/internal/scheduler"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Store         store.Store
	Catalog       *scenario.Catalog
	Clock         engine.Clock
	NewID         func() string
	FlowTimeout   time.Duration
	AutoRestart   time.Duration
	RelayServices map[string]relay.Service
	Scheduler     *scheduler.Scheduler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStore sets the backing store.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithCatalog sets the scenario catalog.
func WithCatalog(c *scenario.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithClock injects the engine clock. Tests pass a fake clock here.
func WithClock(c engine.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithIDSource injects the generator used for journal row IDs.
func WithIDSource(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

// WithFlowTimeout overrides the max execution time for triggered flows.
func WithFlowTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FlowTimeout = d }
}

// WithAutoRestart makes completed sessions reset and replay after the delay.
func WithAutoRestart(d time.Duration) Option {
	return func(o *Opts) { o.AutoRestart = d }
}

// WithRelayService registers a named relay channel ("whatsapp", "twilio").
func WithRelayService(name string, svc relay.Service) Option {
	return func(o *Opts) {
		if o.RelayServices == nil {
			o.RelayServices = make(map[string]relay.Service)
		}
		o.RelayServices[name] = svc
	}
}

// WithScheduler attaches a cron scheduler for recurring replay jobs.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// Server is the ReplayPipe API server.
type Server struct {
	addr     string
	st       store.Store
	catalog  *scenario.Catalog
	manager  *Manager
	relaySvc map[string]relay.Service
	sched    *scheduler.Scheduler
	httpSrv  *http.Server
}

// NewServer creates an API server. Store and catalog are required.
func NewServer(opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, errors.New("store must be provided")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("scenario catalog must be provided")
	}

	s := &Server{
		addr:     cfg.Addr,
		st:       cfg.Store,
		catalog:  cfg.Catalog,
		manager:  NewManager(cfg.Store, cfg.Catalog, cfg.Clock, cfg.FlowTimeout, cfg.AutoRestart, cfg.NewID),
		relaySvc: cfg.RelayServices,
		sched:    cfg.Scheduler,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	return s, nil
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /scenarios", s.listScenariosHandler)
	mux.HandleFunc("POST /scenarios", s.saveScenarioHandler)
	mux.HandleFunc("POST /scenarios/generate", s.generateScenarioHandler)
	mux.HandleFunc("GET /scenarios/{id}", s.getScenarioHandler)

	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.destroySessionHandler)

	mux.HandleFunc("POST /sessions/{id}/play", s.controlHandler(func(o *engine.Orchestrator) error { return o.Play() }))
	mux.HandleFunc("POST /sessions/{id}/pause", s.pauseHandler)
	mux.HandleFunc("POST /sessions/{id}/reset", s.resetHandler)
	mux.HandleFunc("POST /sessions/{id}/seek", s.seekHandler)
	mux.HandleFunc("POST /sessions/{id}/speed", s.speedHandler)
	mux.HandleFunc("POST /sessions/{id}/next", s.controlHandler(func(o *engine.Orchestrator) error { return o.NextMessage() }))
	mux.HandleFunc("POST /sessions/{id}/previous", s.controlHandler(func(o *engine.Orchestrator) error { return o.PreviousMessage() }))

	mux.HandleFunc("GET /sessions/{id}/events", s.eventsHandler)
	mux.HandleFunc("POST /sessions/{id}/flows/{token}", s.submitFlowHandler)
	mux.HandleFunc("DELETE /sessions/{id}/flows/{token}", s.cancelFlowHandler)
	mux.HandleFunc("POST /sessions/{id}/relay", s.attachRelayHandler)
	mux.HandleFunc("DELETE /sessions/{id}/relay", s.detachRelayHandler)

	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Manager exposes the session manager, used by scheduled replay jobs.
func (s *Server) Manager() *Manager { return s.manager }

// ScheduleReplay registers a recurring job that starts a fresh auto-playing
// session of the given scenario.
func (s *Server) ScheduleReplay(expr, scenarioID string) error {
	if s.sched == nil {
		return errors.New("no scheduler configured")
	}
	return s.sched.AddJob(expr, func() {
		sess, err := s.manager.Create(CreateSessionRequest{ScenarioID: scenarioID, AutoPlay: true})
		if err != nil {
			slog.Error("Scheduled replay failed to start", "error", err, "scenario_id", scenarioID)
			return
		}
		slog.Info("Scheduled replay started", "scenario_id", scenarioID, "session_id", sess.ID)
	})
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully: sessions destroyed, scheduler stopped, listener drained.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("ReplayPipe API listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down API server")
	s.manager.DestroyAll()
	if s.sched != nil {
		s.sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	return nil
}

// healthHandler reports liveness and wiring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	channels := make([]string, 0, len(s.relaySvc))
	for name := range s.relaySvc {
		channels = append(channels, name)
	}
	for i := 1; i < len(channels); i++ {
		for j := i; j > 0 && channels[j] < channels[j-1]; j-- {
			channels[j], channels[j-1] = channels[j-1], channels[j]
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":         "ok",
		"sessions":       len(s.manager.List()),
		"relay_channels": channels,
		"scheduler":      s.sched != nil,
	}))
}
