package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaflow/internal/broker"
	"mediaflow/internal/engine"
	"mediaflow/internal/logging"
	"mediaflow/internal/metrics"
)

const (
	defaultAssetLimit = 50
	maxAssetLimit     = 500
)

// EngineStatusSource reports the running engine's state.
type EngineStatusSource interface {
	Status() engine.Status
}

// Options wires the server's collaborators. Only Store is required.
type Options struct {
	Bind    string
	Token   string
	Store   JobReader
	Engine  EngineStatusSource
	Health  *broker.HealthTracker
	Metrics *metrics.Engine
	Logger  *slog.Logger
}

// Server is the engine's HTTP status surface.
type Server struct {
	opts   Options
	jobs   *JobService
	logger *slog.Logger
	router chi.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewServer builds the router. Call Start to listen.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		jobs:   NewJobService(opts.Store),
		logger: logging.NewComponentLogger(opts.Logger, "api-server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.NewMiddleware().Handler)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.opts.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(s.opts.Token))
		r.Get("/status", s.handleStatus)
		r.Get("/assets", s.handleAssets)
		r.Route("/assets/{assetID}", func(r chi.Router) {
			r.Get("/", s.handleAsset)
			r.Get("/jobs", s.handleJobs)
			r.Get("/events", s.handleEvents)
		})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured bind address and serves until ctx is
// cancelled. An empty bind address disables the server.
func (s *Server) Start(ctx context.Context) error {
	bind := strings.TrimSpace(s.opts.Bind)
	if bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.opts.Token != ""),
	)
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	if _, err := s.jobs.Stats(r.Context()); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}
	if s.opts.Health != nil {
		if s.opts.Health.Degraded() {
			_, lastErr := s.opts.Health.Snapshot()
			checks["broker"] = "degraded"
			if lastErr != nil {
				checks["broker"] = "degraded: " + lastErr.Error()
			}
			ready = false
		} else {
			checks["broker"] = "ok"
		}
	}
	if s.opts.Engine != nil {
		if s.opts.Engine.Status().Running {
			checks["engine"] = "ok"
		} else {
			checks["engine"] = "not running"
			ready = false
		}
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ProbeResponse{Status: "unavailable", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "ok", Checks: checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := StatusResponse{JobCounts: counts}
	if s.opts.Engine != nil {
		st := s.opts.Engine.Status()
		resp.Engine = EngineStatus{
			Running:   st.Running,
			Authority: st.Authority,
			LockPath:  st.LockPath,
			LastSweep: formatTime(st.LastSweep),
			LastError: st.LastError,
		}
	}
	if s.opts.Health != nil {
		failures, lastErr := s.opts.Health.Snapshot()
		resp.Broker = BrokerStatus{Degraded: s.opts.Health.Degraded(), ConsecutiveFailures: failures}
		if lastErr != nil {
			resp.Broker.LastError = lastErr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	limit := defaultAssetLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = min(parsed, maxAssetLimit)
	}
	assets, err := s.jobs.Assets(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, AssetListResponse{Assets: assets})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.jobs.Asset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AssetResponse{Asset: asset})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	list, err := s.jobs.Jobs(r.Context(), assetID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{AssetID: assetID, Jobs: list})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	events, err := s.jobs.Events(r.Context(), assetID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventListResponse{AssetID: assetID, Events: events})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAssetNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("api request failed",
		logging.Int("status", status),
		logging.Error(err),
		logging.String(logging.FieldEventType, "api_request_failed"),
	)
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
