package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"rotator_go/internal/domain"
	"rotator_go/internal/infra"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StateReader is the read-only view of the store the API is allowed. There
// is deliberately no write path into the core from here.
type StateReader interface {
	GetCurrentCoin() (string, error)
	OpenTransitions() ([]domain.Transition, error)
	GetTransition(id string) (*domain.Transition, error)
	History(limit int) ([]domain.Transition, error)
	RecentScouts(limit int) ([]domain.ScoutRecord, error)
}

// EngineStatus exposes the scheduler's halt state.
type EngineStatus interface {
	Halted() bool
	HaltReason() string
}

// Server is the read-only status API.
type Server struct {
	store   StateReader
	engine  EngineStatus
	metrics *infra.Metrics
	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, store StateReader, engine EngineStatus, metrics *infra.Metrics) *Server {
	s := &Server{
		store:   store,
		engine:  engine,
		metrics: metrics,
		logger:  slog.Default().With("module", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/transitions", s.handleHistory)
		r.Get("/transitions/{id}", s.handleTransition)
		r.Get("/scouts", s.handleScouts)
		r.Get("/metrics", s.handleMetrics)
	})

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status API failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type statusResponse struct {
	HeldCoin       string             `json:"held_coin"`
	OpenTransition *domain.Transition `json:"open_transition,omitempty"`
	RotationHalted bool               `json:"rotation_halted"`
	HaltReason     string             `json:"halt_reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	held, err := s.store.GetCurrentCoin()
	if err != nil {
		s.fail(w, err)
		return
	}
	open, err := s.store.OpenTransitions()
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := statusResponse{
		HeldCoin:       held,
		RotationHalted: s.engine.Halted(),
		HaltReason:     s.engine.HaltReason(),
	}
	if len(open) > 0 {
		resp.OpenTransition = &open[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.History(queryLimit(r, 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	tr, err := s.store.GetTransition(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if tr == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transition not found"})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleScouts(w http.ResponseWriter, r *http.Request) {
	scouts, err := s.store.RecentScouts(queryLimit(r, 200))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scouts)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
