// Package api provides the operational HTTP API: arming and disarming
// positions, emergency closes, error clearing, and read access to positions,
// events, and daemon status. Mutations go through the daemon, so leadership
// and degraded-mode checks apply to API callers exactly as they do to the
// tick loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tiller/internal/daemon"
	"tiller/internal/domain"
	"tiller/internal/store"
)

// Server serves the operational HTTP API for one daemon.
type Server struct {
	daemon *daemon.Daemon
	hub    *Hub
	log    *slog.Logger
}

// NewServer creates a Server and wires the daemon's event feed into the
// websocket hub. Call Run on the hub before serving.
func NewServer(d *daemon.Daemon, log *slog.Logger) *Server {
	s := &Server{daemon: d, hub: NewHub(log), log: log}
	d.OnEvent(s.hub.Broadcast)
	return s
}

// Hub returns the websocket hub; its Run loop must be started by the caller.
func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/positions", s.handleArm)
	mux.HandleFunc("GET /api/v1/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/v1/positions/{id}", s.handleGetPosition)
	mux.HandleFunc("DELETE /api/v1/positions/{id}", s.handleDisarm)
	mux.HandleFunc("GET /api/v1/positions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/positions/{id}/panic", s.handlePanic)
	mux.HandleFunc("POST /api/v1/positions/{id}/clear", s.handleClearError)
	mux.HandleFunc("POST /api/v1/positions/{id}/signal", s.handleSignal)
	mux.HandleFunc("POST /api/v1/panic", s.handlePanicAll)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errStatus maps daemon and domain errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daemon.ErrNotLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, daemon.ErrDegraded),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSignal),
		errors.Is(err, domain.ErrInvalidStopDistance),
		errors.Is(err, domain.ErrPositionSizing),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := errStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req ArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" || req.Detector == "" {
		writeError(w, http.StatusBadRequest, "symbol and detector are required")
		return
	}

	pos, err := s.daemon.Arm(r.Context(), req.Symbol, domain.Side(req.Side), req.Detector, req.Params)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.daemon.Positions(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	pos, err := s.daemon.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	if err := s.daemon.Disarm(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	events, err := s.daemon.Events(r.Context(), id, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	if err := s.daemon.Panic(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	pos, err := s.daemon.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePanicAll(w http.ResponseWriter, r *http.Request) {
	closed, err := s.daemon.PanicAll(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PanicAllResponse{Closed: closed})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	if err := s.daemon.ClearError(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	pos, err := s.daemon.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, err := s.daemon.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	sig := domain.Signal{
		ID:         domain.NewID(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: req.EntryPrice,
		StopPrice:  req.StopPrice,
		Detector:   "manual",
		At:         time.Now().UTC(),
	}
	if err := s.daemon.InjectSignal(r.Context(), sig); err != nil {
		s.writeDomainError(w, err)
		return
	}
	pos, err = s.daemon.Position(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReadyz reports readiness: leadership held, no degraded positions,
// and both the store and the venue answering. Load balancers drain a standby
// or unhealthy instance off this.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
}

// ListenAndServe runs the API server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
