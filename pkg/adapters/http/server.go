package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/toolserver"
)

// Engine is the slice of the agent surface the HTTP adapter exposes.
type Engine interface {
	RunTurn(ctx context.Context, key domain.IsolationKey, message string) (*arbor.TurnResult, error)
	GetState(ctx context.Context, key domain.IsolationKey) (*domain.ExecutionState, error)
	DeleteConversation(ctx context.Context, key domain.IsolationKey) error
	ReloadBundle(ctx context.Context, id string) error
	ReloadServer(ctx context.Context, id string) error
	ServerStatuses() []toolserver.ServerStatus
}

// Server routes the engine API over HTTP.
type Server struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler builds the chi router for an engine.
func NewHandler(engine Engine, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tenants/{tenant}/users/{user}/conversations/{conversation}", func(r chi.Router) {
			r.Post("/turns", s.handleTurn)
			r.Get("/", s.handleGetState)
			r.Delete("/", s.handleDelete)
		})
		r.Post("/bundles/{id}/reload", s.handleReloadBundle)
		r.Post("/servers/{id}/reload", s.handleReloadServer)
	})
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

type turnRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func keyFromRequest(r *http.Request) domain.IsolationKey {
	return domain.IsolationKey{
		Tenant:       chi.URLParam(r, "tenant"),
		User:         chi.URLParam(r, "user"),
		Conversation: chi.URLParam(r, "conversation"),
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "a non-empty message is required")
		return
	}

	result, err := s.engine.RunTurn(r.Context(), keyFromRequest(r), req.Message)
	if err != nil {
		if errors.Is(err, domain.ErrBusy) {
			s.writeError(w, http.StatusConflict, "a turn is already running for this conversation")
			return
		}
		s.logger.Error("turn failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.GetState(r.Context(), keyFromRequest(r))
	if err != nil {
		if errors.Is(err, domain.ErrCheckpointNotFound) {
			s.writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteConversation(r.Context(), keyFromRequest(r)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadBundle(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadBundle(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrBundleNotFound) {
			s.writeError(w, http.StatusNotFound, "bundle not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadServer(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, domain.ErrServerNotFound) {
			s.writeError(w, http.StatusNotFound, "server not found")
			return
		}
		// The reload ran but the server did not come back healthy.
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status  string                    `json:"status"`
	Servers []toolserver.ServerStatus `json:"servers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.ServerStatuses()
	overall := "ok"
	for _, st := range statuses {
		if st.Status != toolserver.StatusConnected {
			overall = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: overall, Servers: statuses})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
