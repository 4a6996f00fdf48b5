// SPDX-License-Identifier: MIT

// Package api exposes the admission service over HTTP: probes, status, the
// owner-facing spawn endpoints and the operational controls.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/travsart/spawngate/internal/config"
	"github.com/travsart/spawngate/internal/health"
	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/queue"
	"github.com/travsart/spawngate/internal/spawn"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	svc    *spawn.Service
	health *health.Manager
	holder *config.Holder
	logger zerolog.Logger
}

// New creates a server. holder may be nil when hot reload is disabled.
func New(svc *spawn.Service, healthMgr *health.Manager, holder *config.Holder) *Server {
	return &Server{
		svc:    svc,
		health: healthMgr,
		holder: holder,
		logger: log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Metrics())
	r.Use(RequestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(600, time.Minute))

		r.Get("/status", s.handleStatus)
		r.Post("/spawn", s.handleEnqueue)
		r.Post("/spawn/poll", s.handlePoll)
		r.Delete("/spawn/{id}", s.handleCancel)
		r.Post("/spawn/{id}/outcome", s.handleOutcome)
		r.Post("/breaker/reset", s.handleBreakerReset)
		r.Get("/metrics/summary", s.handleMetricsSummary)
		r.Post("/config/reload", s.handleConfigReload)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "1"
	resp := s.health.Health(r.Context(), verbose)

	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Ready(r.Context())

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

type enqueueRequest struct {
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

type enqueueResponse struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priority, ok := queue.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown priority: "+req.Priority)
		return
	}

	id := s.svc.EnqueueSpawnRequest(priority, req.Reason)
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Priority: priority.String()})
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	batch := s.svc.PollNextBatch()
	if batch == nil {
		batch = []queue.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": batch,
		"summary":  s.svc.Summary(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.svc.CancelRequest(id) {
		writeError(w, http.StatusNotFound, "request not queued: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.svc.RecordOutcome(id, req.Success, req.Reason) {
		writeError(w, http.StatusNotFound, "unknown or already resolved request: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.svc.Breaker().Reset()
	s.logger.Info().
		Str(log.FieldEvent, "breaker.manual_reset").
		Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
		Msg("circuit breaker reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.svc.Breaker().GetState())})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":              st.Phase,
		"pressure":           st.Pressure,
		"breakerState":       st.BreakerState,
		"failureRatePercent": st.FailureRate,
		"queueDepths":        st.QueueDepths,
		"inflight":           st.Inflight,
		"throttle":           st.Throttle,
	})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.holder == nil {
		writeError(w, http.StatusNotImplemented, "hot reload disabled")
		return
	}
	if err := s.holder.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
