// Package admin exposes the operator HTTP surface: starting reindex runs,
// polling AsyncJobs, scheduling data migrations, and the internal
// change-notification endpoint the resource repository calls after each
// commit.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carebridge/pulse/internal/asyncjob"
	"github.com/carebridge/pulse/internal/config"
	"github.com/carebridge/pulse/internal/dispatch"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/ratelimit"
	"github.com/carebridge/pulse/internal/reindex"
)

type Server struct {
	Repo       fhir.Repository
	Jobs       *asyncjob.Store
	Reindex    *reindex.Controller
	Dispatcher *dispatch.Dispatcher
	Counters   ratelimit.CounterStore
	Log        *slog.Logger
	Cfg        config.Config

	// Migrate schedules pending data migrations; wired to migrate.RunData
	// by the server binary. Nil disables POST /admin/migrate.
	Migrate func(ctx context.Context) error
}

// Router assembles the chi routing tree. Operator routes are rate limited
// per identity and tenant; the internal change hook is not, since it sits
// inside the platform's own write path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/reindex", s.handleReindex)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/migrate", s.handleMigrate)
	})
	r.Post("/internal/changes", s.handleChange)
	return r
}

type reindexRequest struct {
	ResourceTypes      []string `json:"resourceTypes"`
	SearchFilter       string   `json:"searchFilter,omitempty"`
	MaxResourceVersion *int     `json:"maxResourceVersion,omitempty"`
	Project            string   `json:"project,omitempty"`
}

// handleReindex creates the AsyncJob progress record and enqueues the first
// page, then returns 202 immediately. The caller polls the job handle.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if !s.consume(w, r, ratelimit.CostWrite()) {
		return
	}
	var req reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.ResourceTypes) == 0 {
		writeError(w, http.StatusBadRequest, "resourceTypes is required")
		return
	}

	job, err := s.Jobs.Create(r.Context(), req.Project, "admin-reindex")
	if err != nil {
		s.Log.Error("create reindex AsyncJob", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	err = s.Reindex.Start(r.Context(), job.ID(), reindex.StartOptions{
		ResourceTypes:      req.ResourceTypes,
		SearchFilter:       req.SearchFilter,
		MaxResourceVersion: req.MaxResourceVersion,
	})
	if err != nil {
		s.Log.Error("start reindex", "async_job", job.ID(), "err", err)
		writeError(w, http.StatusInternalServerError, "could not start reindex")
		return
	}

	w.Header().Set("Content-Location", "/admin/jobs/"+job.ID())
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.consume(w, r, ratelimit.CostRead(1)) {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.Repo.ReadResource(r.Context(), "AsyncJob", id)
	if err != nil {
		if fhir.IsMissing(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.Log.Error("read AsyncJob", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "could not read job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if !s.consume(w, r, ratelimit.CostWrite()) {
		return
	}
	if s.Migrate == nil {
		writeError(w, http.StatusNotImplemented, "data migrations not wired")
		return
	}
	if err := s.Migrate(r.Context()); err != nil {
		s.Log.Error("data migration scheduling failed", "err", err)
		writeError(w, http.StatusInternalServerError, "migration scheduling failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type changeRequest struct {
	Interaction string        `json:"interaction"`
	Resource    fhir.Resource `json:"resource"`
	Previous    fhir.Resource `json:"previous,omitempty"`
}

// handleChange is the post-commit hook. It must stay cheap: fan-out only
// enqueues jobs, so a 200 here means the side effects are durably queued.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	interaction := dispatch.Interaction(req.Interaction)
	switch interaction {
	case dispatch.InteractionCreate, dispatch.InteractionUpdate, dispatch.InteractionDelete:
	default:
		writeError(w, http.StatusBadRequest, "interaction must be create, update, or delete")
		return
	}
	if err := s.Dispatcher.ResourceChanged(r.Context(), interaction, req.Resource, req.Previous); err != nil {
		writeError(w, http.StatusInternalServerError, "fan-out enqueue failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
