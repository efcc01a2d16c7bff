// Package api exposes the submission surface: create a book generation job,
// inspect its progress, cancel it, or stream its events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storybook-pipeline/internal/config"
	"storybook-pipeline/internal/models"
	"storybook-pipeline/internal/notify"
	"storybook-pipeline/internal/queue"
	"storybook-pipeline/internal/ratelimit"
	"storybook-pipeline/internal/store"
	"storybook-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the job submission API.
type Server struct {
	cfg     config.Config
	queue   *queue.Manager
	limiter *ratelimit.Limiter
	hub     *notify.Hub
}

// New constructs the API server. limiter and hub may be nil; the matching
// features degrade to no-ops.
func New(cfg config.Config, q *queue.Manager, limiter *ratelimit.Limiter, hub *notify.Hub) *Server {
	return &Server{cfg: cfg, queue: q, limiter: limiter, hub: hub}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleJobStatus)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/{id}/events", s.handleEvents)
	return r
}

type createJobRequest struct {
	Type       string         `json:"type"`
	JobData    map[string]any `json:"job_data"`
	Priority   int            `json:"priority"`
	MaxRetries int            `json:"max_retries"`
}

type createJobResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	jobType, err := models.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.JobData == nil {
		req.JobData = map[string]any{}
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if req.Priority == 0 {
		req.Priority = s.cfg.DefaultPriority
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), requesterFromRequest(r, req.JobData))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())+1))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.queue.CreateJob(r.Context(), jobType, req.JobData, req.Priority, req.MaxRetries)
	if err != nil {
		slog.Error("create job failed", "error", err)
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, createJobResponse{Job: job})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.queue.GetJobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		slog.Error("job status failed", "job_id", id, "error", err)
		http.Error(w, "job status failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.queue.CancelJob(r.Context(), id)
	if err != nil {
		slog.Error("cancel failed", "job_id", id, "error", err)
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "job is not cancellable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleEvents streams job progress as server-sent events until the client
// disconnects or the job reaches a terminal status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event streaming disabled", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	view, err := s.queue.GetJobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "job lookup failed", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The current status goes out first so late subscribers are never left
	// waiting on a job that already settled.
	writeEvent(w, notify.Event{
		JobID:    id,
		Status:   string(view.Job.Status),
		Progress: view.OverallProgress,
	})
	flusher.Flush()
	if view.Job.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeEvent(w, ev)
			flusher.Flush()
			if models.JobStatus(ev.Status).Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func requesterFromRequest(r *http.Request, jobData map[string]any) string {
	if v := r.Header.Get("X-Requester-ID"); v != "" {
		return v
	}
	if email, ok := jobData["user_email"].(string); ok && email != "" {
		return email
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
