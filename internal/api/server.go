// Package api exposes the operator HTTP surface: job submission, the merged
// job list, progress inspection, and manual cloud promotion.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/logging"
	"scene-pipeline/internal/pipeline"
	"scene-pipeline/internal/progress"
	"scene-pipeline/internal/runqueue"
	"scene-pipeline/internal/store"
	"scene-pipeline/internal/telemetry"
)

// Server wires HTTP handlers over the synchronizer and run queue.
type Server struct {
	cfg     config.Config
	sync    *store.Synchronizer
	queue   *runqueue.Queue
	table   *progress.Table
	current *progress.CurrentStore
	logger  zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, sync *store.Synchronizer, queue *runqueue.Queue, table *progress.Table, current *progress.CurrentStore, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		sync:    sync,
		queue:   queue,
		table:   table,
		current: current,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)
	r.Delete("/jobs", s.handleClear)
	r.Post("/jobs/{id}/sync", s.handleSyncToCloud)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/progress", s.handleProgress)
	r.Get("/progress/all", s.handleProgressAll)
	return r
}

type submitRequest struct {
	SourceURL    string `json:"source_url"`
	SourceID     string `json:"source_id"`
	TargetScenes int    `json:"target_scenes"`
	BatchSize    int    `json:"batch_size"`
	Resume       bool   `json:"resume"`
}

type submitResponse struct {
	JobID     string `json:"job_id"`
	Queued    bool   `json:"queued"`
	NextBatch int    `json:"next_batch,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.Resume {
		rec, ok, err := s.current.Load(r.Context())
		if err != nil {
			http.Error(w, "load progress: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no interrupted job to resume", http.StatusConflict)
			return
		}
		rd := progress.ResumeData(rec)
		if rd == nil {
			http.Error(w, "saved progress is not resumable", http.StatusConflict)
			return
		}
		run := pipeline.ResumeRequest(rd)
		if err := s.queue.Enqueue(r.Context(), run); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: run.JobID, Queued: true, NextBatch: rd.NextBatch})
		return
	}

	if req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}
	run := pipeline.Request{
		JobID:        uuid.New().String(),
		SourceURL:    req.SourceURL,
		SourceID:     req.SourceID,
		TargetScenes: req.TargetScenes,
		BatchSize:    req.BatchSize,
	}
	if err := s.queue.Enqueue(r.Context(), run); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: run.JobID, Queued: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, source, err := s.sync.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "source": source})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, source, ok, err := s.sync.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "source": source})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sync.DeleteJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.table.Delete(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleSyncToCloud(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sync.SyncJobToCloud(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
	case errors.Is(err, store.ErrRemoteDisabled):
		http.Error(w, "remote store not configured", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found locally", http.StatusNotFound)
	case errors.Is(err, store.ErrUnauthorized):
		http.Error(w, "remote rejected credentials", http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// handleProgress returns the persisted resume record, the single source of
// truth for "was something interrupted". With ?job_id= it instead returns
// that job's live record from the streaming table.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		rec, ok := s.table.Get(jobID)
		if !ok {
			http.Error(w, "no progress recorded", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"progress": rec})
		return
	}
	rec, ok, err := s.current.Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no progress recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": rec, "resumable": progress.ResumeData(rec) != nil})
}

func (s *Server) handleProgressAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"progress": s.table.GetAll()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
