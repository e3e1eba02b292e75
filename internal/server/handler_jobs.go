package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/flowq/pkg/model"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Type        string          `json:"type"`
		Payload     json.RawMessage `json:"payload"`
		Priority    float64         `json:"priority"`
		ScheduledAt string          `json:"scheduled_at"`
		Timeout     string          `json:"timeout"`
		MaxRetries  int             `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	if req.Type == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "type", Message: "type is required"}))
		return
	}
	if s.registry != nil {
		if _, err := s.registry.Get(req.Type); err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("unknown job type",
					model.FieldError{Field: "type", Message: err.Error()}))
			return
		}
	}

	job := &model.Job{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}
	if req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid scheduled_at",
					model.FieldError{Field: "scheduled_at", Message: "must be RFC3339"}))
			return
		}
		job.ScheduledAt = at
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid timeout",
					model.FieldError{Field: "timeout", Message: "must be a duration like 30s"}))
			return
		}
		job.Timeout = d
	}

	if err := s.loop.SubmitJob(r.Context(), job); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondCreated(w, reqID, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := listOptionsFromQuery(r)
	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	respondList(w, reqID, jobs, model.NewPagination(total, opts))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}

	ok, err := s.loop.CancelJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if !ok {
		// Quote the scheduler's view of the status: the store read above
		// can be stale relative to a dispatch that just happened.
		status := job.Status
		if live, found := s.loop.JobStatus(id); found {
			status = live
		}
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("cannot cancel job in status "+string(status)))
		return
	}

	job, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}

	ok, err := s.loop.RetryJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if !ok {
		status := job.Status
		if live, found := s.loop.JobStatus(id); found {
			status = live
		}
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("job is not retryable (status "+string(status)+", "+
				strconv.Itoa(job.Retries)+"/"+strconv.Itoa(job.MaxRetries)+" retries used)"))
		return
	}

	job, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.loop.QueueStats())
}

// listOptionsFromQuery reads limit, offset and status/state filters.
func listOptionsFromQuery(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		opts.Status = v
	}
	if v := r.URL.Query().Get("state"); v != "" {
		opts.Status = v
	}
	opts.Clamp()
	return opts
}
