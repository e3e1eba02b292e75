package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/flowq/pkg/model"
	"github.com/me/flowq/pkg/workflow"
)

// stepRequest is the wire form of a workflow step: durations arrive as
// strings like "30s" and are parsed into the model's nanosecond fields.
type stepRequest struct {
	Name      string          `json:"name"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
	DependsOn []string        `json:"depends_on"`
	Timeout   string          `json:"timeout"`
	Retry     struct {
		MaxAttempts       int     `json:"max_attempts"`
		Backoff           string  `json:"backoff"`
		BackoffMultiplier float64 `json:"backoff_multiplier"`
		MaxBackoff        string  `json:"max_backoff"`
	} `json:"retry"`
}

func (req *stepRequest) toModel() (model.WorkflowStep, *model.FieldError) {
	step := model.WorkflowStep{
		Name:      req.Name,
		Action:    req.Action,
		Params:    req.Params,
		DependsOn: req.DependsOn,
		Retry: model.RetryPolicy{
			MaxAttempts:       req.Retry.MaxAttempts,
			BackoffMultiplier: req.Retry.BackoffMultiplier,
		},
	}
	for _, f := range []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{req.Timeout, "timeout", &step.Timeout},
		{req.Retry.Backoff, "retry.backoff", &step.Retry.Backoff},
		{req.Retry.MaxBackoff, "retry.max_backoff", &step.Retry.MaxBackoff},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return step, &model.FieldError{Field: f.field, Message: "must be a duration like 30s"}
		}
		*f.dst = d
	}
	return step, nil
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name  string        `json:"name"`
		Steps []stepRequest `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}

	now := time.Now().UTC()
	def := &model.WorkflowDefinition{
		ID:        "wf_" + uuid.New().String(),
		Name:      req.Name,
		Steps:     make([]model.WorkflowStep, 0, len(req.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, sr := range req.Steps {
		step, fieldErr := sr.toModel()
		if fieldErr != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid step "+sr.Name, *fieldErr))
			return
		}
		def.Steps = append(def.Steps, step)
	}

	// A definition with duplicate names, undefined dependencies, or a
	// dependency cycle is rejected at registration time.
	if problems := workflow.Validate(def); len(problems) > 0 {
		details := make([]model.FieldError, len(problems))
		for i, p := range problems {
			details[i] = model.FieldError{Field: "steps", Message: p}
		}
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("workflow is not executable", details...))
		return
	}

	if err := s.store.CreateWorkflow(r.Context(), def); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("workflow created", "workflow_id", def.ID, "name", def.Name, "steps", len(def.Steps))
	respondCreated(w, reqID, def)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := listOptionsFromQuery(r)
	defs, total, err := s.store.ListWorkflows(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	respondList(w, reqID, defs, model.NewPagination(total, opts))
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	def, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if def == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}
	respondOK(w, reqID, def)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	def, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if def == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), id); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"deleted": true, "id": id})
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	def, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if def == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}

	problems := workflow.Validate(def)
	order, orderErr := workflow.TopologicalSort(def.Steps)
	result := map[string]any{
		"valid":    len(problems) == 0,
		"problems": problems,
	}
	if orderErr == nil {
		result["execution_order"] = order
	}
	respondOK(w, reqID, result)
}

func (s *Server) handleEstimateWorkflow(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	def, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if def == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}

	est := workflow.EstimateDuration(def)
	respondOK(w, reqID, map[string]any{
		"workflow_id":        def.ID,
		"estimated_duration": est.String(),
		"steps":              len(def.Steps),
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	def, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if def == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("workflow", id))
		return
	}

	run, err := s.loop.StartRun(r.Context(), def)
	if err != nil {
		respondError(w, reqID, http.StatusUnprocessableEntity, &model.APIError{
			Code:    model.ErrValidation,
			Message: err.Error(),
		})
		return
	}
	respondCreated(w, reqID, run)
}
