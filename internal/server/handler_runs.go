package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/flowq/pkg/model"
	"github.com/me/flowq/pkg/workflow"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := listOptionsFromQuery(r)
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	respondList(w, reqID, runs, model.NewPagination(total, opts))
}

// runReport decorates a run with the step names currently ready to dispatch.
type runReport struct {
	*model.Run
	ReadySteps []string `json:"ready_steps"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	report := runReport{Run: run, ReadySteps: []string{}}
	if !run.State.IsTerminal() {
		if def, err := s.store.GetWorkflow(r.Context(), run.WorkflowID); err == nil && def != nil {
			exec := workflow.Restore(run.CompletedSteps)
			for _, step := range workflow.ReadySteps(exec, def) {
				report.ReadySteps = append(report.ReadySteps, step.Name)
			}
		}
	}
	respondOK(w, reqID, report)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	ok, err := s.loop.CancelRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if !ok {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("cannot cancel run in state "+string(run.State)))
		return
	}

	run, err = s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleListRunJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	jobs, err := s.store.JobsByRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, jobs)
}
