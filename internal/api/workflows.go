package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/pipeline"
	"github.com/seantiz/simflow/internal/store"
)

// createWorkflowResponse is the JSON response for POST /v1/workflows.
type createWorkflowResponse struct {
	WorkflowID string       `json:"workflow_id"`
	Status     model.Status `json:"status"`
}

// listWorkflowsResponse is one page of status views.
type listWorkflowsResponse struct {
	Workflows  []model.StatusView `json:"workflows"`
	NextCursor string             `json:"next_cursor,omitempty"`
	Limit      int                `json:"limit"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.SimulationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.coord.CreateWorkflow(r.Context(), req)
	if err != nil {
		var sf *pipeline.StageFailure
		if id != "" && errors.As(err, &sf) {
			s.logger.Error("enqueue analysis", "workflow_id", id, "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:      "workflow created but could not be queued",
				WorkflowID: id,
			})
			return
		}
		s.writeServiceError(w, "create workflow", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, createWorkflowResponse{
		WorkflowID: id,
		Status:     model.StatusInitiated,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status:     model.Status(q.Get("status")),
		DomainType: q.Get("domain"),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}

	limit := parseIntQuery(r, "limit", pipeline.DefaultPageSize)
	if limit <= 0 || limit > pipeline.MaxPageSize {
		limit = pipeline.DefaultPageSize
	}

	page, err := s.coord.List(r.Context(), f, limit, q.Get("cursor"))
	if err != nil {
		s.writeServiceError(w, "list workflows", err)
		return
	}

	views := make([]model.StatusView, len(page.Records))
	for i, rec := range page.Records {
		views[i] = rec.View()
	}
	s.writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows:  views,
		NextCursor: page.NextCursor,
		Limit:      limit,
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := s.coord.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get workflow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.Stop(r.Context(), id); err != nil {
		s.writeServiceError(w, "stop workflow", err)
		return
	}
	s.respondStatus(w, r, id)
}

func (s *Server) handleRestartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.Restart(r.Context(), id); err != nil {
		s.writeServiceError(w, "restart workflow", err)
		return
	}
	s.respondStatus(w, r, id)
}

// respondStatus writes the current status view of id after a control action.
func (s *Server) respondStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.coord.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get workflow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}
