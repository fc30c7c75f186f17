package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/easel-dev/easel/internal/workflow"
)

// listWorkflowsResponse is the JSON response for GET /v1/workflows.
type listWorkflowsResponse struct {
	Workflows []string `json:"workflows"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listWorkflowsResponse{Workflows: s.flows.List()})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	desc, err := s.flows.Get(id)
	if errors.Is(err, workflow.ErrUnknownWorkflow) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, desc)
}
