package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/easel-dev/easel/internal/jobs"
	"github.com/easel-dev/easel/internal/model"
	"github.com/easel-dev/easel/internal/session"
	"github.com/easel-dev/easel/internal/store"
	"github.com/easel-dev/easel/internal/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// maxBodySize matches the engine frame ceiling: image input slots carry
	// base64 payloads in the bindings.
	maxBodySize = 16 << 20
)

// admitJobRequest is the JSON body for POST /v1/workflows/{id}/jobs.
type admitJobRequest struct {
	SessionID string         `json:"session_id"`
	Bindings  map[string]any `json:"bindings"`
}

// validationErrorResponse carries the rejection detail for a 422.
type validationErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	NodeID string `json:"node_id"`
}

// cancelConflictResponse reports why a cancel was refused, with the job's
// actual state attached.
type cancelConflictResponse struct {
	Error string     `json:"error"`
	Job   *model.Job `json:"job"`
}

// listJobsResponse wraps the paginated archive listing.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleAdmitJob(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")

	var req admitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	job, err := s.jobs.Admit(req.SessionID, workflowID, req.Bindings)
	if err != nil {
		var verr *workflow.ValidationError
		switch {
		case errors.As(err, &verr):
			s.writeJSON(w, http.StatusUnprocessableEntity, validationErrorResponse{
				Error:  verr.Error(),
				Reason: verr.Reason,
				NodeID: verr.NodeID,
			})
		case errors.Is(err, session.ErrUnknownSession):
			s.writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, workflow.ErrUnknownWorkflow):
			s.writeError(w, http.StatusNotFound, "workflow not found")
		default:
			s.logger.Error("admit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to admit job")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob serves live jobs from the registry, falling back to the
// archive for evicted ones.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.Status(id)
	if errors.Is(err, jobs.ErrUnknownJob) {
		job, err = s.store.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		s.writeJSON(w, http.StatusConflict, cancelConflictResponse{Error: "job already finished", Job: job})
	case errors.Is(err, jobs.ErrJobRunning):
		s.writeJSON(w, http.StatusConflict, cancelConflictResponse{Error: "job cannot be interrupted once dispatched", Job: job})
	case err != nil:
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobList, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobList == nil {
		jobList = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobList,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
