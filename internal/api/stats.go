package api

import (
	"net/http"

	"github.com/easel-dev/easel/internal/jobs"
	"github.com/easel-dev/easel/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats: live registry state
// alongside the archive aggregates.
type statsResponse struct {
	Engine   string          `json:"engine_state"`
	Sessions int             `json:"sessions"`
	Live     jobs.Snapshot   `json:"live"`
	Archive  *store.JobStats `json:"archive"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Engine:   s.engine.Status().State,
		Sessions: s.sessions.Len(),
		Live:     s.jobs.Snapshot(),
		Archive:  stats,
	})
}
