package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports gateway liveness plus the engine's lifecycle state,
// so probes can tell "gateway up, engine down" apart from "gateway down".
type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := healthResponse{Status: "ok", Engine: s.engine.Status().State}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
