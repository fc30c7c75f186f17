package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/easel-dev/easel/internal/model"
)

// registerSessionResponse is the JSON response for POST /v1/sessions.
type registerSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, _ *http.Request) {
	id := s.sessions.Register()
	s.writeJSON(w, http.StatusCreated, registerSessionResponse{SessionID: id})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionEvents relays a session's event channel to the client as SSE.
// Each event goes out under its type name with the model.Event as JSON data
// (binary payloads base64 per encoding/json). The stream ends with a "done"
// event when the session closes; a client disconnect closes the session,
// since the SSE connection is the session's only consumer.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, err := s.sessions.Events(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.sessions.Touch(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Session closed; announce before ending the stream.
				_ = writeSSEEvent(w, model.EventDone, []byte(`{"type":"done"}`))
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode session event", "session_id", id, "error", err)
				continue
			}
			if err := writeSSEEvent(w, ev.Type, data); err != nil {
				// Write failed (e.g. client gone); release the session.
				s.sessions.Close(id)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			s.sessions.Close(id)
			return
		}
	}
}

// writeSSEEvent writes one named SSE event. JSON data never contains raw
// newlines, so a single data line suffices.
func writeSSEEvent(w http.ResponseWriter, eventType string, data []byte) error {
	if eventType == "" {
		return errors.New("empty event type")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
