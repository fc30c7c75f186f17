package model

// Client-bound event type constants.
const (
	EventJobStatus = "job_status"
	EventProgress  = "progress"
	EventPreview   = "preview"
	EventResult    = "result"
	EventError     = "error"
	EventDone      = "done"
)

// Event is a single notification delivered to a session's outbound channel.
// Data carries framed binary payloads for preview and result events and is
// base64-encoded when the event is serialized to JSON.
type Event struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	State   string `json:"state,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Value   int    `json:"value,omitempty"`
	Max     int    `json:"max,omitempty"`
	Format  int    `json:"format,omitempty"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}
