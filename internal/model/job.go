package model

import "time"

// Job state constants.
const (
	StateQueued     = "queued"
	StateDispatched = "dispatched"
	StateRunning    = "running"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Failure kind constants, set alongside terminal failure states.
const (
	FailureQueueTimeout      = "queue_timeout"
	FailureEngineUnavailable = "engine_unavailable"
	FailureEngineError       = "engine_error"
	FailureInterrupted       = "interrupted"
)

// Result format codes carried with binary output payloads.
const (
	FormatJPEG = 1
	FormatPNG  = 2
	FormatWEBP = 3
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateQueued: {
		StateDispatched: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateDispatched: {
		StateRunning:   true,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a job state is final.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

// Job represents one workflow execution request submitted through a session.
type Job struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	SessionID    string         `json:"session_id"`
	State        string         `json:"state"`
	Bindings     map[string]any `json:"bindings,omitempty"`
	FailureKind  string         `json:"failure_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	OutputID     string         `json:"output_id,omitempty"`
	Result       []byte         `json:"result,omitempty"`
	ResultFormat int            `json:"result_format,omitempty"`
	DurationMS   *int           `json:"duration_ms,omitempty"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`

	// Graph is the bound execution graph handed to the engine at dispatch.
	// It never leaves the process through the API or the archive.
	Graph any `json:"-"`
}
