package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB). Result
// payloads carry encoded images, so the ceiling is generous.
const MaxMessageSize = 16 << 20

// Control channel message types.
const (
	MsgTypeSubmit       = "submit"
	MsgTypeSubmitResult = "submit_result"
	MsgTypePing         = "ping"
	MsgTypePong         = "pong"
)

// Event channel handshake message types.
const (
	MsgTypeSubscribe = "subscribe"
	MsgTypeWelcome   = "welcome"
)

// Engine event types emitted on the event channel. EventEngineDown is
// synthetic: the supervisor injects it locally when the process dies, it
// never appears on the wire.
const (
	EventExecutionStart       = "execution_start"
	EventExecuting            = "executing"
	EventProgress             = "progress"
	EventPreview              = "preview"
	EventOutput               = "output"
	EventExecutionSuccess     = "execution_success"
	EventExecutionCached      = "execution_cached"
	EventExecutionError       = "execution_error"
	EventExecutionInterrupted = "execution_interrupted"
	EventEngineDown           = "engine_down"
)

// ControlRequest is the JSON payload sent to the engine's control port.
// Submit requests carry the job id and the bound graph; the engine echoes
// the job id on every event the execution produces.
type ControlRequest struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	Graph any    `json:"graph,omitempty"`
}

// ControlResponse is the engine's reply to a control request.
type ControlResponse struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SubscribeRequest is the first frame sent on a new event connection.
type SubscribeRequest struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// Welcome is the engine's first frame on an event connection, confirming the
// subscription before any events flow.
type Welcome struct {
	Type string `json:"type"`
	SID  string `json:"sid"`
}

// Event is one engine-emitted notification. Data carries binary payloads for
// preview and output events (base64 in the JSON frame); OutputID and Format
// describe the payload for output events.
type Event struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Value    int    `json:"value,omitempty"`
	Max      int    `json:"max,omitempty"`
	OutputID string `json:"output_id,omitempty"`
	Format   int    `json:"format,omitempty"`
	Message  string `json:"message,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Terminal reports whether an event ends the execution it belongs to.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventExecutionSuccess, EventExecutionCached, EventExecutionError, EventExecutionInterrupted:
		return true
	}
	return false
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
