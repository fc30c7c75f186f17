package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/easel-dev/easel/internal/model"
)

// DefaultEventBuffer is the outbound channel capacity for each session.
// Events are dropped if a consumer falls this far behind.
const DefaultEventBuffer = 64

// deliverPollInterval is how often a blocked Deliver retries a full buffer.
const deliverPollInterval = 20 * time.Millisecond

// Session lifecycle states.
const (
	StateActive  = "active"
	StateClosing = "closing"
	StateClosed  = "closed"
)

var (
	// ErrUnknownSession is returned when a session id is not registered.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionClosed is returned by Deliver when the session closed before
	// the event could be handed over.
	ErrSessionClosed = errors.New("session closed")
)

type session struct {
	id         string
	ch         chan model.Event
	done       chan struct{}
	createdAt  time.Time
	lastActive time.Time
	state      string
	dropped    uint64
}

// Registry tracks client sessions and their outbound event channels. It is
// safe for concurrent use.
//
// Registration is the only path that creates a session. A closed session's
// entry is released immediately; its channel stays drainable by the consumer
// so already-buffered events are flushed best-effort. Every send happens
// under the registry lock on a still-registered session, which keeps sends
// ordered before the channel close.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	buffer   int
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty session registry. buffer is the per-session
// outbound channel capacity; zero or negative selects DefaultEventBuffer.
func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Registry{
		sessions: make(map[string]*session),
		buffer:   buffer,
		logger:   logger,
		now:      time.Now,
	}
}

// Register allocates a fresh session with an unguessable id and a bounded
// outbound channel, and returns the session id.
func (r *Registry) Register() string {
	s := &session{
		id:    model.NewSessionID(),
		ch:    make(chan model.Event, r.buffer),
		done:  make(chan struct{}),
		state: StateActive,
	}

	r.mu.Lock()
	s.createdAt = r.now()
	s.lastActive = s.createdAt
	r.sessions[s.id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	sessionsOpenedTotal.Inc()
	sessionsActive.Set(float64(total))
	r.logger.Debug("session registered", "session_id", s.id, "active", total)
	return s.id
}

// Events returns the session's outbound channel for the transport layer to
// consume. The channel is closed when the session closes.
func (r *Registry) Events(id string) (<-chan model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.ch, nil
}

// Send delivers an event to a session without blocking. If the session is
// gone or its buffer is full the event is dropped and counted; the caller is
// never held up by a slow client.
func (r *Registry) Send(id string, ev model.Event) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.state != StateActive {
		r.mu.Unlock()
		eventsDroppedTotal.Inc()
		return false
	}

	select {
	case s.ch <- ev:
		s.lastActive = r.now()
		r.mu.Unlock()
		return true
	default:
		s.dropped++
		r.mu.Unlock()
		eventsDroppedTotal.Inc()
		return false
	}
}

// Deliver blocks until the event is accepted by the session's buffer, the
// session closes, or ctx is done. Terminal job events go through here so
// buffer pressure delays them instead of dropping them.
func (r *Registry) Deliver(ctx context.Context, id string, ev model.Event) error {
	for {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok || s.state != StateActive {
			r.mu.Unlock()
			eventsDroppedTotal.Inc()
			return ErrUnknownSession
		}

		select {
		case s.ch <- ev:
			s.lastActive = r.now()
			r.mu.Unlock()
			return nil
		default:
		}
		done := s.done
		r.mu.Unlock()

		// Buffer full: wait for the consumer to drain, the session to close,
		// or the caller to give up.
		select {
		case <-done:
			eventsDroppedTotal.Inc()
			return ErrSessionClosed
		case <-ctx.Done():
			eventsDroppedTotal.Inc()
			return ctx.Err()
		case <-time.After(deliverPollInterval):
		}
	}
}

// Touch refreshes the session's activity timestamp and reports whether the
// session exists.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		s.lastActive = r.now()
	}
	return ok
}

// Close tears down a session: the entry leaves the registry, the done signal
// fires, and the outbound channel is closed so consumers can drain what is
// already buffered. Idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.state != StateActive {
		r.mu.Unlock()
		return
	}
	s.state = StateClosing
	delete(r.sessions, id)
	total := len(r.sessions)
	s.state = StateClosed
	r.mu.Unlock()

	close(s.done)
	close(s.ch)

	sessionsActive.Set(float64(total))
	r.logger.Debug("session closed", "session_id", id, "dropped_events", s.dropped, "active", total)
}

// ListActive returns a snapshot of all registered session ids.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LastActive returns the session's activity timestamp.
func (r *Registry) LastActive(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActive, true
}

// Dropped returns how many events the session has dropped so far.
func (r *Registry) Dropped(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s.dropped
	}
	return 0
}
