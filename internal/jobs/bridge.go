package jobs

import (
	"context"
	"time"

	"github.com/easel-dev/easel/internal/engine"
	"github.com/easel-dev/easel/internal/model"
)

// bridgeLoop is the sole consumer of the engine event stream. Every event is
// attributed to a registered job before anything is forwarded to a session.
func (s *Service) bridgeLoop(ctx context.Context) {
	events := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEngineEvent(ev)
		}
	}
}

func (s *Service) handleEngineEvent(ev engine.Event) {
	bridgeEventsTotal.WithLabelValues(ev.Type).Inc()

	if ev.Type == engine.EventEngineDown {
		s.failInFlight()
		return
	}
	if ev.JobID == "" {
		bridgeEventsUnattributedTotal.Inc()
		s.logger.Warn("dropping engine event without job id", "type", ev.Type)
		return
	}

	s.mu.Lock()
	job, ok := s.jobs[ev.JobID]
	if !ok || model.Terminal(job.State) {
		s.mu.Unlock()
		bridgeEventsUnattributedTotal.Inc()
		s.logger.Warn("dropping engine event for unknown or finished job", "type", ev.Type, "job_id", ev.JobID)
		return
	}

	switch ev.Type {
	case engine.EventExecutionStart, engine.EventExecuting, engine.EventProgress, engine.EventPreview:
		sessionID := job.SessionID
		outputID := job.OutputID
		s.ensureRunningLocked(job)
		s.mu.Unlock()

		switch ev.Type {
		case engine.EventExecuting:
			s.sessions.Send(sessionID, model.Event{Type: model.EventProgress, JobID: ev.JobID, NodeID: ev.NodeID})
		case engine.EventProgress:
			s.sessions.Send(sessionID, model.Event{Type: model.EventProgress, JobID: ev.JobID, NodeID: ev.NodeID, Value: ev.Value, Max: ev.Max})
		case engine.EventPreview:
			frame, err := EncodeOutputFrame(outputID, ev.Data)
			if err != nil {
				s.logger.Warn("dropping preview frame", "job_id", ev.JobID, "error", err)
				return
			}
			s.sessions.Send(sessionID, model.Event{Type: model.EventPreview, JobID: ev.JobID, Format: ev.Format, Data: frame})
		}

	case engine.EventOutput:
		// The final image is not forwarded here. It is delivered once,
		// blocking, as part of the terminal announcement.
		s.ensureRunningLocked(job)
		job.Result = ev.Data
		job.ResultFormat = ev.Format
		if job.ResultFormat == 0 {
			job.ResultFormat = model.FormatJPEG
		}
		s.mu.Unlock()

	case engine.EventExecutionSuccess, engine.EventExecutionCached:
		cp := s.finishLocked(job, model.StateCompleted, "", "")
		s.mu.Unlock()
		s.logger.Info("job completed", "job_id", cp.ID, "duration_ms", cp.DurationMS)
		s.afterFinish(cp)

	case engine.EventExecutionError:
		msg := ev.Message
		if msg == "" {
			msg = "engine reported an execution error"
		}
		cp := s.finishLocked(job, model.StateFailed, model.FailureEngineError, msg)
		s.mu.Unlock()
		s.logger.Warn("job failed", "job_id", cp.ID, "error", msg)
		s.afterFinish(cp)

	case engine.EventExecutionInterrupted:
		cp := s.finishLocked(job, model.StateCancelled, model.FailureInterrupted, "execution interrupted")
		s.mu.Unlock()
		s.logger.Info("job interrupted", "job_id", cp.ID)
		s.afterFinish(cp)

	default:
		s.mu.Unlock()
		s.logger.Debug("ignoring engine event", "type", ev.Type, "job_id", ev.JobID)
	}
}

// ensureRunningLocked advances a job to running on evidence of execution and
// announces each transition it applies. A queued job that is the in-flight
// submit is passed through dispatched first so the lifecycle never skips a
// state.
func (s *Service) ensureRunningLocked(job *model.Job) {
	if job.State == model.StateRunning {
		return
	}
	now := time.Now().UTC()
	if job.State == model.StateQueued {
		// The engine's first event can arrive before the submit reply.
		if s.inflight != job.ID {
			return
		}
		job.State = model.StateDispatched
		job.DispatchedAt = &now
		s.dequeueLocked(job.ID)
		s.sessions.Send(job.SessionID, model.Event{Type: model.EventJobStatus, JobID: job.ID, State: model.StateDispatched})
	}
	if !model.ValidTransition(job.State, model.StateRunning) {
		return
	}
	job.State = model.StateRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	s.sessions.Send(job.SessionID, model.Event{Type: model.EventJobStatus, JobID: job.ID, State: model.StateRunning})
}

// failInFlight fails every dispatched or running job, plus a queued job whose
// submit was racing the crash. Queued jobs otherwise stay queued for the
// restarted engine.
func (s *Service) failInFlight() {
	var finished []*model.Job
	s.mu.Lock()
	for _, job := range s.jobs {
		inFlight := job.State == model.StateDispatched || job.State == model.StateRunning ||
			(job.State == model.StateQueued && s.inflight == job.ID)
		if !inFlight {
			continue
		}
		finished = append(finished, s.finishLocked(job, model.StateFailed, model.FailureEngineUnavailable, "engine became unavailable"))
	}
	s.mu.Unlock()

	for _, cp := range finished {
		s.logger.Warn("job failed, engine went down", "job_id", cp.ID)
		s.afterFinish(cp)
	}
}
