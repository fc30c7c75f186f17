package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/easel-dev/easel/internal/model"
	"github.com/easel-dev/easel/internal/supervisor"
)

// dispatchLoop is the sole submitter to the engine. It drains the queue in
// FIFO order, one job at a time: at most one job is dispatched or running
// per engine, and the slot frees only on a terminal transition. When the
// engine is not ready the loop parks until a state change wakes it.
func (s *Service) dispatchLoop(ctx context.Context) {
	states, unsub := s.engine.Subscribe()
	defer unsub()
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		s.expireQueued()
		if id, graph, ok := s.claimNext(); ok {
			if s.dispatch(ctx, id, graph) {
				continue
			}
			// Rejected or errored submit: park until the next tick
			// instead of hammering the engine with the same job.
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-states:
		case <-ticker.C:
		}
	}
}

// claimNext reserves the dispatch slot for the oldest queued job. Stale
// queue entries are discarded on the way.
func (s *Service) claimNext() (string, any, bool) {
	if s.engine.State() != supervisor.StateReady {
		return "", nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != "" {
		return "", nil, false
	}
	for len(s.queue) > 0 {
		id := s.queue[0]
		job, ok := s.jobs[id]
		if !ok || job.State != model.StateQueued {
			s.queue = s.queue[1:]
			continue
		}
		s.inflight = id
		return id, job.Graph, true
	}
	return "", nil, false
}

// dispatch submits one claimed job and reports whether the engine took it.
// Acceptance moves the job to dispatched; rejection releases the slot and
// leaves the job queued for a later pass.
func (s *Service) dispatch(ctx context.Context, id string, graph any) bool {
	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	accepted, reason, err := s.engine.Submit(subCtx, id, graph)
	cancel()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || model.Terminal(job.State) {
		// Finished while the submit was in flight (crash bulk-fail).
		if s.inflight == id {
			s.inflight = ""
		}
		s.mu.Unlock()
		return true
	}
	if (err != nil || !accepted) && job.State == model.StateQueued {
		// If the job already advanced past queued the engine took it and
		// its events beat the submit reply, so the slot stays reserved.
		s.inflight = ""
		s.mu.Unlock()
		switch {
		case errors.Is(err, supervisor.ErrNotReady):
			s.logger.Debug("engine not ready, job stays queued", "job_id", id)
		case err != nil:
			s.logger.Warn("job submit failed, job stays queued", "job_id", id, "error", err)
		default:
			s.logger.Warn("engine rejected job, job stays queued", "job_id", id, "reason", reason)
		}
		return false
	}

	if job.State == model.StateQueued {
		// The bridge may already have advanced the job if the first
		// engine event beat the submit reply.
		now := time.Now().UTC()
		job.State = model.StateDispatched
		job.DispatchedAt = &now
		s.sessions.Send(job.SessionID, model.Event{Type: model.EventJobStatus, JobID: id, State: model.StateDispatched})
	}
	s.dequeueLocked(id)
	s.mu.Unlock()

	s.refreshGauges()
	s.logger.Info("job dispatched", "job_id", id)
	return true
}

// expireQueued fails queued jobs that waited longer than QueueTTL.
func (s *Service) expireQueued() {
	cutoff := time.Now().Add(-s.cfg.QueueTTL)

	var finished []*model.Job
	s.mu.Lock()
	for _, id := range append([]string(nil), s.queue...) {
		job, ok := s.jobs[id]
		if !ok || job.State != model.StateQueued || s.inflight == id {
			continue
		}
		if job.SubmittedAt.Before(cutoff) {
			msg := "queue wait exceeded " + s.cfg.QueueTTL.String()
			finished = append(finished, s.finishLocked(job, model.StateFailed, model.FailureQueueTimeout, msg))
		}
	}
	s.mu.Unlock()

	for _, cp := range finished {
		s.logger.Warn("job timed out in queue", "job_id", cp.ID, "ttl", s.cfg.QueueTTL)
		s.afterFinish(cp)
	}
}

// sweepLoop expires overdue queued jobs even while the dispatcher is parked,
// and evicts terminal jobs past retention. The archive keeps their record.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.expireQueued()
		if n := s.evictTerminal(); n > 0 {
			s.logger.Debug("evicted finished jobs", "count", n)
		}
	}
}

func (s *Service) evictTerminal() int {
	cutoff := time.Now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if model.Terminal(job.State) && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}
