package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/easel-dev/easel/internal/engine"
	"github.com/easel-dev/easel/internal/model"
	"github.com/easel-dev/easel/internal/session"
	"github.com/easel-dev/easel/internal/workflow"
)

// Defaults for the job lifecycle tunables.
const (
	DefaultQueueTTL      = 2 * time.Minute
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 30 * time.Second
	DefaultSubmitTimeout = 10 * time.Second

	dispatchTick   = time.Second
	archiveTimeout = 5 * time.Second
	deliverTimeout = 30 * time.Second
)

var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrJobRunning      = errors.New("job already dispatched")
)

// Engine is the supervisor surface the dispatcher and bridge drive.
type Engine interface {
	Submit(ctx context.Context, jobID string, graph any) (accepted bool, reason string, err error)
	State() string
	Subscribe() (<-chan string, func())
	Events() <-chan engine.Event
}

// Sessions is the session registry surface used for event fan-out.
type Sessions interface {
	Touch(id string) bool
	Send(id string, ev model.Event) bool
	Deliver(ctx context.Context, id string, ev model.Event) error
}

// Workflows resolves workflow descriptors by id.
type Workflows interface {
	Get(id string) (*workflow.Descriptor, error)
}

// Archive persists terminal jobs.
type Archive interface {
	ArchiveJob(ctx context.Context, job *model.Job) error
}

// Config holds the job lifecycle tunables.
type Config struct {
	// QueueTTL is the longest a job may wait in the queue before it fails
	// with queue_timeout.
	QueueTTL time.Duration
	// Retention is how long terminal jobs stay addressable in memory. The
	// archive keeps the full record beyond that.
	Retention time.Duration
	// SweepInterval is the cadence of the eviction and expiry sweep.
	SweepInterval time.Duration
	// SubmitTimeout bounds one control round-trip per dispatch attempt.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueTTL <= 0 {
		c.QueueTTL = DefaultQueueTTL
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// Service owns the job table, the FIFO queue, the single dispatch slot and
// the engine event bridge. The mutex guards the table, the queue and the
// slot. State transition announcements go out via nonblocking Send inside
// the critical section that applies the transition, which keeps each job's
// status events in lifecycle order; blocking delivery and archive calls
// always happen outside the lock.
type Service struct {
	cfg      Config
	engine   Engine
	sessions Sessions
	flows    Workflows
	archive  Archive
	logger   *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*model.Job
	queue    []string
	inflight string

	wake chan struct{}
}

func New(cfg Config, eng Engine, sessions Sessions, flows Workflows, archive Archive, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		engine:   eng,
		sessions: sessions,
		flows:    flows,
		archive:  archive,
		logger:   logger,
		jobs:     make(map[string]*model.Job),
		wake:     make(chan struct{}, 1),
	}
}

// Run starts the dispatcher, the event bridge and the sweep loop, and blocks
// until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.bridgeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()
	wg.Wait()
}

// Admit validates a job request and enqueues it. The bound graph is attached
// to the job; nothing reaches the engine until the dispatcher picks the job
// up. Admission succeeds even while the engine is down, subject to QueueTTL.
func (s *Service) Admit(sessionID, workflowID string, bindings map[string]any) (*model.Job, error) {
	if !s.sessions.Touch(sessionID) {
		return nil, fmt.Errorf("admit job: %w", session.ErrUnknownSession)
	}
	desc, err := s.flows.Get(workflowID)
	if err != nil {
		return nil, fmt.Errorf("admit job: %w", err)
	}
	outputID := model.NewOutputID()
	graph, verr := desc.Bind(bindings, outputID)
	if verr != nil {
		return nil, verr
	}

	job := &model.Job{
		ID:          model.NewJobID(),
		WorkflowID:  workflowID,
		SessionID:   sessionID,
		State:       model.StateQueued,
		Bindings:    bindings,
		OutputID:    outputID,
		SubmittedAt: time.Now().UTC(),
		Graph:       graph,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	pending := len(s.queue)
	cp := *job
	s.sessions.Send(sessionID, model.Event{Type: model.EventJobStatus, JobID: job.ID, State: model.StateQueued})
	s.mu.Unlock()

	jobsAdmittedTotal.Inc()
	jobsPending.Set(float64(pending))
	s.kick()
	s.logger.Info("job admitted", "job_id", job.ID, "workflow_id", workflowID, "session_id", sessionID, "pending", pending)
	return &cp, nil
}

// Status returns a copy of a live job. Evicted jobs live on in the archive.
func (s *Service) Status(id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrUnknownJob
	}
	cp := *job
	return &cp, nil
}

// Cancel cancels a queued job. Dispatched and running jobs cannot be
// cancelled: the engine exposes no interrupt primitive, so the job runs to
// its own terminal state. Both failure modes return the job alongside the
// error so callers can report its actual state.
func (s *Service) Cancel(id string) (*model.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownJob
	}
	if model.Terminal(job.State) {
		cp := *job
		s.mu.Unlock()
		return &cp, ErrAlreadyTerminal
	}
	if job.State != model.StateQueued || s.inflight == id {
		cp := *job
		s.mu.Unlock()
		return &cp, ErrJobRunning
	}
	cp := s.finishLocked(job, model.StateCancelled, "", "")
	s.mu.Unlock()

	s.logger.Info("job cancelled", "job_id", id)
	s.afterFinish(cp)
	return cp, nil
}

// Snapshot summarizes the live job table for the stats endpoint.
type Snapshot struct {
	Pending  int            `json:"pending"`
	Inflight string         `json:"inflight_job_id,omitempty"`
	ByState  map[string]int `json:"by_state"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Pending: len(s.queue), Inflight: s.inflight, ByState: make(map[string]int)}
	for _, j := range s.jobs {
		snap.ByState[j.State]++
	}
	return snap
}

// kick nudges the dispatcher without blocking.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finishLocked applies a terminal transition in memory: state, timestamps,
// duration, queue and slot bookkeeping. It returns a copy for the caller to
// archive and announce after releasing the lock. Terminal states are final;
// nothing mutates the job afterwards.
func (s *Service) finishLocked(job *model.Job, state, kind, errMsg string) *model.Job {
	now := time.Now().UTC()
	job.State = state
	job.FailureKind = kind
	job.Error = errMsg
	job.FinishedAt = &now
	if job.StartedAt != nil {
		d := int(now.Sub(*job.StartedAt).Milliseconds())
		job.DurationMS = &d
	}
	if s.inflight == job.ID {
		s.inflight = ""
	}
	s.dequeueLocked(job.ID)
	cp := *job
	return &cp
}

func (s *Service) dequeueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// afterFinish archives a finished job, updates metrics and frees the
// dispatcher, then announces the outcome to the owning session from its own
// goroutine so a slow client never stalls the dispatcher or the bridge.
func (s *Service) afterFinish(cp *model.Job) {
	jobsFinishedTotal.WithLabelValues(cp.State).Inc()
	if cp.DurationMS != nil {
		jobDurationSeconds.Observe(float64(*cp.DurationMS) / 1000)
	}
	s.refreshGauges()
	s.kick()

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	if err := s.archive.ArchiveJob(ctx, cp); err != nil {
		s.logger.Error("job archive failed", "job_id", cp.ID, "error", err)
	}
	cancel()

	go s.announceFinish(cp)
}

// announceFinish delivers the terminal event sequence: job_status, then the
// result payload for completed jobs or the error detail for failed ones.
// Delivery blocks on buffer pressure instead of dropping, bounded by a
// timeout; a session that neither drains nor closes forfeits the events.
func (s *Service) announceFinish(cp *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	status := model.Event{Type: model.EventJobStatus, JobID: cp.ID, State: cp.State, Message: cp.Error}
	if err := s.sessions.Deliver(ctx, cp.SessionID, status); err != nil {
		s.logger.Warn("terminal event not delivered", "job_id", cp.ID, "session_id", cp.SessionID, "error", err)
		return
	}

	switch cp.State {
	case model.StateCompleted:
		if len(cp.Result) == 0 {
			return
		}
		frame, err := EncodeOutputFrame(cp.OutputID, cp.Result)
		if err != nil {
			s.logger.Error("result frame encode failed", "job_id", cp.ID, "error", err)
			return
		}
		ev := model.Event{Type: model.EventResult, JobID: cp.ID, Format: cp.ResultFormat, Data: frame}
		if err := s.sessions.Deliver(ctx, cp.SessionID, ev); err != nil {
			s.logger.Warn("result not delivered", "job_id", cp.ID, "error", err)
		}
	case model.StateFailed:
		ev := model.Event{Type: model.EventError, JobID: cp.ID, Message: cp.Error}
		if err := s.sessions.Deliver(ctx, cp.SessionID, ev); err != nil {
			s.logger.Warn("error event not delivered", "job_id", cp.ID, "error", err)
		}
	}
}

func (s *Service) refreshGauges() {
	s.mu.Lock()
	pending := len(s.queue)
	inflight := 0
	if s.inflight != "" {
		inflight = 1
	}
	s.mu.Unlock()
	jobsPending.Set(float64(pending))
	jobsInflight.Set(float64(inflight))
}
