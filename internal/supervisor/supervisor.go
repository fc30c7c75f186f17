package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/easel-dev/easel/internal/engine"
)

// Engine lifecycle states.
const (
	StateStopped    = "stopped"
	StateStarting   = "starting"
	StateReady      = "ready"
	StateDegraded   = "degraded"
	StateCrashed    = "crashed"
	StateRestarting = "restarting"
)

// States lists every lifecycle state, in rough lifecycle order.
var States = []string{StateStopped, StateStarting, StateReady, StateDegraded, StateCrashed, StateRestarting}

var (
	ErrNotReady         = errors.New("engine not ready")
	ErrAlreadyRunning   = errors.New("engine already running")
	ErrStartTimeout     = errors.New("engine did not become ready before the deadline")
	ErrRestartExhausted = errors.New("engine restart attempts exhausted")
)

const (
	DefaultStartTimeout   = 20 * time.Second
	DefaultPingInterval   = 10 * time.Second
	DefaultDegradedAfter  = 3
	DefaultStopGrace      = 5 * time.Second
	DefaultRestartMax     = 5
	DefaultRestartBackoff = 2 * time.Second
	DefaultStableWindow   = 60 * time.Second
	DefaultPrepTimeout    = 5 * time.Minute

	readinessPollInterval = time.Second
	eventBufferSize       = 256
)

// announceRe matches the endpoint lines an engine prints once its listeners
// are bound, e.g. "control listening on 127.0.0.1:7601".
var announceRe = regexp.MustCompile(`(control|events) listening on (\S+)`)

// Config holds the tunables for one supervised engine.
type Config struct {
	// StartTimeout bounds the whole startup sequence: endpoint discovery,
	// control dial and the first successful ping.
	StartTimeout time.Duration
	// PingInterval is the health probe cadence once the engine is ready.
	PingInterval time.Duration
	// DegradedAfter is the number of consecutive failed pings before the
	// engine is marked degraded.
	DegradedAfter int
	// StopGrace is how long Stop waits after an interrupt before killing.
	StopGrace time.Duration
	// RestartMax is the number of automatic restarts attempted after a
	// crash before the supervisor gives up.
	RestartMax int
	// RestartBackoff is the linear backoff unit between restart attempts;
	// attempt n sleeps n*RestartBackoff.
	RestartBackoff time.Duration
	// StableWindow is the ready uptime after which the restart counter
	// resets, so a crash after a long healthy run starts a fresh budget.
	StableWindow time.Duration

	// Dialer is the connection policy for the engine's endpoints.
	Dialer engine.Dialer

	// PluginDir is scanned for requirements.txt files to fingerprint the
	// plugin set before launch. Empty disables prep.
	PluginDir string
	// PrepCommand is run when the plugin fingerprint is not yet recorded
	// as installed. Empty disables prep.
	PrepCommand []string
	// PrepTimeout bounds a single prep command run.
	PrepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = DefaultDegradedAfter
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.RestartMax <= 0 {
		c.RestartMax = DefaultRestartMax
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.StableWindow <= 0 {
		c.StableWindow = DefaultStableWindow
	}
	if c.PrepTimeout <= 0 {
		c.PrepTimeout = DefaultPrepTimeout
	}
	return c
}

// Process is a launched engine process.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
}

// Launcher starts engine processes. The exec launcher runs the configured
// command; the dev server and tests launch an in-process fake.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// PrepLedger records which plugin dependency fingerprints have been installed.
type PrepLedger interface {
	PrepInstalled(ctx context.Context, fingerprint string) (bool, error)
	SetPrepInstalled(ctx context.Context, fingerprint string, installed bool) error
}

// Status is a point-in-time snapshot of the supervised engine.
type Status struct {
	State       string     `json:"state"`
	ControlAddr string     `json:"control_addr,omitempty"`
	EventAddr   string     `json:"event_addr,omitempty"`
	ReadySince  *time.Time `json:"ready_since,omitempty"`
	Attempts    int        `json:"restart_attempts"`
	Error       string     `json:"error,omitempty"`
}

// incarnation is one launched engine process with its connections and the
// goroutines tied to its lifetime.
type incarnation struct {
	proc        Process
	control     *engine.ControlConn
	controlAddr string
	eventAddr   string
	gen         int
	cancel      context.CancelFunc

	// procDone is closed after Wait returns; waitErr is valid after that.
	procDone chan struct{}
	waitErr  error

	mu     sync.Mutex
	events *engine.EventConn
}

func (i *incarnation) setEventConn(c *engine.EventConn) {
	i.mu.Lock()
	i.events = c
	i.mu.Unlock()
}

func (i *incarnation) closeConns() {
	if i.control != nil {
		_ = i.control.Close()
	}
	i.mu.Lock()
	ev := i.events
	i.mu.Unlock()
	if ev != nil {
		_ = ev.Close()
	}
}

// Supervisor owns the single engine process: it launches it, watches its
// health, restarts it after crashes and funnels its event stream to one
// consumer. All state transitions happen under mu.
type Supervisor struct {
	cfg       Config
	ledger    PrepLedger
	launcher  Launcher
	logger    *slog.Logger
	engineLog *logrus.Logger
	clientID  string

	events    chan engine.Event
	fatal     chan struct{}
	fatalOnce sync.Once

	mu          sync.Mutex
	state       string
	err         error
	inc         *incarnation
	gen         int
	attempts    int
	readySince  time.Time
	stopping    bool
	stopC       chan struct{}
	watchers    map[int]chan string
	nextWatcher int
}

// New builds a supervisor for a single engine. ledger may be nil, in which
// case prep runs on every Start. engineLog carries raw engine process output;
// nil discards it.
func New(cfg Config, ledger PrepLedger, launcher Launcher, logger *slog.Logger, engineLog *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if engineLog == nil {
		engineLog = logrus.New()
		engineLog.SetOutput(io.Discard)
	}
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		launcher:  launcher,
		logger:    logger,
		engineLog: engineLog,
		clientID:  "easel-gateway",
		state:     StateStopped,
		events:    make(chan engine.Event, eventBufferSize),
		fatal:     make(chan struct{}),
		watchers:  make(map[int]chan string),
	}
	engineState.WithLabelValues(StateStopped).Set(1)
	return s
}

// Start launches the engine and blocks until it is ready or startup fails.
// Startup is bounded by StartTimeout; on timeout the process is killed and
// the state is crashed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateCrashed {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: engine is %s", ErrAlreadyRunning, st)
	}
	s.gen++
	gen := s.gen
	s.stopC = make(chan struct{})
	s.stopping = false
	s.err = nil
	s.attempts = 0
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	if err := s.ensurePrepared(ctx); err != nil {
		// Prep failures are recorded but never block the engine.
		s.logger.Error("plugin prep failed, continuing", "error", err)
	}

	inc, err := s.launchIncarnation(ctx)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.err = err
			s.setStateLocked(StateCrashed)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.stopping {
		s.mu.Unlock()
		s.destroy(inc)
		return errors.New("engine stopped during startup")
	}
	select {
	case <-inc.procDone:
		// Died between readiness and installation. reapExit skips an
		// incarnation it never saw installed, so the crash is handled
		// here: nothing was dispatched yet, the caller may Start again.
		err = fmt.Errorf("engine exited during startup: %w", exitError(inc.waitErr))
		s.err = err
		s.setStateLocked(StateCrashed)
		s.mu.Unlock()
		return err
	default:
	}
	inc.gen = gen
	s.inc = inc
	s.readySince = time.Now()
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.logger.Info("engine ready", "control", inc.controlAddr, "events", inc.eventAddr)
	return nil
}

// Stop shuts the engine down: interrupt, wait StopGrace, then kill. It is
// idempotent and also cancels an in-flight restart loop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.stopping = true
	inc := s.inc
	stopC := s.stopC
	s.stopC = nil
	s.mu.Unlock()

	if stopC != nil {
		close(stopC)
	}

	if inc != nil {
		s.logger.Info("stopping engine")
		if err := inc.proc.Signal(os.Interrupt); err != nil {
			s.logger.Warn("interrupt failed, killing engine", "error", err)
			_ = inc.proc.Kill()
		}
		select {
		case <-inc.procDone:
		case <-time.After(s.cfg.StopGrace):
			s.logger.Warn("engine did not exit after interrupt, killing", "grace", s.cfg.StopGrace)
			_ = inc.proc.Kill()
			<-inc.procDone
		case <-ctx.Done():
			_ = inc.proc.Kill()
			<-inc.procDone
		}
		// In-flight work dies with the process whether the exit was a
		// crash or an operator stop; the event consumer fails it out
		// either way.
		s.pushEvent(engine.Event{Type: engine.EventEngineDown})
	}

	s.mu.Lock()
	s.inc = nil
	s.stopping = false
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	s.logger.Info("engine stopped")
	return nil
}

// Submit forwards a job to the engine's control endpoint. It fails with
// ErrNotReady unless the engine is ready; the caller keeps the job queued.
func (s *Supervisor) Submit(ctx context.Context, jobID string, graph any) (bool, string, error) {
	s.mu.Lock()
	inc := s.inc
	st := s.state
	s.mu.Unlock()
	if inc == nil || st != StateReady {
		return false, "", fmt.Errorf("%w: engine is %s", ErrNotReady, st)
	}
	return inc.control.Submit(ctx, jobID, graph)
}

// Events returns the merged event stream of every engine incarnation. A
// synthetic engine_down event is injected whenever the process dies with
// work possibly in flight.
func (s *Supervisor) Events() <-chan engine.Event {
	return s.events
}

// Fatal is closed when the supervisor exhausts its restart budget and gives
// up on the engine.
func (s *Supervisor) Fatal() <-chan struct{} {
	return s.fatal
}

// State returns the current lifecycle state.
func (s *Supervisor) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the supervisor in its current state, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns a snapshot for the status endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Attempts: s.attempts}
	if s.inc != nil {
		st.ControlAddr = s.inc.controlAddr
		st.EventAddr = s.inc.eventAddr
	}
	if s.state == StateReady || s.state == StateDegraded {
		t := s.readySince
		st.ReadySince = &t
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Subscribe registers a watcher for state transitions. The channel is
// buffered; transitions beyond the buffer are dropped, so watchers should
// re-check State after draining. The returned func unsubscribes.
func (s *Supervisor) Subscribe() (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan string, 8)
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *Supervisor) setStateLocked(st string) {
	if s.state == st {
		return
	}
	engineState.WithLabelValues(s.state).Set(0)
	engineState.WithLabelValues(st).Set(1)
	s.state = st
	for _, ch := range s.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

type announcement struct {
	endpoint string
	addr     string
}

// launchIncarnation runs one full startup sequence: launch, endpoint
// discovery from process output, control dial, readiness ping and the event
// subscription. On success the incarnation's lifecycle goroutines are
// already running.
func (s *Supervisor) launchIncarnation(ctx context.Context) (*incarnation, error) {
	startCtx, cancelStart := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancelStart()

	proc, err := s.launcher.Launch(startCtx)
	if err != nil {
		return nil, fmt.Errorf("launch engine: %w", err)
	}
	inc := &incarnation{proc: proc, procDone: make(chan struct{})}

	announced := make(chan announcement, 4)
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go func() {
		defer close(outDone)
		s.relayOutput(proc.Stdout(), "stdout", announced)
	}()
	go func() {
		defer close(errDone)
		s.relayOutput(proc.Stderr(), "stderr", announced)
	}()
	go func() {
		// Drain both pipes before reaping, so no tail output is lost.
		<-outDone
		<-errDone
		inc.waitErr = proc.Wait()
		close(inc.procDone)
	}()

	// Endpoint discovery.
	for inc.controlAddr == "" || inc.eventAddr == "" {
		select {
		case a := <-announced:
			switch a.endpoint {
			case "control":
				inc.controlAddr = a.addr
			case "events":
				inc.eventAddr = a.addr
			}
		case <-inc.procDone:
			return nil, fmt.Errorf("engine exited during startup: %w", exitError(inc.waitErr))
		case <-startCtx.Done():
			s.destroy(inc)
			return nil, fmt.Errorf("waiting for engine endpoints: %w", ErrStartTimeout)
		}
	}
	s.logger.Debug("engine endpoints announced", "control", inc.controlAddr, "events", inc.eventAddr)

	control, err := s.cfg.Dialer.DialControl(startCtx, inc.controlAddr)
	if err != nil {
		s.destroy(inc)
		return nil, fmt.Errorf("dial control endpoint: %w", err)
	}
	inc.control = control

	// Readiness: poll ping until the engine answers.
	for {
		pingCtx, cancel := context.WithTimeout(startCtx, readinessPollInterval)
		err = control.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		select {
		case <-inc.procDone:
			_ = control.Close()
			return nil, fmt.Errorf("engine exited during startup: %w", exitError(inc.waitErr))
		case <-startCtx.Done():
			_ = control.Close()
			s.destroy(inc)
			return nil, fmt.Errorf("waiting for engine readiness: %w", ErrStartTimeout)
		case <-time.After(readinessPollInterval):
		}
	}

	evConn, err := s.cfg.Dialer.DialEvents(startCtx, inc.eventAddr, s.clientID)
	if err != nil {
		_ = control.Close()
		s.destroy(inc)
		return nil, fmt.Errorf("dial event endpoint: %w", err)
	}
	inc.setEventConn(evConn)

	incCtx, cancel := context.WithCancel(context.Background())
	inc.cancel = cancel
	go s.monitor(incCtx, inc)
	go s.pump(incCtx, inc)
	go s.reapExit(inc)
	return inc, nil
}

// destroy kills a half-started incarnation and waits for the process reaper.
func (s *Supervisor) destroy(inc *incarnation) {
	_ = inc.proc.Kill()
	<-inc.procDone
}

// relayOutput copies one engine output stream to the engine logger, watching
// for endpoint announcements on the way.
func (s *Supervisor) relayOutput(r io.Reader, stream string, announced chan<- announcement) {
	entry := s.engineLog.WithField("stream", stream)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := announceRe.FindStringSubmatch(line); m != nil {
			select {
			case announced <- announcement{endpoint: m[1], addr: m[2]}:
			default:
			}
		}
		entry.Info(line)
	}
}

// monitor pings the control endpoint on a fixed cadence and flips the state
// between ready and degraded. Crash handling is reapExit's job; a dead
// connection here only degrades until the process reaper fires.
func (s *Supervisor) monitor(ctx context.Context, inc *incarnation) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
		err := inc.control.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("engine ping failed", "failures", failures, "error", err)
			if failures >= s.cfg.DegradedAfter {
				s.transition(inc, StateReady, StateDegraded)
			}
			continue
		}
		if failures > 0 {
			s.logger.Info("engine ping recovered", "failures", failures)
		}
		failures = 0
		s.transition(inc, StateDegraded, StateReady)
	}
}

// transition moves state from one value to another, but only while inc is
// still the live incarnation. Late pings never resurrect a crashed engine.
func (s *Supervisor) transition(inc *incarnation, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inc != inc || s.state != from {
		return
	}
	s.setStateLocked(to)
	s.logger.Info("engine state changed", "from", from, "to", to)
}

// pump forwards engine events to the shared stream, redialing the event
// endpoint if the connection drops while the process is still alive.
func (s *Supervisor) pump(ctx context.Context, inc *incarnation) {
	conn := inc.events
	for {
		ev, err := conn.Next()
		if err == nil {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-inc.procDone:
			return
		default:
		}
		s.logger.Warn("event stream interrupted, redialing", "error", err)
		nc, derr := s.cfg.Dialer.DialEvents(ctx, inc.eventAddr, s.clientID)
		if derr != nil {
			if ctx.Err() == nil {
				s.logger.Error("event stream redial failed", "error", derr)
			}
			return
		}
		conn = nc
		inc.setEventConn(nc)
	}
}

// reapExit waits for the process to die, tears down the incarnation and
// drives the crash path: synthetic engine_down, then the restart loop.
func (s *Supervisor) reapExit(inc *incarnation) {
	<-inc.procDone
	inc.cancel()
	inc.closeConns()

	s.mu.Lock()
	if s.inc != inc {
		// Superseded, or never installed: the installer checks procDone
		// under the lock before installing, so a death in that window is
		// handled there, not here.
		s.mu.Unlock()
		return
	}
	s.inc = nil
	if s.stopping {
		// Deliberate stop: Stop owns the drain event.
		s.mu.Unlock()
		return
	}
	gen := inc.gen
	stopC := s.stopC
	uptime := time.Since(s.readySince)
	if uptime >= s.cfg.StableWindow {
		// A long healthy run earns a fresh restart budget.
		s.attempts = 0
	}
	s.setStateLocked(StateCrashed)
	s.mu.Unlock()

	engineCrashesTotal.Inc()
	s.logger.Error("engine exited unexpectedly", "error", exitError(inc.waitErr), "uptime", uptime.Round(time.Millisecond))

	// In-flight work is unaccounted for; the event consumer fails it out.
	s.pushEvent(engine.Event{Type: engine.EventEngineDown})
	s.restart(gen, stopC)
}

// restart relaunches the engine with linear backoff until it comes back,
// the budget runs out, or Stop intervenes.
func (s *Supervisor) restart(gen int, stopC chan struct{}) {
	for {
		s.mu.Lock()
		if s.stopping || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		if attempt > s.cfg.RestartMax {
			s.err = ErrRestartExhausted
			s.setStateLocked(StateCrashed)
			s.mu.Unlock()
			s.logger.Error("engine restart attempts exhausted", "max", s.cfg.RestartMax)
			s.fatalOnce.Do(func() { close(s.fatal) })
			return
		}
		s.setStateLocked(StateRestarting)
		s.mu.Unlock()

		delay := s.cfg.RestartBackoff * time.Duration(attempt)
		s.logger.Warn("restarting engine", "attempt", attempt, "max", s.cfg.RestartMax, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-stopC:
			return
		}

		inc, err := s.launchIncarnation(context.Background())
		if err != nil {
			s.logger.Error("engine restart failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopping || s.gen != gen {
			s.mu.Unlock()
			s.destroy(inc)
			return
		}
		select {
		case <-inc.procDone:
			// Died before installation; burn the attempt and relaunch.
			s.mu.Unlock()
			s.logger.Error("engine restart failed", "attempt", attempt, "error", exitError(inc.waitErr))
			continue
		default:
		}
		inc.gen = gen
		s.inc = inc
		s.readySince = time.Now()
		s.setStateLocked(StateReady)
		s.mu.Unlock()

		engineRestartsTotal.Inc()
		s.logger.Info("engine restarted", "attempt", attempt, "control", inc.controlAddr, "events", inc.eventAddr)
		return
	}
}

func (s *Supervisor) pushEvent(ev engine.Event) {
	s.events <- ev
}

func exitError(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}
