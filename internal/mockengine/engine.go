package mockengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/easel-dev/easel/internal/engine"
	"github.com/easel-dev/easel/internal/model"
)

// Node classes with scripted behavior. Any other class just executes.
const (
	classOutput    = "ApiImageOutput"
	classFault     = "ApiFault"
	classSlow      = "ApiSlow"
	classInterrupt = "ApiInterrupt"
	classCached    = "ApiCached"
)

// Options configures a mock engine.
type Options struct {
	// ControlAddr and EventAddr are listen addresses. Port 0 picks a free
	// port, announced on Out once bound.
	ControlAddr string
	EventAddr   string
	// StepDelay paces the scripted playback.
	StepDelay time.Duration
	// PayloadSize is the size of the fake image payload in bytes.
	PayloadSize int
	// Out receives the endpoint announcement lines and job log lines.
	Out io.Writer
}

func (o Options) withDefaults() Options {
	if o.ControlAddr == "" {
		o.ControlAddr = "127.0.0.1:0"
	}
	if o.EventAddr == "" {
		o.EventAddr = "127.0.0.1:0"
	}
	if o.StepDelay <= 0 {
		o.StepDelay = 25 * time.Millisecond
	}
	if o.PayloadSize <= 0 {
		o.PayloadSize = 1024
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}

// Engine is a scripted stand-in for the real generation engine. It speaks
// the whole wire protocol: one job at a time on the control endpoint, event
// fan-out to subscribers on the event endpoint. Graphs drive the playback
// through the scripted node classes above.
type Engine struct {
	opts Options

	controlLn net.Listener
	eventLn   net.Listener

	// quit is closed when shutdown begins, done when it completes.
	quit chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	failPings        atomic.Bool
	abortOnSubscribe atomic.Bool

	mu      sync.Mutex
	closed  bool
	busy    bool
	current string
	jobsRun int
	subs    map[int]chan engine.Event
	nextSub int
	conns   map[net.Conn]struct{}
	exitErr error
}

func New(opts Options) *Engine {
	return &Engine{
		opts:  opts.withDefaults(),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		subs:  make(map[int]chan engine.Event),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds both listeners and announces their addresses on Out. The
// announcement runs in its own goroutine: when Out is a pipe, the reader
// may not be attached until after Start returns.
func (e *Engine) Start() error {
	cln, err := net.Listen("tcp", e.opts.ControlAddr)
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	eln, err := net.Listen("tcp", e.opts.EventAddr)
	if err != nil {
		_ = cln.Close()
		return fmt.Errorf("bind event listener: %w", err)
	}
	e.controlLn = cln
	e.eventLn = eln

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.serve(cln, e.handleControl)
	}()
	go func() {
		defer e.wg.Done()
		e.serve(eln, e.handleEvents)
	}()

	go func() {
		fmt.Fprintf(e.opts.Out, "control listening on %s\n", cln.Addr())
		fmt.Fprintf(e.opts.Out, "events listening on %s\n", eln.Addr())
	}()
	return nil
}

// Stop shuts the engine down cleanly. Abort does the same but records an
// exit error, which makes a supervised stop look like a crash.
func (e *Engine) Stop() { e.shutdown(nil) }

func (e *Engine) Abort() { e.shutdown(errors.New("engine aborted")) }

func (e *Engine) shutdown(exitErr error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.exitErr = exitErr
	conns := make([]net.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	close(e.quit)
	_ = e.controlLn.Close()
	_ = e.eventLn.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	e.wg.Wait()
	close(e.done)
}

// Wait blocks until the engine has fully stopped.
func (e *Engine) Wait() { <-e.done }

func (e *Engine) ExitErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitErr
}

func (e *Engine) ControlAddr() string { return e.controlLn.Addr().String() }

func (e *Engine) EventAddr() string { return e.eventLn.Addr().String() }

// FailPings makes the engine swallow pings, so connected clients time out.
func (e *Engine) FailPings(v bool) { e.failPings.Store(v) }

// AbortOnSubscribe makes the engine die right after accepting the next event
// subscription, as a process crashing at the tail end of startup.
func (e *Engine) AbortOnSubscribe(v bool) { e.abortOnSubscribe.Store(v) }

func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// JobsRun counts the jobs this engine has accepted.
func (e *Engine) JobsRun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobsRun
}

func (e *Engine) serve(ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !e.track(conn) {
			_ = conn.Close()
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.untrack(conn)
			defer conn.Close()
			handle(conn)
		}()
	}
}

func (e *Engine) track(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conns[conn] = struct{}{}
	return true
}

func (e *Engine) untrack(conn net.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
}

func (e *Engine) handleControl(conn net.Conn) {
	for {
		var req engine.ControlRequest
		if err := engine.ReadMessage(conn, &req); err != nil {
			return
		}
		var resp engine.ControlResponse
		switch req.Type {
		case engine.MsgTypePing:
			if e.failPings.Load() {
				// Swallowed on purpose: the client times out.
				continue
			}
			resp = engine.ControlResponse{Type: engine.MsgTypePong}
		case engine.MsgTypeSubmit:
			resp = e.acceptJob(req)
		default:
			resp = engine.ControlResponse{Type: req.Type, Reason: "unknown message type"}
		}
		if err := engine.WriteMessage(conn, resp); err != nil {
			return
		}
	}
}

// acceptJob enforces the single in-flight slot and starts the playback.
func (e *Engine) acceptJob(req engine.ControlRequest) engine.ControlResponse {
	resp := engine.ControlResponse{Type: engine.MsgTypeSubmitResult, JobID: req.JobID}
	if req.JobID == "" {
		resp.Reason = "missing job id"
		return resp
	}
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		resp.Reason = "busy"
		return resp
	}
	e.busy = true
	e.current = req.JobID
	e.jobsRun++
	e.mu.Unlock()

	resp.Accepted = true
	fmt.Fprintf(e.opts.Out, "executing job %s\n", req.JobID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(req.JobID, req.Graph)
	}()
	return resp
}

func (e *Engine) handleEvents(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sub engine.SubscribeRequest
	if err := engine.ReadMessage(conn, &sub); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if sub.Type != engine.MsgTypeSubscribe {
		return
	}

	ch := make(chan engine.Event, 256)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}()

	welcome := engine.Welcome{Type: engine.MsgTypeWelcome, SID: uuid.NewString()}
	if err := engine.WriteMessage(conn, welcome); err != nil {
		return
	}
	if e.abortOnSubscribe.Load() {
		go e.Abort()
		return
	}
	for {
		select {
		case ev := <-ch:
			if err := engine.WriteMessage(conn, ev); err != nil {
				return
			}
		case <-e.quit:
			return
		}
	}
}

// emit fans the event out to every subscriber. Slow subscribers lose
// events rather than stall the playback.
func (e *Engine) emit(ev engine.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) finish(jobID, outcome string) {
	fmt.Fprintf(e.opts.Out, "job %s %s\n", jobID, outcome)
	e.mu.Lock()
	if e.current == jobID {
		e.busy = false
		e.current = ""
	}
	e.mu.Unlock()
}

type graphNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

func parseGraph(g any) map[string]graphNode {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil
	}
	var nodes map[string]graphNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil
	}
	return nodes
}

// run plays back a job: start, per-node executing with any scripted
// behavior, outputs, then a terminal event.
func (e *Engine) run(jobID string, graph any) {
	nodes := parseGraph(graph)
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	e.emit(engine.Event{Type: engine.EventExecutionStart, JobID: jobID})

	for _, id := range ids {
		node := nodes[id]
		if !e.pause(e.opts.StepDelay) {
			return
		}
		e.emit(engine.Event{Type: engine.EventExecuting, JobID: jobID, NodeID: id})

		switch node.ClassType {
		case classFault:
			msg := stringInput(node.Inputs, "message")
			if msg == "" {
				msg = "injected fault"
			}
			e.emit(engine.Event{Type: engine.EventExecutionError, JobID: jobID, NodeID: id, Message: msg})
			e.finish(jobID, "failed")
			return
		case classInterrupt:
			e.emit(engine.Event{Type: engine.EventExecutionInterrupted, JobID: jobID, NodeID: id})
			e.finish(jobID, "interrupted")
			return
		case classSlow:
			if !e.pause(slowDuration(node.Inputs)) {
				return
			}
		}

		if steps := intInput(node.Inputs, "steps"); steps > 0 {
			for i := 1; i <= steps; i++ {
				if !e.pause(e.opts.StepDelay) {
					return
				}
				e.emit(engine.Event{Type: engine.EventProgress, JobID: jobID, NodeID: id, Value: i, Max: steps})
			}
		}
	}

	e.emitOutputs(jobID, nodes, ids)

	if classPresent(nodes, classCached) {
		e.emit(engine.Event{Type: engine.EventExecutionCached, JobID: jobID})
		e.finish(jobID, "completed from cache")
		return
	}
	e.emit(engine.Event{Type: engine.EventExecutionSuccess, JobID: jobID})
	e.finish(jobID, "completed")
}

func (e *Engine) emitOutputs(jobID string, nodes map[string]graphNode, ids []string) {
	for _, id := range ids {
		node := nodes[id]
		if node.ClassType != classOutput {
			continue
		}
		outputID := stringInput(node.Inputs, "output_id")
		format := formatInput(node.Inputs)
		payload := makePayload(outputID, e.opts.PayloadSize)
		e.emit(engine.Event{Type: engine.EventPreview, JobID: jobID, NodeID: id, Format: format, Data: payload})
		e.emit(engine.Event{Type: engine.EventOutput, JobID: jobID, NodeID: id, OutputID: outputID, Format: format, Data: payload})
	}
}

// pause sleeps for d unless shutdown begins first.
func (e *Engine) pause(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.quit:
			return false
		default:
			return true
		}
	}
	select {
	case <-time.After(d):
		return true
	case <-e.quit:
		return false
	}
}

func classPresent(nodes map[string]graphNode, class string) bool {
	for _, n := range nodes {
		if n.ClassType == class {
			return true
		}
	}
	return false
}

func stringInput(inputs map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}

func intInput(inputs map[string]any, key string) int {
	switch v := inputs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func slowDuration(inputs map[string]any) time.Duration {
	if v, ok := inputs["seconds"].(float64); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return 500 * time.Millisecond
}

func formatInput(inputs map[string]any) int {
	switch v := inputs["format"].(type) {
	case string:
		switch strings.ToLower(v) {
		case "png":
			return model.FormatPNG
		case "webp":
			return model.FormatWEBP
		}
	case float64:
		if v >= 1 && v <= 3 {
			return int(v)
		}
	}
	return model.FormatJPEG
}

// makePayload builds a recognizable fake image: a short header followed by
// the output id, repeated to the configured size.
func makePayload(outputID string, size int) []byte {
	buf := make([]byte, size)
	seed := []byte("MOCKIMG:" + outputID + ":")
	for i := range buf {
		buf[i] = seed[i%len(seed)]
	}
	return buf
}
