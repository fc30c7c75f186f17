package mockengine

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/easel-dev/easel/internal/supervisor"
)

// Launcher launches in-process engines, standing in for the exec launcher
// in tests and the dev server.
type Launcher struct {
	// Opts is the template for every launched engine. Out is replaced
	// with the process stdout pipe.
	Opts Options

	mu    sync.Mutex
	procs []*Proc
}

var _ supervisor.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(_ context.Context) (supervisor.Process, error) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	opts := l.Opts
	opts.Out = stdoutW
	eng := New(opts)
	if err := eng.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, err
	}
	p := &Proc{eng: eng, stdoutR: stdoutR, stderrR: stderrR}
	go func() {
		eng.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
	}()
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

// Launched reports how many engines this launcher has started.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Last returns the most recently launched process, or nil.
func (l *Launcher) Last() *Proc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Proc adapts an in-process Engine to the process interface the supervisor
// expects from a launched engine.
type Proc struct {
	eng     *Engine
	stdoutR *io.PipeReader
	stderrR *io.PipeReader
}

var _ supervisor.Process = (*Proc)(nil)

func (p *Proc) Stdout() io.Reader { return p.stdoutR }

func (p *Proc) Stderr() io.Reader { return p.stderrR }

// Signal shuts the engine down cleanly, mirroring how the real engine
// handles an interrupt. The shutdown runs async like a signal delivery.
func (p *Proc) Signal(_ os.Signal) error {
	go p.eng.Stop()
	return nil
}

func (p *Proc) Kill() error {
	go p.eng.Abort()
	return nil
}

func (p *Proc) Wait() error {
	p.eng.Wait()
	return p.eng.ExitErr()
}

// Crash terminates the engine abruptly, as if the process died. It returns
// once the engine is fully down.
func (p *Proc) Crash() {
	p.eng.Abort()
}

// Engine exposes the underlying engine for test knobs.
func (p *Proc) Engine() *Engine { return p.eng }
