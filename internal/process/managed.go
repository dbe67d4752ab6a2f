package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"sessionhost/internal/logging"
)

type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventError
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	Data     []byte
	Err      error
	ExitCode int
}

const (
	eventBuffer = 64
	readChunk   = 32 * 1024
)

// ManagedProcess is a child launched by a Supervisor. Its events arrive on a
// single channel: output and errors first, then exactly one EventExit, then
// the channel is closed. The owner must drain Events or Detach.
type ManagedProcess struct {
	id   string
	name string
	cmd  *exec.Cmd
	pty  *os.File
	// outputs are the parent's read ends, closed if a drain times out.
	outputs []*os.File
	readers sync.WaitGroup
	sup     *Supervisor

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	events     chan Event
	done       chan struct{}
	detached   chan struct{}
	detachOnce sync.Once
	// outputCut stops late output once the exit event has been decided.
	outputCut chan struct{}
	delivered atomic.Int64
	emitMu    sync.RWMutex
	closed    bool

	mu sync.Mutex
	// process and groupLeader are published once the spawn has returned.
	process     *os.Process
	groupLeader bool
	exited      bool
	exitCode    int
}

func newManagedProcess(spec LaunchSpec) *ManagedProcess {
	name := spec.Name
	if name == "" {
		name = spec.Command
	}
	return &ManagedProcess{
		id:        ulid.Make().String(),
		name:      name,
		events:    make(chan Event, eventBuffer),
		done:      make(chan struct{}),
		detached:  make(chan struct{}),
		outputCut: make(chan struct{}),
		exitCode:  -1,
	}
}

func (p *ManagedProcess) ID() string   { return p.id }
func (p *ManagedProcess) Name() string { return p.name }

// PID is 0 until the spawn has returned.
func (p *ManagedProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.process == nil {
		return 0
	}
	return p.process.Pid
}

func (p *ManagedProcess) Events() <-chan Event  { return p.events }
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }
func (p *ManagedProcess) HasPTY() bool          { return p.pty != nil }

func (p *ManagedProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// ExitCode is -1 until the process has exited. A process killed by a signal
// reports 128 plus the signal number.
func (p *ManagedProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *ManagedProcess) Write(data []byte) (int, error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil || !p.Running() {
		return 0, ErrNotRunning
	}
	return p.stdin.Write(data)
}

// CloseStdin signals end of input. On a PTY it sends the EOF character
// instead, since closing the master would hang up the terminal.
func (p *ManagedProcess) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return ErrNotRunning
	}
	if p.pty != nil {
		_, err := p.pty.Write([]byte{0x04})
		return err
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Interrupt sends Ctrl-C through the terminal, or SIGINT when there is none.
func (p *ManagedProcess) Interrupt() error {
	if !p.Running() {
		return ErrNotRunning
	}
	if p.pty != nil {
		_, err := p.Write([]byte{0x03})
		return err
	}
	return p.signal(syscall.SIGINT)
}

func (p *ManagedProcess) Resize(cols, rows uint16) error {
	if p.pty == nil {
		return ErrNoPTY
	}
	if !p.Running() {
		return ErrNotRunning
	}
	return resizePTY(p.pty, cols, rows)
}

func (p *ManagedProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *ManagedProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

// Detach ends the relationship without touching the OS process: no further
// events are delivered and the supervisor stops counting it. The child is
// still reaped in the background.
func (p *ManagedProcess) Detach() {
	p.detachOnce.Do(func() {
		close(p.detached)
		if p.sup != nil {
			p.sup.remove(p)
		}
	})
}

func (p *ManagedProcess) isDetached() bool {
	select {
	case <-p.detached:
		return true
	default:
		return false
	}
}

// signal reports ErrNotRunning for a process that has not finished spawning
// or has already been reaped.
func (p *ManagedProcess) signal(sig syscall.Signal) error {
	p.mu.Lock()
	proc, leader, exited := p.process, p.groupLeader, p.exited
	p.mu.Unlock()
	if exited || proc == nil {
		return ErrNotRunning
	}
	if err := signalProcess(proc, leader, sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

func (p *ManagedProcess) signalTree(sig syscall.Signal, descendants bool) error {
	pid := p.PID()
	if pid == 0 || !p.Running() {
		return nil
	}
	var errs []error
	if descendants {
		if err := signalDescendants(pid, sig); err != nil {
			errs = append(errs, fmt.Errorf("descendants: %w", err))
		}
	}
	if err := p.signal(sig); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *ManagedProcess) start(spec LaunchSpec) error {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	leader := configureCommand(cmd, spec)
	p.cmd = cmd

	if spec.PTY {
		cols, rows := spec.Cols, spec.Rows
		if cols == 0 || rows == 0 {
			cols, rows = 80, 24
		}
		ptmx, err := startPTY(cmd, cols, rows)
		if err != nil {
			return err
		}
		p.pty = ptmx
		p.stdin = ptmx
		p.outputs = []*os.File{ptmx}
		p.started(cmd.Process, leader)
		p.readers.Add(1)
		go p.pump(ptmx, EventStdout)
		return nil
	}

	// Plain *os.File stdio keeps exec from copying output, so cmd.Wait
	// returns when the child exits even if a descendant still holds the
	// pipes open.
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return err
		}
		if i == 0 {
			parentEnds, childEnds = append(parentEnds, w), append(childEnds, r)
		} else {
			parentEnds, childEnds = append(parentEnds, r), append(childEnds, w)
		}
	}
	stdinR, stdoutW, stderrW := childEnds[0], childEnds[1], childEnds[2]
	stdinW, stdoutR, stderrR := parentEnds[0], parentEnds[1], parentEnds[2]

	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW
	err := cmd.Start()
	closeAll(childEnds)
	if err != nil {
		closeAll(parentEnds)
		return err
	}
	p.stdin = stdinW
	p.outputs = []*os.File{stdoutR, stderrR}
	p.started(cmd.Process, leader)
	p.readers.Add(2)
	go p.pump(stdoutR, EventStdout)
	go p.pump(stderrR, EventStderr)
	return nil
}

func (p *ManagedProcess) started(proc *os.Process, leader bool) {
	p.mu.Lock()
	p.process = proc
	p.groupLeader = leader
	p.mu.Unlock()
}

func (p *ManagedProcess) pump(r io.Reader, kind EventKind) {
	defer p.readers.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !p.emitOutput(Event{Kind: kind, Data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			if !isEndOfOutput(err) {
				p.emitOutput(Event{Kind: EventError, Err: fmt.Errorf("read %s: %w", kind, err)})
			}
			return
		}
	}
}

// emitOutput is emit for the output pumps; it gives up once the output has
// been cut off and reports whether the pump should keep reading.
func (p *ManagedProcess) emitOutput(ev Event) bool {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		p.delivered.Add(1)
		return true
	case <-p.detached:
		return true
	case <-p.outputCut:
		return false
	}
}

// emit delivers ev unless the process has been detached. It blocks while the
// channel is full.
func (p *ManagedProcess) emit(ev Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case <-p.detached:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.detached:
	}
}

func (p *ManagedProcess) closeEvents() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.closed = true
	close(p.events)
}

// drainOutput waits for the pumps to reach end of output. A descendant still
// holding the terminal or pipes open would otherwise delay the exit event
// indefinitely, so once a whole timeout passes without any output being
// delivered the parent's read ends are closed and undelivered output is
// dropped.
func (p *ManagedProcess) drainOutput(timeout time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	seen := p.delivered.Load()
	for {
		select {
		case <-drained:
			return true
		case <-timer.C:
		}
		if now := p.delivered.Load(); now != seen {
			seen = now
			timer.Reset(timeout)
			continue
		}
		close(p.outputCut)
		for _, f := range p.outputs {
			_ = f.Close()
		}
		return false
	}
}

// reap waits for the process to exit and its output to drain, then removes
// it from the supervisor before the exit event is sent.
func (p *ManagedProcess) reap() {
	s := p.sup
	waitErr := p.cmd.Wait()
	code, signaled := exitStatus(p.cmd.ProcessState)

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	drained := p.drainOutput(s.outputDrain)
	if p.pty != nil {
		_ = p.pty.Close()
	} else {
		for _, f := range p.outputs {
			_ = f.Close()
		}
	}
	p.stdinMu.Lock()
	if p.stdin != nil && p.pty == nil {
		_ = p.stdin.Close()
	}
	p.stdinMu.Unlock()
	close(p.done)

	s.remove(p)
	kind := "exited"
	if signaled {
		kind = "signaled"
	}
	s.metrics.ProcessExit(kind)
	fields := logging.Fields{
		"id":   p.id,
		"name": p.name,
		"pid":  fmt.Sprint(p.PID()),
		"code": fmt.Sprint(code),
	}
	if !drained {
		fields["output"] = "truncated"
	}
	s.logger.Info("process exited", fields)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		p.emit(Event{Kind: EventError, Err: fmt.Errorf("wait: %w", waitErr)})
	}
	p.emit(Event{Kind: EventExit, ExitCode: code})
	p.closeEvents()
}
