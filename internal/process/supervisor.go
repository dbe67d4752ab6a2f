package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
)

var (
	ErrSupervisorClosed = errors.New("process: supervisor closed")
	ErrNotRunning       = errors.New("process: not running")
	ErrNoPTY            = errors.New("process: no pty attached")
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultOutputDrain bounds how long an exited child's output may stall
	// before its exit is reported anyway.
	DefaultOutputDrain = 500 * time.Millisecond
)

// LaunchSpec describes a child process.
type LaunchSpec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env replaces the inherited environment when non-nil.
	Env []string

	PTY        bool
	Cols, Rows uint16
	// NewProcessGroup places the child in its own process group so group
	// signals reach its descendants. PTY children always lead a new session.
	NewProcessGroup bool
}

type Options struct {
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	PollInterval time.Duration
	OutputDrain  time.Duration
}

// Supervisor tracks every child it launched until the child's exit has been
// observed. The live-set is guarded by a single mutex; idle is closed
// whenever the set becomes empty.
type Supervisor struct {
	mu     sync.Mutex
	live   map[string]*ManagedProcess
	idle   chan struct{}
	closed bool

	logger       *logging.Logger
	metrics      *metrics.Registry
	pollInterval time.Duration
	outputDrain  time.Duration
}

func NewSupervisor(opts Options) *Supervisor {
	idle := make(chan struct{})
	close(idle)
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	drain := opts.OutputDrain
	if drain <= 0 {
		drain = DefaultOutputDrain
	}
	return &Supervisor{
		live:         make(map[string]*ManagedProcess),
		idle:         idle,
		logger:       logging.OrDiscard(opts.Logger).Named("supervisor"),
		metrics:      opts.Metrics,
		pollInterval: poll,
		outputDrain:  drain,
	}
}

// Launch starts a child. The process joins the live-set before the OS spawn
// so a concurrent Wait cannot miss it; a failed spawn removes it again.
func (s *Supervisor) Launch(spec LaunchSpec) (*ManagedProcess, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("process: empty command")
	}
	proc := newManagedProcess(spec)
	proc.sup = s

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	if len(s.live) == 0 {
		s.idle = make(chan struct{})
	}
	s.live[proc.id] = proc
	count := len(s.live)
	s.mu.Unlock()
	s.metrics.LiveProcesses(count)

	if err := proc.start(spec); err != nil {
		s.remove(proc)
		s.metrics.ProcessLaunch(err)
		s.logger.Warn("launch failed", logging.Fields{
			"name":    spec.Name,
			"command": spec.Command,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("process: launch %s: %w", spec.Command, err)
	}
	s.metrics.ProcessLaunch(nil)
	s.logger.Info("process launched", logging.Fields{
		"id":   proc.id,
		"name": spec.Name,
		"pid":  fmt.Sprint(proc.PID()),
		"pty":  fmt.Sprint(spec.PTY),
	})

	go proc.reap()
	return proc, nil
}

// HasRunningChildren reports whether the live-set is non-empty.
func (s *Supervisor) HasRunningChildren() bool {
	return s.Len() > 0
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Processes returns a snapshot of the live-set ordered by id, which is also
// launch order.
func (s *Supervisor) Processes() []*ManagedProcess {
	s.mu.Lock()
	procs := make([]*ManagedProcess, 0, len(s.live))
	for _, proc := range s.live {
		procs = append(procs, proc)
	}
	s.mu.Unlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].id < procs[j].id })
	return procs
}

// TerminateAll sends SIGTERM to every tracked process, and first to its
// descendants when killDescendants is set. It does not wait.
func (s *Supervisor) TerminateAll(killDescendants bool) error {
	return s.SignalAll(syscall.SIGTERM, killDescendants)
}

// SignalAll delivers sig to every tracked process. Per-process failures are
// logged and joined; they never stop the batch.
func (s *Supervisor) SignalAll(sig syscall.Signal, killDescendants bool) error {
	var errs []error
	for _, proc := range s.Processes() {
		if err := proc.signalTree(sig, killDescendants); err != nil {
			s.logger.Warn("signal failed", logging.Fields{
				"id":     proc.id,
				"pid":    fmt.Sprint(proc.PID()),
				"signal": sig.String(),
				"error":  err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s (pid %d): %w", proc.name, proc.PID(), err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until no tracked process remains or timeout elapses. A
// non-positive timeout waits indefinitely.
func (s *Supervisor) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.WaitContext(context.Background()) == nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.WaitContext(ctx) == nil
}

func (s *Supervisor) WaitContext(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops tracking. Processes keep running and their events are still
// delivered; their exits no longer touch the supervisor.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.live = make(map[string]*ManagedProcess)
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Supervisor) remove(proc *ManagedProcess) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if current, ok := s.live[proc.id]; !ok || current != proc {
		s.mu.Unlock()
		return
	}
	delete(s.live, proc.id)
	count := len(s.live)
	if count == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
	s.metrics.LiveProcesses(count)
}
