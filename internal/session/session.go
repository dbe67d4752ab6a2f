package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"sessionhost/internal/filelock"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
	"sessionhost/internal/process"
	"sessionhost/internal/terminal"
)

var ErrSessionClosed = errors.New("session: closed")

type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

const inboxSize = 64

type inputMessage struct {
	items []terminal.Item
}

type resizeMessage struct {
	cols, rows uint16
	reply      chan error
}

type stopMessage struct {
	reply chan struct{}
}

// Session binds one logical session to its interpreter process and lock.
// run is the only goroutine that touches the process's stdin, the sequencer
// release order and the lock release.
type Session struct {
	id        string
	proc      *process.ManagedProcess
	lock      *filelock.Handle
	locks     *filelock.Context
	sequencer *terminal.Sequencer
	history   *terminal.History
	output    *Broadcaster
	inbox     chan any
	done      chan struct{}
	startedAt time.Time
	logger    *logging.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	state    State
	exitCode int
	exitedAt time.Time
}

type sessionConfig struct {
	outputLines int
	historySize int
	logger      *logging.Logger
	metrics     *metrics.Registry
}

func newSession(id string, proc *process.ManagedProcess, lock *filelock.Handle, locks *filelock.Context, cfg sessionConfig) *Session {
	s := &Session{
		id:        id,
		proc:      proc,
		lock:      lock,
		locks:     locks,
		history:   terminal.NewHistory(cfg.historySize),
		output:    NewBroadcaster(cfg.outputLines),
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		startedAt: time.Now().UTC(),
		logger:    logging.OrDiscard(cfg.logger).With(logging.Fields{"session": id}),
		metrics:   cfg.metrics,
		state:     StateRunning,
		exitCode:  -1,
	}
	s.sequencer = terminal.NewSequencer(terminal.WithFlushHook(func(kind terminal.FlushKind) {
		s.metrics.SequencerFlush(string(kind))
	}))
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Done() <-chan struct{}  { return s.done }
func (s *Session) Lines(n int) []string   { return s.output.Lines(n) }
func (s *Session) Lock() *filelock.Handle { return s.lock }

func (s *Session) Subscribe() (<-chan []byte, func()) {
	return s.output.Subscribe()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Running() bool {
	return s.State() != StateExited
}

// Input queues items for ordered delivery to the interpreter.
func (s *Session) Input(items []terminal.Item) error {
	if len(items) == 0 {
		return nil
	}
	return s.send(inputMessage{items: items})
}

func (s *Session) Interrupt() error {
	return s.Input([]terminal.Item{{Sequence: terminal.Unordered, Interrupt: true}})
}

func (s *Session) Resize(cols, rows uint16) error {
	reply := make(chan error, 1)
	if err := s.send(resizeMessage{cols: cols, rows: rows, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Stop asks the interpreter to terminate and waits for it to exit. After
// grace it is killed; ctx bounds the whole wait.
func (s *Session) Stop(ctx context.Context, grace time.Duration) error {
	reply := make(chan struct{}, 1)
	if err := s.send(stopMessage{reply: reply}); err != nil {
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-reply:
		return nil
	case <-timer.C:
		s.logger.Warn("interpreter ignored terminate, killing", logging.Fields{
			"pid":   strconv.Itoa(s.proc.PID()),
			"grace": grace.String(),
		})
	case <-ctx.Done():
	}
	if err := s.proc.Kill(); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.logger.Warn("kill failed", logging.Fields{"error": err.Error()})
	}
	select {
	case <-reply:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(msg any) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) run() {
	defer close(s.done)
	var stopWaiters []chan struct{}
	events := s.proc.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case inputMessage:
				s.enqueue(m.items)
			case resizeMessage:
				m.reply <- s.proc.Resize(m.cols, m.rows)
			case stopMessage:
				stopWaiters = append(stopWaiters, m.reply)
				s.setState(StateStopping)
				if err := s.proc.Terminate(); err != nil && !errors.Is(err, process.ErrNotRunning) {
					s.logger.Warn("terminate failed", logging.Fields{"error": err.Error()})
				}
			}
		}
	}
	s.finish()
	for _, waiter := range stopWaiters {
		waiter <- struct{}{}
	}
}

func (s *Session) handleEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventStdout, process.EventStderr:
		s.output.Broadcast(ev.Data)
	case process.EventError:
		s.logger.Warn("interpreter stream error", logging.Fields{"error": logging.Err(ev.Err)})
	case process.EventExit:
		s.mu.Lock()
		s.exitCode = ev.ExitCode
		s.exitedAt = time.Now().UTC()
		s.mu.Unlock()
		s.logger.Info("interpreter exited", logging.Fields{"code": strconv.Itoa(ev.ExitCode)})
	}
}

func (s *Session) enqueue(items []terminal.Item) {
	if s.State() != StateRunning {
		return
	}
	for _, item := range items {
		s.metrics.InputItem(item.Kind())
		s.sequencer.Enqueue(item)
	}
	for {
		item, ok := s.sequencer.Dequeue()
		if !ok {
			return
		}
		s.deliver(item)
	}
}

func (s *Session) deliver(item terminal.Item) {
	if item.Interrupt {
		if err := s.proc.Interrupt(); err != nil {
			s.logger.Warn("interrupt failed", logging.Fields{"error": err.Error()})
		}
	}
	if item.Text != "" {
		if item.Echo {
			s.output.Broadcast([]byte(item.Text))
		}
		if _, err := s.proc.Write([]byte(item.Text)); err != nil {
			s.logger.Warn("input write failed", logging.Fields{
				"sequence": strconv.Itoa(item.Sequence),
				"error":    err.Error(),
			})
		}
	}
	s.history.Record(item)
}

// finish runs once the interpreter's event stream has ended.
func (s *Session) finish() {
	if s.lock != nil {
		if err := s.locks.Release(s.lock); err != nil {
			s.logger.Warn("session lock release failed", logging.Fields{"error": err.Error()})
		}
	}
	s.output.Close()
	s.setState(StateExited)
	s.metrics.SessionsActive(-1)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExited {
		return
	}
	s.state = state
}

// Status is the JSON view of a session.
type Status struct {
	ID           string                  `json:"id"`
	State        State                   `json:"state"`
	ProcessID    string                  `json:"process_id"`
	PID          int                     `json:"pid"`
	PTY          bool                    `json:"pty"`
	ExitCode     *int                    `json:"exit_code,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	Started      string                  `json:"started"`
	ExitedAt     *time.Time              `json:"exited_at,omitempty"`
	LockPath     string                  `json:"lock_path,omitempty"`
	LockStrategy string                  `json:"lock_strategy,omitempty"`
	PendingInput int                     `json:"pending_input"`
	NextSequence int                     `json:"next_sequence"`
	Dropped      uint64                  `json:"output_dropped"`
	RecentInput  []terminal.HistoryEntry `json:"recent_input"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	state := s.state
	code := s.exitCode
	exitedAt := s.exitedAt
	s.mu.Unlock()

	status := Status{
		ID:           s.id,
		State:        state,
		ProcessID:    s.proc.ID(),
		PID:          s.proc.PID(),
		PTY:          s.proc.HasPTY(),
		StartedAt:    s.startedAt,
		Started:      humanize.Time(s.startedAt),
		PendingInput: s.sequencer.Pending(),
		NextSequence: s.sequencer.Next(),
		Dropped:      s.output.Dropped(),
		RecentInput:  s.history.Recent(10),
	}
	if s.lock != nil {
		status.LockPath = s.lock.Path()
		status.LockStrategy = s.lock.Strategy().String()
	}
	if state == StateExited {
		status.ExitCode = &code
		status.ExitedAt = &exitedAt
	}
	return status
}
