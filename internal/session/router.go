// Package session serves the session host's HTTP surface. Connections are
// read with the incremental request parser so large uploads stream to disk
// with backpressure; each logical session owns one interpreter process, one
// lock file and one goroutine that serialises everything sent to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"sessionhost/internal/event"
	"sessionhost/internal/filelock"
	"sessionhost/internal/httpparse"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
	"sessionhost/internal/process"
	"sessionhost/internal/terminal"
)

var ErrRouterClosed = errors.New("session: router closed")

const (
	DefaultIdleTimeout   = 2 * time.Minute
	DefaultStopTimeout   = 10 * time.Second
	DefaultMaxUploadSize = 1 << 30
	defaultOutputQuery   = 100
	killWait             = 5 * time.Second
	uploadPath           = "/session/upload"
	eventHistory         = 256
	maxStartWait         = time.Minute
)

type Options struct {
	// StateDir holds lock files and uploads.
	StateDir string
	// Interpreter is the command launched for every session.
	Interpreter process.LaunchSpec

	Locks      *filelock.Context
	Supervisor *process.Supervisor
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	// Events receives session lifecycle events. The router creates and
	// owns a bus when nil.
	Events *event.Bus[event.SessionEvent]

	Parser         httpparse.Options
	MaxUploadSize  int64
	UploadQueue    int
	IdleTimeout    time.Duration
	StopTimeout    time.Duration
	LockRefresh    time.Duration
	OutputLines    int
	HistorySize    int
	AllowedOrigins []string
}

type apiHandler func(c *call) *apiError

type route struct {
	name    string
	handler apiHandler
	public  bool
}

// call carries one dispatched request.
type call struct {
	req     *httpparse.Request
	session string
	resp    *response
	conn    *connState
}

type Router struct {
	stateDir       string
	interpreter    process.LaunchSpec
	locks          *filelock.Context
	supervisor     *process.Supervisor
	logger         *logging.Logger
	metrics        *metrics.Registry
	events         *event.Bus[event.SessionEvent]
	ownsEvents     bool
	parserOpts     httpparse.Options
	maxUpload      int64
	uploadQueue    int
	idleTimeout    time.Duration
	stopTimeout    time.Duration
	outputLines    int
	historySize    int
	allowedOrigins []string

	routes map[string]map[string]route

	mu        sync.Mutex
	startMu   sync.Mutex
	sessions  map[string]*Session
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	connWG    sync.WaitGroup

	closed       atomic.Bool
	closing      chan struct{}
	refreshDone  chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewRouter(opts Options) (*Router, error) {
	if opts.StateDir == "" {
		return nil, errors.New("session: state dir is required")
	}
	if opts.Interpreter.Command == "" {
		return nil, errors.New("session: interpreter command is required")
	}
	if err := os.MkdirAll(filepath.Join(opts.StateDir, "locks"), 0o755); err != nil {
		return nil, fmt.Errorf("session: create state dir: %w", err)
	}
	logger := logging.OrDiscard(opts.Logger).Named("session")
	locks := opts.Locks
	if locks == nil {
		locks = filelock.NewContext(filelock.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	supervisor := opts.Supervisor
	if supervisor == nil {
		supervisor = process.NewSupervisor(process.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}

	r := &Router{
		stateDir:       opts.StateDir,
		interpreter:    opts.Interpreter,
		locks:          locks,
		supervisor:     supervisor,
		logger:         logger,
		metrics:        opts.Metrics,
		events:         opts.Events,
		parserOpts:     opts.Parser,
		maxUpload:      opts.MaxUploadSize,
		uploadQueue:    opts.UploadQueue,
		idleTimeout:    opts.IdleTimeout,
		stopTimeout:    opts.StopTimeout,
		outputLines:    opts.OutputLines,
		historySize:    opts.HistorySize,
		allowedOrigins: opts.AllowedOrigins,
		sessions:       make(map[string]*Session),
		listeners:      make(map[net.Listener]struct{}),
		conns:          make(map[net.Conn]struct{}),
		closing:        make(chan struct{}),
		refreshDone:    make(chan struct{}),
	}
	if r.events == nil {
		r.events = event.NewBus[event.SessionEvent](context.Background(), event.BusOptions{
			Name:        "sessions",
			HistorySize: eventHistory,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		})
		r.ownsEvents = true
	}
	if r.maxUpload == 0 {
		r.maxUpload = DefaultMaxUploadSize
	}
	if r.idleTimeout == 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.stopTimeout <= 0 {
		r.stopTimeout = DefaultStopTimeout
	}
	r.registerRoutes()

	refresh := opts.LockRefresh
	if refresh <= 0 {
		refresh = locks.StaleTimeout() / 3
	}
	go r.refreshLoop(refresh)
	return r, nil
}

func (r *Router) registerRoutes() {
	r.routes = map[string]map[string]route{
		"/healthz": {
			http.MethodGet: {name: "healthz", handler: r.handleHealth, public: true},
		},
		"/session/start": {
			http.MethodPost: {name: "session.start", handler: r.handleStart},
		},
		"/session/status": {
			http.MethodGet: {name: "session.status", handler: r.handleStatus},
		},
		"/session/input": {
			http.MethodPost: {name: "session.input", handler: r.handleInput},
		},
		"/session/interrupt": {
			http.MethodPost: {name: "session.interrupt", handler: r.handleInterrupt},
		},
		"/session/resize": {
			http.MethodPost: {name: "session.resize", handler: r.handleResize},
		},
		"/session/output": {
			http.MethodGet: {name: "session.output", handler: r.handleOutput},
		},
		uploadPath: {
			http.MethodPut: {name: "session.upload", handler: r.handleUpload},
		},
		"/session/stop": {
			http.MethodPost: {name: "session.stop", handler: r.handleStop},
		},
	}
}

func (r *Router) match(req *httpparse.Request) (route, *apiError) {
	methods, ok := r.routes[req.Path()]
	if !ok {
		return route{name: "not_found"}, &apiError{Status: http.StatusNotFound, Message: "not found"}
	}
	rt, ok := methods[req.Method]
	if !ok {
		return route{name: "method_not_allowed"}, &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}
	return rt, nil
}

// Session returns the session for id, running or not.
func (r *Router) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Router) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Events is the bus carrying session lifecycle events.
func (r *Router) Events() *event.Bus[event.SessionEvent] {
	return r.events
}

func (r *Router) publish(eventType, sessionID string, update func(*event.SessionEvent)) {
	ev := event.NewSessionEvent(eventType, sessionID)
	if update != nil {
		update(&ev)
	}
	r.events.Publish(ev)
}

func (r *Router) lockPath(id string) string {
	return filepath.Join(r.stateDir, "locks", id+".lock")
}

func (r *Router) handleHealth(c *call) *apiError {
	if r.closed.Load() {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "shutting down"}
	}
	c.resp.writeText(http.StatusOK, "ok\n")
	return nil
}

func (r *Router) handleStart(c *call) *apiError {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if existing, ok := r.Session(c.session); ok && existing.Running() {
		c.resp.writeJSON(http.StatusOK, existing.Status())
		return nil
	}
	if r.closed.Load() {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "shutting down"}
	}

	wait, apiErr := parseWait(c.req.Query().Get("wait"))
	if apiErr != nil {
		return apiErr
	}
	handle, err := r.acquireSessionLock(c.session, wait)
	if err == nil && r.closed.Load() {
		_ = r.locks.Release(handle)
		return &apiError{Status: http.StatusServiceUnavailable, Message: "shutting down"}
	}
	if err != nil {
		var busy *filelock.BusyError
		if errors.As(err, &busy) {
			if existing, ok := r.Session(c.session); ok && existing.Running() {
				c.resp.writeJSON(http.StatusOK, existing.Status())
				return nil
			}
			r.publish(event.SessionBusy, c.session, func(ev *event.SessionEvent) { ev.Detail = busy.Holder })
			return &apiError{
				Status:     http.StatusConflict,
				Code:       "session_busy",
				Message:    "session is active elsewhere",
				RetryAfter: int(math.Ceil(r.locks.StaleTimeout().Seconds())),
			}
		}
		r.logger.Error("session lock failed", logging.Fields{"session": c.session, "error": err.Error()})
		return &apiError{Status: http.StatusInternalServerError, Message: "could not lock session"}
	}

	spec := r.interpreter
	spec.Name = "session-" + c.session
	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	spec.Env = append(append([]string(nil), env...), "SESSIONHOST_SESSION_ID="+c.session)
	query := c.req.Query()
	if cols, rows, ok := parseSize(query.Get("cols"), query.Get("rows")); ok {
		spec.Cols, spec.Rows = cols, rows
	}

	proc, err := r.supervisor.Launch(spec)
	if err != nil {
		if releaseErr := r.locks.Release(handle); releaseErr != nil {
			r.logger.Warn("lock release after failed launch", logging.Fields{"session": c.session, "error": releaseErr.Error()})
		}
		r.logger.Error("interpreter launch failed", logging.Fields{"session": c.session, "error": err.Error()})
		return &apiError{Status: http.StatusInternalServerError, Message: "could not start interpreter"}
	}

	s := newSession(c.session, proc, handle, r.locks, sessionConfig{
		outputLines: r.outputLines,
		historySize: r.historySize,
		logger:      r.logger,
		metrics:     r.metrics,
	})
	r.mu.Lock()
	r.sessions[c.session] = s
	r.mu.Unlock()
	r.metrics.SessionsActive(1)
	go s.run()
	r.publish(event.SessionStarted, c.session, func(ev *event.SessionEvent) { ev.PID = proc.PID() })
	go func() {
		<-s.Done()
		status := s.Status()
		r.publish(event.SessionExited, s.id, func(ev *event.SessionEvent) {
			ev.PID = status.PID
			ev.ExitCode = status.ExitCode
		})
	}()

	r.logger.Info("session started", logging.Fields{
		"session": c.session,
		"pid":     strconv.Itoa(proc.PID()),
		"lock":    handle.Strategy().String(),
	})
	c.resp.writeJSON(http.StatusCreated, s.Status())
	return nil
}

// acquireSessionLock takes the session lock, waiting up to wait for a holder
// elsewhere to let go. startMu is dropped while waiting so other sessions can
// start; a wait that runs out falls back to one plain attempt so the caller
// sees the usual busy error.
func (r *Router) acquireSessionLock(id string, wait time.Duration) (*filelock.Handle, error) {
	path := r.lockPath(id)
	if wait <= 0 {
		return r.locks.Acquire(path, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	go func() {
		select {
		case <-r.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.startMu.Unlock()
	handle, err := r.locks.AcquireWait(ctx, path, id, filelock.WaitOptions{})
	r.startMu.Lock()
	if err == nil || ctx.Err() == nil {
		return handle, err
	}
	return r.locks.Acquire(path, id)
}

func parseWait(raw string) (time.Duration, *apiError) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, &apiError{Status: http.StatusBadRequest, Message: "wait must be a non-negative duration"}
	}
	return min(wait, maxStartWait), nil
}

func (r *Router) requireSession(c *call) (*Session, *apiError) {
	s, ok := r.Session(c.session)
	if !ok {
		return nil, &apiError{Status: http.StatusNotFound, Message: "no session"}
	}
	return s, nil
}

func (r *Router) requireRunning(c *call) (*Session, *apiError) {
	s, apiErr := r.requireSession(c)
	if apiErr != nil {
		return nil, apiErr
	}
	if s.State() != StateRunning {
		return nil, &apiError{Status: http.StatusConflict, Code: "not_running", Message: "session is not running"}
	}
	return s, nil
}

func (r *Router) handleStatus(c *call) *apiError {
	s, apiErr := r.requireSession(c)
	if apiErr != nil {
		return apiErr
	}
	c.resp.writeJSON(http.StatusOK, s.Status())
	return nil
}

func (r *Router) handleInput(c *call) *apiError {
	s, apiErr := r.requireRunning(c)
	if apiErr != nil {
		return apiErr
	}
	items, err := terminal.DecodeItems(c.req.Body)
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	if err := s.Input(items); err != nil {
		return &apiError{Status: http.StatusConflict, Code: "not_running", Message: err.Error()}
	}
	c.resp.writeJSON(http.StatusAccepted, map[string]int{"accepted": len(items)})
	return nil
}

func (r *Router) handleInterrupt(c *call) *apiError {
	s, apiErr := r.requireRunning(c)
	if apiErr != nil {
		return apiErr
	}
	if err := s.Interrupt(); err != nil {
		return &apiError{Status: http.StatusConflict, Code: "not_running", Message: err.Error()}
	}
	c.resp.writeJSON(http.StatusAccepted, map[string]int{"accepted": 1})
	return nil
}

func (r *Router) handleResize(c *call) *apiError {
	query := c.req.Query()
	cols, rows, ok := parseSize(query.Get("cols"), query.Get("rows"))
	if !ok {
		return &apiError{Status: http.StatusBadRequest, Message: "cols and rows must be positive integers"}
	}
	s, apiErr := r.requireRunning(c)
	if apiErr != nil {
		return apiErr
	}
	if err := s.Resize(cols, rows); err != nil {
		if errors.Is(err, process.ErrNoPTY) {
			return &apiError{Status: http.StatusConflict, Code: "no_terminal", Message: "session has no terminal"}
		}
		return &apiError{Status: http.StatusConflict, Code: "not_running", Message: err.Error()}
	}
	c.resp.writeJSON(http.StatusOK, map[string]uint16{"cols": cols, "rows": rows})
	return nil
}

func (r *Router) handleOutput(c *call) *apiError {
	s, apiErr := r.requireSession(c)
	if apiErr != nil {
		return apiErr
	}
	lines := defaultOutputQuery
	if raw := c.req.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "lines must be a non-negative integer"}
		}
		lines = n
	}
	c.resp.writeJSON(http.StatusOK, map[string]any{
		"state": s.State(),
		"lines": s.Lines(lines),
	})
	return nil
}

func (r *Router) handleUpload(c *call) *apiError {
	if c.conn.rejection != nil {
		return c.conn.rejection
	}
	sink := c.conn.upload
	if sink == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "upload was not streamed"}
	}
	c.conn.upload = nil
	written, err := sink.finish()
	if err != nil {
		r.logger.Error("upload failed", logging.Fields{"session": c.session, "name": sink.name, "error": err.Error()})
		return &apiError{Status: http.StatusInternalServerError, Message: "could not store upload"}
	}
	r.logger.Info("upload stored", logging.Fields{"session": c.session, "name": sink.name, "bytes": strconv.FormatInt(written, 10)})
	r.publish(event.UploadStored, c.session, func(ev *event.SessionEvent) { ev.Detail = sink.name })
	c.resp.writeJSON(http.StatusCreated, map[string]any{"name": sink.name, "bytes": written})
	return nil
}

func (r *Router) handleStop(c *call) *apiError {
	s, apiErr := r.requireSession(c)
	if apiErr != nil {
		return apiErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout+killWait)
	defer cancel()
	if err := s.Stop(ctx, r.stopTimeout); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "interpreter did not exit"}
	}
	c.resp.writeJSON(http.StatusOK, s.Status())
	return nil
}

func parseSize(rawCols, rawRows string) (uint16, uint16, bool) {
	cols, err := strconv.ParseUint(rawCols, 10, 16)
	if err != nil || cols == 0 {
		return 0, 0, false
	}
	rows, err := strconv.ParseUint(rawRows, 10, 16)
	if err != nil || rows == 0 {
		return 0, 0, false
	}
	return uint16(cols), uint16(rows), true
}

// refreshLoop keeps every running session's lock fresh. A session whose lock
// was taken over elsewhere is stopped.
func (r *Router) refreshLoop(interval time.Duration) {
	defer close(r.refreshDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closing:
			return
		case <-ticker.C:
			for _, s := range r.Sessions() {
				if s.State() != StateRunning || s.lock == nil {
					continue
				}
				err := r.locks.Refresh(s.lock)
				switch {
				case err == nil:
				case errors.Is(err, filelock.ErrLockLost):
					r.logger.Error("session lock lost, stopping session", logging.Fields{"session": s.id, "error": err.Error()})
					r.publish(event.SessionLockLost, s.id, func(ev *event.SessionEvent) { ev.Detail = err.Error() })
					go func(s *Session) {
						ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout+killWait)
						defer cancel()
						_ = s.Stop(ctx, r.stopTimeout)
					}(s)
				default:
					r.logger.Warn("session lock refresh failed", logging.Fields{"session": s.id, "error": err.Error()})
				}
			}
		}
	}
}

// Serve accepts connections on ln until ctx ends or the router shuts down.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	if !r.trackListener(ln) {
		_ = ln.Close()
		return ErrRouterClosed
	}
	defer r.forgetListener(ln)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	r.logger.Info("serving", logging.Fields{"addr": ln.Addr().String()})
	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if r.closed.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				r.logger.Warn("accept failed, retrying", logging.Fields{"error": err.Error(), "delay": tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		if !r.trackConn(nc) {
			_ = nc.Close()
			continue
		}
		go r.serveConn(nc)
	}
}

func (r *Router) trackListener(ln net.Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.listeners[ln] = struct{}{}
	return true
}

func (r *Router) forgetListener(ln net.Listener) {
	r.mu.Lock()
	delete(r.listeners, ln)
	r.mu.Unlock()
}

func (r *Router) trackConn(nc net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return false
	}
	r.conns[nc] = struct{}{}
	r.connWG.Add(1)
	return true
}

func (r *Router) forgetConn(nc net.Conn) {
	r.mu.Lock()
	delete(r.conns, nc)
	r.mu.Unlock()
	r.connWG.Done()
}

// Shutdown stops accepting, terminates every interpreter and its
// descendants, waits for them, then releases all locks.
func (r *Router) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Router) shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed.Store(true)
	close(r.closing)
	for ln := range r.listeners {
		_ = ln.Close()
	}
	for nc := range r.conns {
		// Unblock idle reads; in-flight requests still finish.
		_ = nc.SetReadDeadline(time.Now())
	}
	r.mu.Unlock()
	<-r.refreshDone

	var errs []error
	if err := r.supervisor.TerminateAll(true); err != nil {
		errs = append(errs, err)
	}
	if err := r.supervisor.WaitContext(ctx); err != nil {
		r.logger.Warn("interpreters still running, killing", logging.Fields{"remaining": strconv.Itoa(r.supervisor.Len())})
		if killErr := r.supervisor.SignalAll(syscall.SIGKILL, true); killErr != nil {
			errs = append(errs, killErr)
		}
		if !r.supervisor.Wait(killWait) {
			errs = append(errs, fmt.Errorf("session: %d interpreters did not exit", r.supervisor.Len()))
		}
	}
	for _, s := range r.Sessions() {
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	}

	connsDone := make(chan struct{})
	go func() {
		r.connWG.Wait()
		close(connsDone)
	}()
	select {
	case <-connsDone:
	case <-ctx.Done():
		r.mu.Lock()
		for nc := range r.conns {
			_ = nc.Close()
		}
		r.mu.Unlock()
		<-connsDone
	}

	if err := r.locks.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.ownsEvents {
		r.events.Close()
	}
	r.logger.Info("router stopped", nil)
	return errors.Join(errs...)
}
