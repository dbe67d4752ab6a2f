// Package filelock provides mutual exclusion on shared on-disk state between
// cooperating processes, including processes on other hosts that share a
// network filesystem.
//
// Two strategies are available. The link strategy creates the lock file with
// an atomic hard link and works on filesystems without native locking; stale
// lock files are recovered once their age passes the staleness timeout, which
// is a heuristic rather than a proof that the holder is gone. The advisory
// strategy uses flock(2) and is only correct on a single host.
//
// A Context tracks which paths the current process holds, keyed by the
// logical session that acquired them. A second acquisition of a held path
// fails without consulting the operating system, and child processes never
// disturb the registry because nothing in it is keyed by process identity.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionhost/internal/clock"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
)

const DefaultStaleTimeout = 30 * time.Second

type Strategy int

const (
	// StrategyAuto picks link locking on network filesystems and advisory
	// locking elsewhere.
	StrategyAuto Strategy = iota
	StrategyLink
	StrategyAdvisory
)

func (s Strategy) String() string {
	switch s {
	case StrategyLink:
		return "link"
	case StrategyAdvisory:
		return "advisory"
	default:
		return "auto"
	}
}

func ParseStrategy(value string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return StrategyAuto, nil
	case "link", "linkbased", "link-based":
		return StrategyLink, nil
	case "advisory", "flock":
		return StrategyAdvisory, nil
	default:
		return StrategyAuto, fmt.Errorf("filelock: unknown strategy %q", value)
	}
}

type Options struct {
	Strategy     Strategy
	StaleTimeout time.Duration
	Clock        clock.Clock
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	// Hostname is recorded in lock files; defaults to os.Hostname.
	Hostname string
}

// Context owns the in-process lock registry and the staleness timeout. Create
// one per server (or per test) and Close it on shutdown.
type Context struct {
	mu           sync.Mutex
	held         map[string]*Handle
	staleTimeout time.Duration
	closed       bool

	strategy Strategy
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
	host     string
	pid      int
}

// Handle is a held lock. It is released through the Context that created it.
type Handle struct {
	path     string
	owner    string
	token    string
	strategy Strategy
	acquired time.Time
	lease    time.Duration
	file     *os.File
	pending  bool
}

func (h *Handle) Path() string          { return h.path }
func (h *Handle) Owner() string         { return h.owner }
func (h *Handle) Token() string         { return h.token }
func (h *Handle) Strategy() Strategy    { return h.strategy }
func (h *Handle) AcquiredAt() time.Time { return h.acquired }
func (h *Handle) Lease() time.Duration  { return h.lease }

func NewContext(opts Options) *Context {
	staleTimeout := opts.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	host := opts.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}
	return &Context{
		held:         make(map[string]*Handle),
		staleTimeout: staleTimeout,
		strategy:     opts.Strategy,
		clock:        clock.OrReal(opts.Clock),
		logger:       logging.OrDiscard(opts.Logger).Named("filelock"),
		metrics:      opts.Metrics,
		host:         host,
		pid:          os.Getpid(),
	}
}

func (c *Context) StaleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleTimeout
}

// SetStaleTimeout changes the staleness timeout for subsequent acquisitions
// and returns the previous value so callers can restore it.
func (c *Context) SetStaleTimeout(timeout time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.staleTimeout
	if timeout > 0 {
		c.staleTimeout = timeout
	}
	return previous
}

func (c *Context) Strategy() Strategy {
	return c.strategy
}

// Acquire takes the lock at path on behalf of owner using the context's
// default strategy.
func (c *Context) Acquire(path, owner string) (*Handle, error) {
	return c.AcquireWith(c.strategy, path, owner)
}

func (c *Context) AcquireWith(strategy Strategy, path, owner string) (*Handle, error) {
	abs, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}
	strategy = resolveStrategy(strategy, abs)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := c.held[abs]; ok {
		c.mu.Unlock()
		c.metrics.LockAttempt(strategy.String(), "busy")
		return nil, &BusyError{Path: abs, Holder: existing.owner, Age: c.clock.Now().Sub(existing.acquired)}
	}
	// Reserve the path so concurrent callers in this process fail fast while
	// the filesystem work happens outside the mutex.
	reservation := &Handle{path: abs, owner: owner, pending: true}
	c.held[abs] = reservation
	stale := c.staleTimeout
	c.mu.Unlock()

	rec := record{
		Owner:    owner,
		Token:    uuid.NewString(),
		Host:     c.host,
		PID:      c.pid,
		Acquired: c.clock.Now(),
	}
	var handle *Handle
	switch strategy {
	case StrategyAdvisory:
		handle, err = c.acquireAdvisory(abs, rec)
	default:
		handle, err = c.acquireLink(abs, rec, stale)
	}

	c.mu.Lock()
	if err != nil || c.closed {
		delete(c.held, abs)
		c.mu.Unlock()
		if err == nil {
			c.releaseFile(handle)
			err = ErrClosed
		}
		c.metrics.LockAttempt(strategy.String(), attemptResult(err))
		return nil, err
	}
	handle.lease = stale
	c.held[abs] = handle
	c.mu.Unlock()

	c.metrics.LockAttempt(strategy.String(), "acquired")
	c.metrics.LocksHeld(1)
	c.logger.Debug("lock acquired", logging.Fields{
		"path":     abs,
		"owner":    owner,
		"strategy": strategy.String(),
	})
	return handle, nil
}

// Release drops the lock. Releasing a handle this context does not hold is
// logged and otherwise ignored.
func (c *Context) Release(handle *Handle) error {
	if handle == nil {
		return nil
	}
	c.mu.Lock()
	current, ok := c.held[handle.path]
	if !ok || current != handle {
		c.mu.Unlock()
		c.logger.Warn("release of lock not held", logging.Fields{
			"path":  handle.path,
			"owner": handle.owner,
		})
		return nil
	}
	delete(c.held, handle.path)
	c.mu.Unlock()

	c.metrics.LocksHeld(-1)
	err := c.releaseFile(handle)
	if err != nil {
		c.logger.Warn("lock release incomplete", logging.Fields{
			"path":  handle.path,
			"error": err.Error(),
		})
	}
	return err
}

func (c *Context) releaseFile(handle *Handle) error {
	if handle == nil {
		return nil
	}
	if handle.strategy == StrategyAdvisory {
		return releaseAdvisory(handle)
	}
	return c.releaseLink(handle)
}

// ReleaseOwner releases every lock held on behalf of owner.
func (c *Context) ReleaseOwner(owner string) error {
	var errs []error
	for _, handle := range c.handles(func(h *Handle) bool { return h.owner == owner }) {
		if err := c.Release(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLocked reports whether path is held by this context or by a live holder
// anywhere else.
func (c *Context) IsLocked(path string) bool {
	abs, err := canonicalPath(path)
	if err != nil {
		return false
	}
	c.mu.Lock()
	_, held := c.held[abs]
	stale := c.staleTimeout
	c.mu.Unlock()
	if held {
		return true
	}

	switch resolveStrategy(c.strategy, abs) {
	case StrategyAdvisory:
		return advisoryLocked(abs)
	default:
		info, err := os.Stat(abs)
		if err != nil {
			return false
		}
		return c.clock.Now().Sub(info.ModTime()) <= stale
	}
}

// Held lists the paths this context currently holds, sorted.
func (c *Context) Held() []string {
	handles := c.handles(nil)
	paths := make([]string, 0, len(handles))
	for _, handle := range handles {
		paths = append(paths, handle.path)
	}
	sort.Strings(paths)
	return paths
}

// Refresh bumps the lock file's modification time so a long-lived holder is
// never judged stale.
func (c *Context) Refresh(handle *Handle) error {
	if handle == nil {
		return nil
	}
	c.mu.Lock()
	current, ok := c.held[handle.path]
	c.mu.Unlock()
	if !ok || current != handle {
		return fmt.Errorf("%w: %s not held", ErrLockLost, handle.path)
	}
	if handle.strategy == StrategyLink {
		if err := verifyToken(handle); err != nil {
			return err
		}
	}
	now := c.clock.Now()
	if err := os.Chtimes(handle.path, now, now); err != nil {
		return fmt.Errorf("filelock: refresh %s: %w", handle.path, err)
	}
	return nil
}

// RefreshAll refreshes every held lock and returns the handles that could not
// be refreshed.
func (c *Context) RefreshAll() []*Handle {
	var failed []*Handle
	for _, handle := range c.handles(nil) {
		if err := c.Refresh(handle); err != nil {
			c.logger.Warn("lock refresh failed", logging.Fields{
				"path":  handle.path,
				"owner": handle.owner,
				"error": err.Error(),
			})
			failed = append(failed, handle)
		}
	}
	return failed
}

// Close releases every held lock. Further acquisitions fail with ErrClosed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, handle := range c.handles(nil) {
		if err := c.Release(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Context) handles(filter func(*Handle) bool) []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, 0, len(c.held))
	for _, handle := range c.held {
		if handle.pending {
			continue
		}
		if filter != nil && !filter(handle) {
			continue
		}
		out = append(out, handle)
	}
	return out
}

func (c *Context) newHandle(abs string, rec record, strategy Strategy) *Handle {
	return &Handle{
		path:     abs,
		owner:    rec.Owner,
		token:    rec.Token,
		strategy: strategy,
		acquired: rec.Acquired,
	}
}

func canonicalPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("filelock: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("filelock: resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

func resolveStrategy(strategy Strategy, abs string) Strategy {
	if strategy != StrategyAuto {
		return strategy
	}
	if isNetworkFS(filepath.Dir(abs)) {
		return StrategyLink
	}
	return StrategyAdvisory
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "acquired"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "error"
	}
}
