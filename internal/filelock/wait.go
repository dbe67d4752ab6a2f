package filelock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	defaultRetryInterval = 250 * time.Millisecond
	maxRetryInterval     = 2 * time.Second
)

type WaitOptions struct {
	// RetryInterval is the first backoff step; it doubles up to two seconds.
	RetryInterval time.Duration
	// Strategy overrides the context default when non-zero.
	Strategy Strategy
}

// AcquireWait keeps trying to acquire path until it succeeds, ctx ends, or a
// non-contention error occurs. Removal of the lock file wakes it early;
// otherwise it backs off, and a rate limiter keeps event storms from turning
// into a busy loop.
func (c *Context) AcquireWait(ctx context.Context, path, owner string, opts WaitOptions) (*Handle, error) {
	strategy := opts.Strategy
	if strategy == StrategyAuto {
		strategy = c.strategy
	}
	handle, err := c.AcquireWith(strategy, path, owner)
	if err == nil || !errors.Is(err, ErrBusy) {
		return handle, err
	}

	abs, absErr := canonicalPath(path)
	if absErr != nil {
		return nil, absErr
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if watcher, watchErr := fsnotify.NewWatcher(); watchErr == nil {
		defer watcher.Close()
		if watcher.Add(filepath.Dir(abs)) == nil {
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval/4+time.Millisecond), 1)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	lastErr := err
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("filelock: wait for %s: %w (last: %v)", abs, ctx.Err(), lastErr)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
		case _, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
			}
			continue
		case <-timer.C:
			interval = min(interval*2, maxRetryInterval)
			timer.Reset(interval)
		}

		if err := limiter.Wait(ctx); err != nil {
			// The limiter refuses waits that would overrun the deadline.
			cause := ctx.Err()
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return nil, fmt.Errorf("filelock: wait for %s: %w (last: %v)", abs, cause, lastErr)
		}
		handle, err := c.AcquireWith(strategy, abs, owner)
		if err == nil || !errors.Is(err, ErrBusy) {
			return handle, err
		}
		lastErr = err
	}
}
