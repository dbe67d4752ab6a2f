package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"sessionhost/internal/logging"
)

// acquireLink creates the lock by hard-linking a private temp file onto the
// lock path. link(2) is atomic on local and network filesystems alike, so
// exactly one contender succeeds.
func (c *Context) acquireLink(abs string, rec record, stale time.Duration) (*Handle, error) {
	dir := filepath.Dir(abs)
	tmp := filepath.Join(dir, "."+filepath.Base(abs)+"."+uuid.NewString()+".tmp")
	if err := writeExclusive(tmp, rec.encode()); err != nil {
		return nil, fmt.Errorf("filelock: create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	// One retry at most: either the holder vanished between link and stat, or
	// a stale lock was removed.
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Link(tmp, abs)
		if err == nil {
			return c.newHandle(abs, rec, StrategyLink), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			// NFS may report failure for a link that actually happened.
			if linkCount(tmp) == 2 {
				return c.newHandle(abs, rec, StrategyLink), nil
			}
			return nil, fmt.Errorf("filelock: link %s: %w", abs, err)
		}

		info, statErr := os.Stat(abs)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("filelock: stat %s: %w", abs, statErr)
		}
		existing, _ := readRecord(abs)
		age := c.clock.Now().Sub(info.ModTime())
		if attempt > 0 || age <= stale {
			return nil, &BusyError{Path: abs, Holder: existing.Owner, Age: age}
		}

		c.logger.Warn("removing stale lock", logging.Fields{
			"path":    abs,
			"holder":  existing.Owner,
			"host":    existing.Host,
			"age":     age.Truncate(time.Millisecond).String(),
			"timeout": stale.String(),
		})
		if !c.breakStale(abs, existing, stale) {
			return nil, &BusyError{Path: abs, Holder: existing.Owner, Age: age}
		}
	}
	return nil, &BusyError{Path: abs}
}

// breakStale removes a lock file judged stale. The file is first renamed to a
// private tombstone so only one contender can claim it, then re-checked: if
// the tombstone is not the stale lock that was inspected (another contender
// already replaced it with a fresh one) it is linked back into place.
func (c *Context) breakStale(abs string, observed record, stale time.Duration) bool {
	tomb := abs + "." + uuid.NewString() + ".stale"
	if err := os.Rename(abs, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.metrics.StaleRecovery("vanished")
			return true
		}
		c.metrics.StaleRecovery("error")
		c.logger.Error("stale lock removal failed", logging.Fields{
			"path":  abs,
			"error": err.Error(),
		})
		return false
	}
	defer os.Remove(tomb)

	claimed, _ := readRecord(tomb)
	info, err := os.Stat(tomb)
	if err == nil && claimed.Token == observed.Token && c.clock.Now().Sub(info.ModTime()) > stale {
		c.metrics.StaleRecovery("removed")
		return true
	}

	c.restoreStale(tomb, abs, claimed)
	return false
}

// restoreStale links a lock that was moved aside by mistake back into place.
// Between the rename and the link a third contender can create a new lock at
// abs. The moved holder is then displaced and sees ErrLockLost on its next
// Refresh.
func (c *Context) restoreStale(tomb, abs string, claimed record) {
	err := os.Link(tomb, abs)
	switch {
	case err == nil:
		c.metrics.StaleRecovery("restored")
	case errors.Is(err, fs.ErrExist):
		c.metrics.StaleRecovery("displaced")
		current, _ := readRecord(abs)
		c.logger.Error("lock holder displaced during stale recovery", logging.Fields{
			"path":      abs,
			"holder":    claimed.Owner,
			"new_owner": current.Owner,
		})
	default:
		c.metrics.StaleRecovery("error")
		c.logger.Error("could not restore lock moved during stale recovery", logging.Fields{
			"path":   abs,
			"holder": claimed.Owner,
			"error":  err.Error(),
		})
	}
}

func (c *Context) releaseLink(handle *Handle) error {
	if err := verifyToken(handle); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.Remove(handle.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filelock: remove %s: %w", handle.path, err)
	}
	return nil
}

// verifyToken checks that the lock file on disk is still ours.
func verifyToken(handle *Handle) error {
	rec, err := readRecord(handle.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", ErrLockLost, handle.path, err)
		}
		return fmt.Errorf("filelock: read %s: %w", handle.path, err)
	}
	if rec.Token != handle.token {
		return fmt.Errorf("%w: %s now held by %s", ErrLockLost, handle.path, rec.Owner)
	}
	return nil
}

func writeExclusive(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}
