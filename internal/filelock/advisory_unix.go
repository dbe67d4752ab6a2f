//go:build unix

package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

const advisoryAttempts = 3

// acquireAdvisory takes an exclusive flock(2) on the lock file. flock locks
// belong to the open file description, so a second descriptor in the same
// process conflicts just like another process would.
func (c *Context) acquireAdvisory(abs string, rec record) (*Handle, error) {
	for attempt := 0; attempt < advisoryAttempts; attempt++ {
		file, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filelock: open %s: %w", abs, err)
		}
		if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			file.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				existing, _ := readRecord(abs)
				return nil, &BusyError{Path: abs, Holder: existing.Owner, Age: c.clock.Now().Sub(existing.Acquired)}
			}
			return nil, fmt.Errorf("filelock: flock %s: %w", abs, err)
		}

		// A releasing holder unlinks the file before unlocking; if that
		// happened between our open and flock we locked an orphaned inode.
		opened, statErr := file.Stat()
		current, pathErr := os.Stat(abs)
		if statErr != nil || pathErr != nil || !os.SameFile(opened, current) {
			_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
			file.Close()
			continue
		}

		if err := writeRecord(file, rec); err != nil {
			_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
			file.Close()
			return nil, fmt.Errorf("filelock: write %s: %w", abs, err)
		}
		handle := c.newHandle(abs, rec, StrategyAdvisory)
		handle.file = file
		return handle, nil
	}
	return nil, &BusyError{Path: abs}
}

func writeRecord(file *os.File, rec record) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(rec.encode(), 0); err != nil {
		return err
	}
	return file.Sync()
}

func releaseAdvisory(handle *Handle) error {
	if handle.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(handle.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("filelock: remove %s: %w", handle.path, err))
	}
	if err := unix.Flock(int(handle.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("filelock: unlock %s: %w", handle.path, err))
	}
	if err := handle.file.Close(); err != nil {
		errs = append(errs, err)
	}
	handle.file = nil
	return errors.Join(errs...)
}

// advisoryLocked probes with a shared non-blocking lock.
func advisoryLocked(abs string) bool {
	file, err := os.Open(abs)
	if err != nil {
		return false
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false
}

func linkCount(path string) uint64 {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0
	}
	return uint64(st.Nlink)
}
