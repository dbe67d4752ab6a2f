package filelock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy reports contention: somebody else holds a live lock.
	ErrBusy = errors.New("filelock: lock busy")
	// ErrLockLost means the lock file no longer carries this holder's token,
	// usually because another contender judged it stale.
	ErrLockLost = errors.New("filelock: lock lost")
	ErrClosed   = errors.New("filelock: context closed")
)

// BusyError is returned by Acquire when the lock is held elsewhere. It
// matches ErrBusy under errors.Is; I/O failures never do.
type BusyError struct {
	Path   string
	Holder string
	Age    time.Duration
}

func (e *BusyError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("filelock: %s is locked", e.Path)
	}
	return fmt.Sprintf("filelock: %s is locked by %s (age %s)", e.Path, e.Holder, e.Age.Truncate(time.Millisecond))
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}
