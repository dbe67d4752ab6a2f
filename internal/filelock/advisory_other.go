//go:build !unix

package filelock

import (
	"errors"
	"fmt"
)

func (c *Context) acquireAdvisory(abs string, rec record) (*Handle, error) {
	return nil, fmt.Errorf("filelock: advisory locking on %s: %w", abs, errors.ErrUnsupported)
}

func releaseAdvisory(handle *Handle) error {
	return nil
}

func advisoryLocked(abs string) bool {
	return false
}

func linkCount(path string) uint64 {
	return 0
}
