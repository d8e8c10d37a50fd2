//go:build !windows

package fslock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Acquire takes an advisory exclusive lock on lockPath, creating the file if
// needed. It fails immediately when another process holds the lock. The
// returned release function unlocks, closes, and removes the file.
func Acquire(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s is held by another process: %w", lockPath, err)
	}

	release := func() error {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil
	}
	return release, nil
}
