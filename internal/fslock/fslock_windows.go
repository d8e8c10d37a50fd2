//go:build windows

package fslock

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Acquire takes an exclusive lock on lockPath, creating the file if needed.
// It fails immediately when another process holds the lock. The returned
// release function unlocks, closes, and removes the file.
func Acquire(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	handle := windows.Handle(f.Fd())
	var overlapped windows.Overlapped
	err = windows.LockFileEx(handle,
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, &overlapped)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s is held by another process: %w", lockPath, err)
	}

	release := func() error {
		_ = windows.UnlockFileEx(handle, 0, 1, 0, &overlapped)
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil
	}
	return release, nil
}
