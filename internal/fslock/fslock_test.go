//go:build !windows

package fslock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireExcludesSecondHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	release, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	if _, err := Acquire(lockPath); err == nil {
		t.Fatal("second Acquire should fail while the lock is held")
	}

	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed on release, stat err: %v", err)
	}

	release2, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	release2()
}
