package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "devcontrol.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file contains %q, want current pid", got)
	}
}

func TestAcquirePIDLockRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "devcontrol.lock")
	first, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("first AcquirePIDLock: %v", err)
	}

	if _, err := AcquirePIDLock(lockPath); err == nil {
		t.Fatalf("expected second acquire to fail while first is held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release()
	if err := second.Release(); err != nil {
		t.Fatalf("double release should be a no-op, got %v", err)
	}
}
