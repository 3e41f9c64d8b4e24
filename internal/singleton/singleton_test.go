package singleton

import (
	"path/filepath"
	"testing"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardian.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lock2, err := Acquire(path)
	if err != nil {
		t.Fatalf("second Acquire after release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatcher.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatalf("second Acquire: want error, got nil")
	}
}
