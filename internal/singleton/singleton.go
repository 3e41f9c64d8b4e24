// Package singleton guards each daemon (Guardian, Dispatcher, Scheduler)
// against a second instance starting against the same database — exactly
// one of each daemon process may run at a time.
package singleton

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock holds an acquired exclusive file lock. Release it with Release.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes a non-blocking exclusive lock on path (created alongside
// the database, one per daemon role, e.g. "guardian.lock"). It returns an
// error immediately if another process already holds the lock instead of
// waiting, so a duplicate daemon start fails fast.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("singleton: try lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("singleton: %s is already locked by another process", path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock and closes its backing file descriptor.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("singleton: unlock: %w", err)
	}
	return nil
}
