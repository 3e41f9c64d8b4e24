// Package storeerr defines sentinel errors shared by the persistent store
// and its callers, so daemons can branch on errors.Is rather than string
// matching.
package storeerr

import "errors"

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an atomic claim update affects zero rows
	// because another process claimed the row first.
	ErrConflict = errors.New("claim lost to concurrent writer")

	// ErrAlreadyTerminal names the case of an operation on a row whose
	// status is already terminal (done, timeout, failed, completed). No
	// store method returns it; AckControl, for one, reports the existing
	// terminal status instead.
	ErrAlreadyTerminal = errors.New("entry already in terminal state")

	// ErrInvalidTask is returned when a task definition fails validation
	// (e.g. more than one of --in/--at/--cron/--every).
	ErrInvalidTask = errors.New("invalid task definition")
)
