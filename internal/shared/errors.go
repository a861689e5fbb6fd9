package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the resource is in a state that forbids the change.
	ErrConflict = errors.New("conflict")
	// ErrLockHeld occurs when a distributed lock is owned by another process.
	ErrLockHeld = errors.New("lock held by another owner")
)
