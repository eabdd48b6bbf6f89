package store

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation on create.
	ErrAlreadyExists = errors.New("already exists")

	// ErrOptimisticConflict indicates a version-guarded update lost the race.
	// Callers retry through WithCASRetry.
	ErrOptimisticConflict = errors.New("optimistic concurrency conflict")

	// ErrInvalidTransition indicates a conversation status write that would
	// violate the monotonic lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)
