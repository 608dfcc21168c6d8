package domain

import "errors"

var (
	// ErrTaskNotFound is returned when no task exists for an id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrInvalidTask wraps every validation failure of task payloads.
	ErrInvalidTask = errors.New("invalid task")
	// ErrAttachmentNotFound is returned when a task has no attachment with the given id.
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrTaskTooLarge is returned when a task no longer fits in one storage row.
	ErrTaskTooLarge = errors.New("task too large")

	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUser        = errors.New("invalid user")
)
