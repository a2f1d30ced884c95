package models

import "errors"

var (
	// ErrEntryNotFound is returned when an id is not present in the main queue.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrDeadLetterNotFound is returned when an id is not present in the dead-letter store.
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
	// ErrInvalidEntry is returned when enqueue parameters or a stored entry fail validation.
	ErrInvalidEntry = errors.New("invalid queue entry")
	// ErrUnknownDirection is returned for a direction other than inbound or outbound.
	ErrUnknownDirection = errors.New("unknown queue direction")
	// ErrLockNotHeld is returned when a worker operates on a lock it does not own.
	ErrLockNotHeld = errors.New("processing lock not held by this worker")
	// ErrDuplicateEntry is returned when an imported id already exists.
	ErrDuplicateEntry = errors.New("queue entry already exists")
)
