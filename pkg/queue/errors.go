package queue

import "errors"

var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("queue: entry not found")

	// ErrNoRecipients indicates an entry was created without recipients.
	ErrNoRecipients = errors.New("queue: entry must have at least one recipient")

	// ErrNoSender indicates an entry was created without a sender address.
	ErrNoSender = errors.New("queue: entry must have a sender")

	// ErrNotTerminal is returned by Reset when the entry has not reached a
	// terminal state yet.
	ErrNotTerminal = errors.New("queue: entry is not in a terminal state")

	// ErrInvalidTransition indicates a finalize call that would violate the
	// status graph.
	ErrInvalidTransition = errors.New("queue: invalid status transition")
)
