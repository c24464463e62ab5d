package dispatch

import "errors"

var (
	// ErrPoolRequired is returned when a manager is created without a
	// database pool.
	ErrPoolRequired = errors.New("dispatch: pool is required")

	// ErrAlreadyStarted is returned when starting a running manager.
	ErrAlreadyStarted = errors.New("dispatch: already started")

	// ErrNotStarted is returned when stopping a manager that never started.
	ErrNotStarted = errors.New("dispatch: not started")

	// ErrNotClaimed is returned when an entry could not be claimed for
	// dispatch, usually because another process already owns it or it is
	// not in a dispatchable state.
	ErrNotClaimed = errors.New("dispatch: entry not claimed")
)
