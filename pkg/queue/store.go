package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists queue entries and owns every status transition.
//
// Claim and ClaimDue are the duplicate guard: both perform the
// NotSent → Sending transition as a storage-level compare-and-set, so two
// concurrent callers can never both win the same entry.
type Store interface {
	// Create persists a fresh entry in NotSent. It is the only write path
	// that may introduce new entries.
	Create(ctx context.Context, e *Entry) error

	// Get returns a copy of the entry or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)

	// Claim atomically flips the entry to Sending if and only if it is
	// NotSent, not cancelled, and its send_after is absent or due at now.
	// It reports whether this caller won the transition; losing is not an
	// error. Claiming an unknown entry returns ErrNotFound.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// Release undoes a won claim whose delivery job never made it into the
	// queue: Sending goes back to NotSent, recipients stay as they are.
	// Releasing an entry that is not Sending returns ErrInvalidTransition.
	Release(ctx context.Context, id uuid.UUID) error

	// ClaimDue claims up to limit scheduled entries whose send_after has
	// passed, returning the ids this caller now owns.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// UpdateRecipient persists one recipient outcome. Called after every
	// send attempt so a crash mid-run leaves recorded progress behind.
	UpdateRecipient(ctx context.Context, entryID uuid.UUID, r Recipient) error

	// Finalize moves a Sending entry to a terminal status and records the
	// fatal error text, if any. Finalizing an entry that is not Sending
	// returns ErrInvalidTransition.
	Finalize(ctx context.Context, id uuid.UUID, status Status, errText string) error

	// Cancel flags the entry. Before Sending it prevents claiming; after,
	// the worker skips remaining recipients best-effort.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Reset is the explicit operator retry path: terminal → NotSent.
	// Recipients already Sent stay Sent so re-dispatch skips them; failed
	// and cancelled recipients go back to pending.
	Reset(ctx context.Context, id uuid.UUID) error
}
