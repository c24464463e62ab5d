// Package dispatch works queued entries: it claims an entry, composes and
// sends one message per recipient, records every outcome as it lands, and
// finalizes the entry from the aggregate. Delivery jobs ride the River
// queue, so redelivery is at-least-once and the worker is written to be
// idempotent: recipients already sent are never sent again.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/dmitrymomot/mailqueue/pkg/compose"
	"github.com/dmitrymomot/mailqueue/pkg/identity"
	"github.com/dmitrymomot/mailqueue/pkg/logger"
	"github.com/dmitrymomot/mailqueue/pkg/queue"
	"github.com/dmitrymomot/mailqueue/pkg/token"
	"github.com/dmitrymomot/mailqueue/pkg/transport"
)

// dispatchArgs is the River payload for one entry delivery.
type dispatchArgs struct {
	EntryID uuid.UUID `json:"entry_id"`
}

func (dispatchArgs) Kind() string { return "mailqueue:dispatch" }

// Composer builds the canonical message for one recipient.
type Composer interface {
	Compose(ctx context.Context, e *queue.Entry, recipient string) (*compose.Message, error)
}

// Sender delivers one composed message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, id identity.Identity, principal string, msg *compose.Message) (string, error)
}

// Worker processes dispatch jobs.
type Worker struct {
	river.WorkerDefaults[dispatchArgs]

	store      queue.Store
	composer   Composer
	sender     Sender
	identities *identity.Registry
	log        *slog.Logger
}

// NewWorker creates a dispatch worker.
func NewWorker(store queue.Store, composer Composer, sender Sender, identities *identity.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = logger.NewNope()
	}
	return &Worker{
		store:      store,
		composer:   composer,
		sender:     sender,
		identities: identities,
		log:        log,
	}
}

// Work delivers the entry's message to every recipient still pending.
//
// Transient recipient failures keep the entry in Sending and surface as a
// job error so River retries with backoff; only the final attempt converts
// them to failed recipients. Everything else resolves on this attempt.
func (w *Worker) Work(ctx context.Context, job *river.Job[dispatchArgs]) error {
	ctx = logger.WithEntryID(ctx, job.Args.EntryID)

	e, err := w.store.Get(ctx, job.Args.EntryID)
	if errors.Is(err, queue.ErrNotFound) {
		w.log.WarnContext(ctx, "dispatch job for unknown entry, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: load entry: %w", err)
	}

	switch {
	case e.Status.Terminal():
		// Redelivered job for an entry another attempt already finished.
		return nil
	case e.Status == queue.StatusNotSent:
		// The claim this job was enqueued under was undone, likely by an
		// operator reset. Reclaim or walk away.
		won, err := w.store.Claim(ctx, e.ID, time.Now())
		if err != nil {
			return fmt.Errorf("dispatch: reclaim entry: %w", err)
		}
		if !won {
			return nil
		}
		e.Status = queue.StatusSending
	}

	ctx = logger.WithIdentity(ctx, e.Identity)

	if e.Cancelled {
		return w.finalizeCancelled(ctx, e)
	}

	id, err := w.identities.Get(e.Identity)
	if err != nil {
		return w.finalize(ctx, e, fmt.Sprintf("unknown sending identity %q", e.Identity))
	}

	lastAttempt := job.Attempt >= job.MaxAttempts
	transient := 0
	var lastTransientErr error

	for i := range e.Recipients {
		r := &e.Recipients[i]
		if r.Status != queue.RecipientPending {
			continue
		}

		// Cancellation is best-effort: honor it between recipients.
		if fresh, err := w.store.Get(ctx, e.ID); err == nil && fresh.Cancelled {
			e.Cancelled = true
			return w.finalizeCancelled(ctx, e)
		}

		msg, err := w.composer.Compose(ctx, e, r.Address)
		if err != nil {
			// A message that cannot be built will never send, no matter the
			// attempt. Record the recipient and close the entry with the
			// composition error.
			w.recordRecipient(ctx, e, r, queue.RecipientFailed, "", err)
			return w.finalize(ctx, e, fmt.Sprintf("compose message for %s: %v", r.Address, err))
		}

		providerID, err := w.sender.Send(ctx, id, e.Principal, msg)
		switch {
		case err == nil:
			w.recordRecipient(ctx, e, r, queue.RecipientSent, providerID, nil)

		case errors.Is(err, token.ErrAuthRequired), errors.Is(err, token.ErrRefreshFailed):
			// No usable credential. Nothing further can be sent and
			// retrying will not help until an operator reauthorizes.
			w.log.ErrorContext(ctx, "dispatch aborted, authorization required",
				slog.Any("error", err))
			return w.finalize(ctx, e, err.Error())

		case transport.IsPermanent(err):
			w.recordRecipient(ctx, e, r, queue.RecipientFailed, "", err)

		default:
			// Transient or unclassified: keep the recipient pending so a
			// later attempt picks it up.
			transient++
			lastTransientErr = err
			w.recordRecipient(ctx, e, r, queue.RecipientPending, "", err)
		}
	}

	if transient > 0 {
		if !lastAttempt {
			return fmt.Errorf("dispatch: %d recipients failed transiently: %w", transient, lastTransientErr)
		}
		// No attempts remain, pending recipients become failed.
		for i := range e.Recipients {
			r := &e.Recipients[i]
			if r.Status == queue.RecipientPending {
				w.recordRecipient(ctx, e, r, queue.RecipientFailed, "", lastTransientErr)
			}
		}
	}

	status := queue.Aggregate(e.Recipients)
	errText := ""
	if status == queue.StatusError {
		errText = firstRecipientError(e.Recipients)
	}
	if err := w.store.Finalize(ctx, e.ID, status, errText); err != nil {
		return fmt.Errorf("dispatch: finalize entry: %w", err)
	}
	w.log.InfoContext(ctx, "dispatch finished", slog.String("status", string(status)))
	return nil
}

// recordRecipient updates the in-memory recipient and persists it. Persist
// failures are logged but never abort the run; the outcome is re-derived
// on redelivery.
func (w *Worker) recordRecipient(ctx context.Context, e *queue.Entry, r *queue.Recipient, status queue.RecipientStatus, providerID string, cause error) {
	r.Status = status
	if providerID != "" {
		r.MessageID = providerID
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	if err := w.store.UpdateRecipient(ctx, e.ID, *r); err != nil {
		w.log.ErrorContext(ctx, "failed to persist recipient outcome",
			slog.String("recipient", r.Address),
			slog.Any("error", err))
	}
}

// finalizeCancelled marks recipients not yet sent as cancelled and closes
// the entry. Recipients already delivered stay delivered.
func (w *Worker) finalizeCancelled(ctx context.Context, e *queue.Entry) error {
	for i := range e.Recipients {
		r := &e.Recipients[i]
		if r.Status == queue.RecipientPending {
			w.recordRecipient(ctx, e, r, queue.RecipientCancelled, "", nil)
		}
	}
	status := queue.Aggregate(e.Recipients)
	errText := ""
	if status == queue.StatusError {
		errText = "cancelled before any delivery"
	}
	if err := w.store.Finalize(ctx, e.ID, status, errText); err != nil {
		return fmt.Errorf("dispatch: finalize cancelled entry: %w", err)
	}
	w.log.InfoContext(ctx, "dispatch cancelled", slog.String("status", string(status)))
	return nil
}

// finalize closes the entry with an entry-level error, leaving recipient
// records as they are.
func (w *Worker) finalize(ctx context.Context, e *queue.Entry, errText string) error {
	// Aggregate keeps partial progress visible: recipients delivered on an
	// earlier attempt still count even when this attempt aborted.
	status := queue.Aggregate(e.Recipients)
	if err := w.store.Finalize(ctx, e.ID, status, errText); err != nil {
		return fmt.Errorf("dispatch: finalize entry: %w", err)
	}
	return nil
}

func firstRecipientError(recipients []queue.Recipient) string {
	for _, r := range recipients {
		if r.LastError != "" {
			return r.LastError
		}
	}
	return ""
}
