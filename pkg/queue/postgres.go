package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, so claim
// statements can run on the pool or inside a caller-owned transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by the dispatch_entries and
// dispatch_recipients tables (see internal/migrations).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Create(ctx context.Context, e *Entry) error {
	if e.Sender == "" {
		return ErrNoSender
	}
	if len(e.Recipients) == 0 {
		return ErrNoRecipients
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusNotSent
	}

	attachments, err := json.Marshal(e.Attachments)
	if err != nil {
		return fmt.Errorf("queue: marshal attachments: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_entries
			(id, created_at, status, identity, principal, sender, reply_to,
			 subject, html_body, text_body, raw_message, attachments,
			 send_after, error, cancelled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'',FALSE)`,
		e.ID, e.CreatedAt, e.Status, e.Identity, e.Principal, e.Sender,
		e.ReplyTo, e.Subject, e.HTMLBody, e.TextBody, e.RawMessage,
		attachments, e.SendAfter,
	)
	if err != nil {
		return fmt.Errorf("queue: insert entry: %w", err)
	}

	for i := range e.Recipients {
		r := &e.Recipients[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.Status == "" {
			r.Status = RecipientPending
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO dispatch_recipients
				(id, entry_id, position, address, status, message_id, last_error)
			VALUES ($1,$2,$3,$4,$5,'','')`,
			r.ID, e.ID, i, r.Address, r.Status,
		)
		if err != nil {
			return fmt.Errorf("queue: insert recipient: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Postgres) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e := &Entry{ID: id}
	var attachments []byte
	err := s.pool.QueryRow(ctx, `
		SELECT created_at, status, identity, principal, sender, reply_to,
		       subject, html_body, text_body, raw_message, attachments,
		       send_after, error, cancelled
		FROM dispatch_entries WHERE id = $1`, id,
	).Scan(
		&e.CreatedAt, &e.Status, &e.Identity, &e.Principal, &e.Sender,
		&e.ReplyTo, &e.Subject, &e.HTMLBody, &e.TextBody, &e.RawMessage,
		&attachments, &e.SendAfter, &e.Error, &e.Cancelled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: select entry: %w", err)
	}
	if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
		return nil, fmt.Errorf("queue: unmarshal attachments: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, address, status, message_id, last_error
		FROM dispatch_recipients
		WHERE entry_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("queue: select recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Address, &r.Status, &r.MessageID, &r.LastError); err != nil {
			return nil, fmt.Errorf("queue: scan recipient: %w", err)
		}
		e.Recipients = append(e.Recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate recipients: %w", err)
	}
	return e, nil
}

// Claim is a single conditional UPDATE so the NotSent check and the flip to
// Sending cannot be interleaved with a concurrent claimer.
func (s *Postgres) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return claimEntry(ctx, s.pool, id, now)
}

// ClaimTx claims inside a caller-owned transaction, so the claim and the
// delivery job insert commit or roll back together.
func (s *Postgres) ClaimTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (bool, error) {
	return claimEntry(ctx, tx, id, now)
}

func claimEntry(ctx context.Context, q querier, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE dispatch_entries SET status = $1
		WHERE id = $2
		  AND status = $3
		  AND cancelled = FALSE
		  AND (send_after IS NULL OR send_after <= $4)`,
		StatusSending, id, StatusNotSent, now,
	)
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dispatch_entries WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *Postgres) ClaimDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return claimDue(ctx, s.pool, now, limit)
}

// ClaimDueTx is ClaimDue inside a caller-owned transaction.
func (s *Postgres) ClaimDueTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]uuid.UUID, error) {
	return claimDue(ctx, tx, now, limit)
}

func claimDue(ctx context.Context, q querier, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := q.Query(ctx, `
		UPDATE dispatch_entries SET status = $1
		WHERE id IN (
			SELECT id FROM dispatch_entries
			WHERE status = $2
			  AND cancelled = FALSE
			  AND send_after IS NOT NULL
			  AND send_after <= $3
			ORDER BY send_after
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		StatusSending, StatusNotSent, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim due: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate claimed ids: %w", err)
	}
	return ids, nil
}

func (s *Postgres) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_entries SET status = $1
		WHERE id = $2 AND status = $3`,
		StatusNotSent, id, StatusSending,
	)
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) UpdateRecipient(ctx context.Context, entryID uuid.UUID, r Recipient) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_recipients
		SET status = $1, message_id = $2, last_error = $3
		WHERE id = $4 AND entry_id = $5`,
		r.Status, r.MessageID, r.LastError, r.ID, entryID,
	)
	if err != nil {
		return fmt.Errorf("queue: update recipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Finalize(ctx context.Context, id uuid.UUID, status Status, errText string) error {
	if !StatusSending.CanTransition(status) {
		return ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_entries SET status = $1, error = $2
		WHERE id = $3 AND status = $4`,
		status, errText, id, StatusSending,
	)
	if err != nil {
		return fmt.Errorf("queue: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the entry is gone or it is not in Sending anymore.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *Postgres) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatch_entries SET cancelled = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Reset(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE dispatch_entries
		SET status = $1, error = '', cancelled = FALSE
		WHERE id = $2 AND status IN ($3, $4, $5)`,
		StatusNotSent, id, StatusSent, StatusPartiallySent, StatusError,
	)
	if err != nil {
		return fmt.Errorf("queue: reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotTerminal
	}

	// Sent recipients stay sent: re-dispatch must skip them.
	_, err = tx.Exec(ctx, `
		UPDATE dispatch_recipients
		SET status = $1, last_error = ''
		WHERE entry_id = $2 AND status <> $3`,
		RecipientPending, id, RecipientSent,
	)
	if err != nil {
		return fmt.Errorf("queue: reset recipients: %w", err)
	}

	return tx.Commit(ctx)
}
