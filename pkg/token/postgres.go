package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists token records in the token_records table with
// AES-GCM-encrypted token columns and a version column backing the
// optimistic concurrency check.
type Postgres struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewPostgres creates a Postgres-backed token store.
func NewPostgres(pool *pgxpool.Pool, cipher *Cipher) *Postgres {
	return &Postgres{pool: pool, cipher: cipher}
}

func (s *Postgres) Get(ctx context.Context, identity, principal string) (*Record, error) {
	r := &Record{Identity: identity, Principal: principal}
	var access, refresh []byte
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_at, valid, version
		FROM token_records
		WHERE identity = $1 AND principal = $2`,
		identity, principal,
	).Scan(&access, &refresh, &r.ExpiresAt, &r.Valid, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token: select record: %w", err)
	}

	if r.AccessToken, err = s.cipher.Decrypt(access); err != nil {
		return nil, err
	}
	if len(refresh) > 0 {
		if r.RefreshToken, err = s.cipher.Decrypt(refresh); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *Postgres) Save(ctx context.Context, r *Record) error {
	access, err := s.cipher.Encrypt(r.AccessToken)
	if err != nil {
		return err
	}
	// The refresh_token column is NOT NULL; a record without a refresh
	// token stores empty bytes.
	refresh := []byte{}
	if r.RefreshToken != "" {
		if refresh, err = s.cipher.Encrypt(r.RefreshToken); err != nil {
			return err
		}
	}

	if r.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO token_records
				(identity, principal, access_token, refresh_token, expires_at, valid, version)
			VALUES ($1,$2,$3,$4,$5,$6,1)
			ON CONFLICT (identity, principal) DO NOTHING`,
			r.Identity, r.Principal, access, refresh, r.ExpiresAt, r.Valid,
		)
		if err != nil {
			return fmt.Errorf("token: insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		r.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE token_records
		SET access_token = $1, refresh_token = $2, expires_at = $3,
		    valid = $4, version = version + 1, updated_at = now()
		WHERE identity = $5 AND principal = $6 AND version = $7`,
		access, refresh, r.ExpiresAt, r.Valid, r.Identity, r.Principal, r.Version,
	)
	if err != nil {
		return fmt.Errorf("token: update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}
