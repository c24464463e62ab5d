package token

import (
	"context"
	"time"
)

// Record is the cached OAuth2 credential for one (identity, principal)
// pair. AccessToken and RefreshToken are plaintext in memory; stores
// encrypt them before persisting.
type Record struct {
	Identity     string
	Principal    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// Valid is false after a failed token exchange and true again after
	// the next successful one.
	Valid bool
	// Version backs optimistic concurrency: Save succeeds only when the
	// stored version still matches. Zero means the record is new.
	Version int64
}

// Fresh reports whether the access token is still usable at now, keeping
// margin in reserve for clock skew and in-flight request latency.
func (r *Record) Fresh(now time.Time, margin time.Duration) bool {
	return r.Valid && r.AccessToken != "" && now.Before(r.ExpiresAt.Add(-margin))
}

// Store persists token records. Implementations must enforce the version
// check so concurrent refreshes resolve to exactly one winner.
type Store interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, identity, principal string) (*Record, error)

	// Save inserts (Version == 0) or updates the record. The update only
	// applies when the stored version equals r.Version; otherwise
	// ErrVersionConflict is returned. On success r.Version is bumped.
	Save(ctx context.Context, r *Record) error
}
