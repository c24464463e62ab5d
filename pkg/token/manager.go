package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/dmitrymomot/mailqueue/pkg/identity"
)

// Config holds token manager settings.
type Config struct {
	// SafetyMargin is subtracted from expires_at when deciding whether a
	// refresh is needed, absorbing clock skew and request latency.
	// The floor is 30 seconds.
	SafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" envDefault:"60s"`

	// RefreshTimeout bounds the token endpoint exchange.
	RefreshTimeout time.Duration `env:"TOKEN_REFRESH_TIMEOUT" envDefault:"10s"`

	// EncryptionKey is the base64-encoded 32-byte AES key for tokens at
	// rest. Consumed by the store wiring, not the manager itself.
	EncryptionKey string `env:"TOKEN_ENCRYPTION_KEY,required"`
}

const minSafetyMargin = 30 * time.Second

// Manager is the sole owner of token record mutation. Workers obtain
// access tokens exclusively through AccessToken and never cache them
// beyond a single send call.
type Manager struct {
	store      Store
	identities *identity.Registry
	locker     Locker
	httpClient *http.Client
	logger     *slog.Logger

	safetyMargin   time.Duration
	refreshTimeout time.Duration
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker replaces the default process-local keyed mutex, e.g. with a
// RedisLocker for multi-process deployments.
func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHTTPClient sets a custom HTTP client for token endpoint requests.
// Useful for tests with httptest servers.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// NewManager creates a token manager.
func NewManager(store Store, identities *identity.Registry, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		identities:     identities,
		locker:         NewKeyedMutex(),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		safetyMargin:   max(cfg.SafetyMargin, minSafetyMargin),
		refreshTimeout: cfg.RefreshTimeout,
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessToken returns a valid access token for the identity and principal,
// refreshing through the provider's token endpoint when the cached token is
// missing, stale, or flagged invalid.
//
// Fails with ErrAuthRequired when no record exists, and with
// ErrRefreshFailed when the refresh token is absent or rejected.
func (m *Manager) AccessToken(ctx context.Context, identityName, principal string) (string, error) {
	id, err := m.identities.Get(identityName)
	if err != nil {
		return "", err
	}

	// The lock spans load, refresh and save: a second caller blocks here
	// and then finds the already-refreshed record.
	unlock, err := m.locker.Lock(ctx, identityName+"/"+principal)
	if err != nil {
		return "", fmt.Errorf("token: acquire lock: %w", err)
	}
	defer unlock()

	rec, err := m.store.Get(ctx, identityName, principal)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: no credential for %s/%s", ErrAuthRequired, identityName, principal)
	}
	if err != nil {
		return "", err
	}

	if rec.Fresh(time.Now(), m.safetyMargin) {
		return rec.AccessToken, nil
	}

	return m.refresh(ctx, id, rec)
}

func (m *Manager) refresh(ctx context.Context, id identity.Identity, rec *Record) (string, error) {
	if rec.RefreshToken == "" {
		m.invalidate(ctx, rec)
		return "", fmt.Errorf("%w: no refresh token on file for %s/%s", ErrRefreshFailed, rec.Identity, rec.Principal)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()
	if m.httpClient != nil {
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, m.httpClient)
	}

	conf := &oauth2.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		Scopes:       id.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: id.TokenEndpoint},
	}

	tok, err := conf.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
	if err != nil {
		m.invalidate(ctx, rec)
		m.logger.ErrorContext(ctx, "token refresh failed",
			slog.String("identity", rec.Identity),
			slog.String("principal", rec.Principal),
			slog.Any("error", err),
		)
		return "", errors.Join(ErrRefreshFailed, err)
	}

	rec.AccessToken = tok.AccessToken
	rec.ExpiresAt = tok.Expiry
	rec.Valid = true
	if tok.RefreshToken != "" {
		// Some providers rotate the refresh token on every exchange.
		rec.RefreshToken = tok.RefreshToken
	}

	if err := m.store.Save(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another process won the refresh; its token is the truth.
			fresh, getErr := m.store.Get(ctx, rec.Identity, rec.Principal)
			if getErr == nil && fresh.Fresh(time.Now(), m.safetyMargin) {
				return fresh.AccessToken, nil
			}
		}
		return "", err
	}

	m.logger.InfoContext(ctx, "token refreshed",
		slog.String("identity", rec.Identity),
		slog.String("principal", rec.Principal),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return rec.AccessToken, nil
}

// invalidate best-effort flags the record after a failed exchange so the
// status surface can show that re-authorization is needed.
func (m *Manager) invalidate(ctx context.Context, rec *Record) {
	rec.Valid = false
	if err := m.store.Save(ctx, rec); err != nil && !errors.Is(err, ErrVersionConflict) {
		m.logger.WarnContext(ctx, "failed to flag invalid token record",
			slog.String("identity", rec.Identity),
			slog.Any("error", err),
		)
	}
}

// PersistRefreshed writes back a token that was refreshed outside the
// manager, e.g. by a provider client library that renews the credential
// object on its own mid-call. Without this hook such refreshes would be
// lost on process restart.
func (m *Manager) PersistRefreshed(ctx context.Context, identityName, principal string, tok *oauth2.Token) error {
	unlock, err := m.locker.Lock(ctx, identityName+"/"+principal)
	if err != nil {
		return fmt.Errorf("token: acquire lock: %w", err)
	}
	defer unlock()

	rec, err := m.store.Get(ctx, identityName, principal)
	if err != nil {
		return err
	}

	// Only move forward; a stale callback must not clobber a newer token.
	if !tok.Expiry.After(rec.ExpiresAt) {
		return nil
	}

	rec.AccessToken = tok.AccessToken
	rec.ExpiresAt = tok.Expiry
	rec.Valid = true
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	return m.store.Save(ctx, rec)
}
