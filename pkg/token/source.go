package token

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// UpdaterSource wraps an oauth2.TokenSource and persists any token the
// underlying source refreshes autonomously, via Manager.PersistRefreshed.
// Hand this to provider client libraries that expect a TokenSource, so
// their self-driven refreshes survive process restarts.
type UpdaterSource struct {
	base      oauth2.TokenSource
	manager   *Manager
	identity  string
	principal string

	mu   sync.Mutex
	last string
}

// NewUpdaterSource creates the persisting wrapper around base.
func (m *Manager) NewUpdaterSource(identityName, principal string, base oauth2.TokenSource) *UpdaterSource {
	return &UpdaterSource{
		base:      base,
		manager:   m,
		identity:  identityName,
		principal: principal,
	}
}

// Token implements oauth2.TokenSource. Persistence failures are logged,
// not returned: the freshly issued token is still valid for the caller.
func (s *UpdaterSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed {
		ctx, cancel := context.WithTimeout(context.Background(), s.manager.refreshTimeout)
		defer cancel()
		if err := s.manager.PersistRefreshed(ctx, s.identity, s.principal, tok); err != nil {
			s.manager.logger.WarnContext(ctx, "failed to persist provider-refreshed token",
				slog.String("identity", s.identity),
				slog.Any("error", err),
			)
		}
	}
	return tok, nil
}
