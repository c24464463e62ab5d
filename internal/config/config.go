// Package config aggregates every component configuration and loads it
// from the environment in one pass.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dmitrymomot/mailqueue/internal/api"
	"github.com/dmitrymomot/mailqueue/pkg/blob"
	"github.com/dmitrymomot/mailqueue/pkg/db"
	"github.com/dmitrymomot/mailqueue/pkg/dispatch"
	"github.com/dmitrymomot/mailqueue/pkg/logger"
	"github.com/dmitrymomot/mailqueue/pkg/token"
)

// ErrLoad wraps environment parsing failures.
var ErrLoad = errors.New("config: failed to load environment")

// Config is the full service configuration.
type Config struct {
	HTTP     api.Config
	DB       db.Config
	Dispatch dispatch.Config
	Token    token.Config
	Blob     blob.Config
	Logger   logger.Config
	Sentry   logger.SentryConfig

	// IdentityFile points at the YAML registry of sending identities.
	IdentityFile string `env:"IDENTITY_FILE" envDefault:"identities.yaml"`

	// RedisURL enables the cross-process token refresh lock when set.
	RedisURL string `env:"REDIS_URL"`

	// BlobEnabled wires the S3 attachment fetcher; without it stored-file
	// attachments fail as unavailable.
	BlobEnabled bool `env:"BLOB_ENABLED" envDefault:"false"`
}

// Load reads .env if present, then parses the environment. A missing .env
// file is not an error; containerized deployments rarely have one.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return cfg, nil
}
