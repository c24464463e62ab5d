// Package logger builds the process-wide slog logger: JSON to stdout,
// optionally mirrored to Sentry, with context extractors that stamp
// dispatch-scoped attributes (entry id, identity) onto every record.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum stdout level: debug, info, warn or error.
	Level slog.Level `env:"LOG_LEVEL" envDefault:"info"`
}

// New creates a JSON-formatted logger with optional context extractors.
func New(cfg Config, extractors ...ContextExtractor) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level,
	})
	return slog.New(NewExtractorHandler(h, extractors...))
}

// NewNope creates a no-op logger that discards all output.
// Use this as a default when logging is not configured.
func NewNope() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
