package logger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ContextExtractor extracts a slog attribute from context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

type ctxKey int

const (
	entryIDKey ctxKey = iota
	identityKey
)

// WithEntryID stamps the dispatch entry id onto the context so every log
// record emitted while working the entry carries it.
func WithEntryID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, entryIDKey, id)
}

// WithIdentity stamps the sending identity name onto the context.
func WithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, identityKey, name)
}

// EntryID extracts the dispatch entry id, if present.
func EntryID(ctx context.Context) (slog.Attr, bool) {
	id, ok := ctx.Value(entryIDKey).(uuid.UUID)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.String("entry_id", id.String()), true
}

// Identity extracts the sending identity name, if present.
func Identity(ctx context.Context) (slog.Attr, bool) {
	name, ok := ctx.Value(identityKey).(string)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.String("identity", name), true
}

// extractorHandler wraps a slog.Handler and injects context-extracted
// attributes on every Handle call, so queue-scoped values stay fresh.
type extractorHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
}

func NewExtractorHandler(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	clean := make([]ContextExtractor, 0, len(extractors))
	for _, ex := range extractors {
		if ex != nil {
			clean = append(clean, ex)
		}
	}
	return &extractorHandler{next: next, extractors: clean}
}

func (h *extractorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *extractorHandler) Handle(ctx context.Context, rec slog.Record) error {
	if len(h.extractors) == 0 {
		return h.next.Handle(ctx, rec)
	}
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			rec.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *extractorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &extractorHandler{next: h.next.WithAttrs(attrs), extractors: h.extractors}
}

func (h *extractorHandler) WithGroup(name string) slog.Handler {
	return &extractorHandler{next: h.next.WithGroup(name), extractors: h.extractors}
}
