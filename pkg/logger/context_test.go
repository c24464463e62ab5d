package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailqueue/pkg/logger"
)

func TestContextExtractors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	log := slog.New(logger.NewExtractorHandler(base, logger.EntryID, logger.Identity))

	entryID := uuid.New()
	ctx := logger.WithEntryID(context.Background(), entryID)
	ctx = logger.WithIdentity(ctx, "gmail-main")

	log.InfoContext(ctx, "sending")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, entryID.String(), record["entry_id"])
	assert.Equal(t, "gmail-main", record["identity"])
}

func TestContextExtractors_AbsentValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	log := slog.New(logger.NewExtractorHandler(base, logger.EntryID, logger.Identity))

	log.InfoContext(context.Background(), "idle")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "entry_id")
	assert.NotContains(t, record, "identity")
}

