package blob

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Bucket: "attachments", AccessKey: "ak", SecretKey: "sk", Region: "us-east-1", MaxObjectSize: 1024}
		_, err := New(cfg)
		require.NoError(t, err)
	})

	t.Run("missing bucket", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{AccessKey: "ak", SecretKey: "sk"})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing credentials", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Bucket: "attachments"})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

// mockAPIError implements smithy.APIError for testing.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
func (e *mockAPIError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }

func TestWrapS3Error(t *testing.T) {
	t.Parallel()

	t.Run("NoSuchKey code", func(t *testing.T) {
		t.Parallel()
		wrapped := wrapS3Error(&mockAPIError{code: "NoSuchKey", message: "missing"}, ErrFetchFailed)
		require.ErrorIs(t, wrapped, ErrNotFound)
	})

	t.Run("AccessDenied code", func(t *testing.T) {
		t.Parallel()
		wrapped := wrapS3Error(&mockAPIError{code: "AccessDenied", message: "no"}, ErrFetchFailed)
		require.ErrorIs(t, wrapped, ErrAccessDenied)
	})

	t.Run("typed NoSuchKey", func(t *testing.T) {
		t.Parallel()
		wrapped := wrapS3Error(&types.NoSuchKey{}, ErrFetchFailed)
		require.ErrorIs(t, wrapped, ErrNotFound)
	})

	t.Run("unknown falls back", func(t *testing.T) {
		t.Parallel()
		wrapped := wrapS3Error(errors.New("connection reset"), ErrFetchFailed)
		require.ErrorIs(t, wrapped, ErrFetchFailed)
	})
}
