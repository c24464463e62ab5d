package identity

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
identities:
  - name: gmail-main
    client_id: client-123.apps.example.com
    client_secret: s3cret
    token_endpoint: https://oauth2.example.com/token
    send_endpoint: https://mail.example.com/v1/users/me/messages/send
    scopes:
      - https://mail.example.com/auth/send
  - name: gmail-support
    client_id: client-456.apps.example.com
    client_secret: other
    token_endpoint: https://oauth2.example.com/token
    send_endpoint: https://mail.example.com/v1/users/me/messages/send
`

func TestParse(t *testing.T) {
	t.Parallel()

	reg, err := Parse(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	id, err := reg.Get("gmail-main")
	require.NoError(t, err)
	assert.Equal(t, "client-123.apps.example.com", id.ClientID)
	assert.Equal(t, []string{"https://mail.example.com/auth/send"}, id.Scopes)

	_, err = reg.Get("unknown")
	require.ErrorIs(t, err, ErrUnknown)

	assert.ElementsMatch(t, []string{"gmail-main", "gmail-support"}, reg.Names())
}

func TestNewRegistry_Validation(t *testing.T) {
	t.Parallel()

	valid := Identity{
		Name:          "a",
		ClientID:      "id",
		ClientSecret:  "secret",
		TokenEndpoint: "https://example.com/token",
		SendEndpoint:  "https://example.com/send",
	}

	tests := []struct {
		name   string
		mutate func(*Identity)
	}{
		{"missing name", func(i *Identity) { i.Name = "" }},
		{"missing client id", func(i *Identity) { i.ClientID = "" }},
		{"missing client secret", func(i *Identity) { i.ClientSecret = "" }},
		{"missing token endpoint", func(i *Identity) { i.TokenEndpoint = "" }},
		{"missing send endpoint", func(i *Identity) { i.SendEndpoint = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id := valid
			tt.mutate(&id)
			_, err := NewRegistry(id)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		t.Parallel()

		_, err := NewRegistry(valid, valid)
		require.ErrorIs(t, err, ErrInvalid)
	})
}

func TestIdentity_LogValue_OmitsSecret(t *testing.T) {
	t.Parallel()

	id := Identity{
		Name:          "a",
		ClientID:      "id",
		ClientSecret:  "super-secret-value",
		TokenEndpoint: "https://example.com/token",
		SendEndpoint:  "https://example.com/send",
	}

	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("identity", slog.Any("identity", id))

	assert.NotContains(t, sb.String(), "super-secret-value")
	assert.Contains(t, sb.String(), "client_id=id")
}
