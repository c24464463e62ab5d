package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailqueue/pkg/compose"
	"github.com/dmitrymomot/mailqueue/pkg/identity"
	"github.com/dmitrymomot/mailqueue/pkg/token"
	"github.com/dmitrymomot/mailqueue/pkg/transport"
)

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) AccessToken(context.Context, string, string) (string, error) {
	return s.token, s.err
}

func testMessage() *compose.Message {
	return &compose.Message{
		From:    "billing@acme.test",
		To:      "alice@example.com",
		Subject: "hi",
		Raw:     []byte("From: billing@acme.test\r\n\r\nbody"),
	}
}

func testIdentity(sendURL string) identity.Identity {
	return identity.Identity{
		Name:         "gmail-main",
		ClientID:     "client-id",
		ClientSecret: "secret",
		SendEndpoint: sendURL,
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		decoded, err := base64.URLEncoding.DecodeString(req.Raw)
		require.NoError(t, err)
		assert.Equal(t, msg.Raw, decoded)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"provider-msg-17"}`))
	}))
	defer srv.Close()

	client := transport.New(&staticTokens{token: "tok-1"})
	id, err := client.Send(context.Background(), testIdentity(srv.URL), "ops@acme.test", msg)
	require.NoError(t, err)
	assert.Equal(t, "provider-msg-17", id)
}

func TestSend_RateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := transport.New(&staticTokens{token: "tok-1"})
	_, err := client.Send(context.Background(), testIdentity(srv.URL), "ops@acme.test", testMessage())
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
	assert.False(t, transport.IsPermanent(err))
}

func TestSend_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := transport.New(&staticTokens{token: "tok-1"})
	_, err := client.Send(context.Background(), testIdentity(srv.URL), "ops@acme.test", testMessage())
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}

func TestSend_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid recipient"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := transport.New(&staticTokens{token: "tok-1"})
	_, err := client.Send(context.Background(), testIdentity(srv.URL), "ops@acme.test", testMessage())
	require.Error(t, err)
	assert.True(t, transport.IsPermanent(err))
	assert.False(t, transport.IsTransient(err))
	assert.Contains(t, err.Error(), "invalid recipient")
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := transport.New(&staticTokens{token: "tok-1"})
	_, err := client.Send(context.Background(), testIdentity(srv.URL), "ops@acme.test", testMessage())
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}

func TestSend_TokenErrorPassesThrough(t *testing.T) {
	t.Parallel()

	client := transport.New(&staticTokens{err: token.ErrAuthRequired})
	_, err := client.Send(context.Background(), testIdentity("http://unused.test"), "ops@acme.test", testMessage())
	require.ErrorIs(t, err, token.ErrAuthRequired)
	assert.False(t, transport.IsTransient(err))
	assert.False(t, transport.IsPermanent(err))
}

func TestSend_ContextTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := transport.New(&staticTokens{token: "tok-1"})
	_, err := client.Send(ctx, testIdentity(srv.URL), "ops@acme.test", testMessage())
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
}
