// Package transport delivers composed messages to the provider send
// endpoint, one recipient per call, and classifies failures as transient
// or permanent so callers can decide whether retrying is worthwhile.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrymomot/mailqueue/pkg/compose"
	"github.com/dmitrymomot/mailqueue/pkg/identity"
)

// TokenProvider yields a usable bearer token for an identity and principal.
type TokenProvider interface {
	AccessToken(ctx context.Context, identityName, principal string) (string, error)
}

// Client sends messages through an OAuth2-protected HTTP send endpoint.
type Client struct {
	httpClient *http.Client
	tokens     TokenProvider
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client backed by the given token provider.
func New(tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sendRequest is the provider wire format: the full message source,
// URL-safe base64 encoded.
type sendRequest struct {
	Raw string `json:"raw"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send delivers one message to one recipient and returns the provider
// message id. Token acquisition errors pass through unwrapped so callers
// can distinguish authorization failures from delivery failures.
func (c *Client) Send(ctx context.Context, id identity.Identity, principal string, msg *compose.Message) (string, error) {
	accessToken, err := c.tokens.AccessToken(ctx, id.Name, principal)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(sendRequest{
		Raw: base64.URLEncoding.EncodeToString(msg.Raw),
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, id.SendEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr sendResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return "", fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
		}
		return sr.ID, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s returned %d: %s", ErrTransient, id.SendEndpoint, resp.StatusCode, truncate(body))

	default:
		return "", fmt.Errorf("%w: %s returned %d: %s", ErrPermanent, id.SendEndpoint, resp.StatusCode, truncate(body))
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
