package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mailqueue/pkg/identity"
	"github.com/dmitrymomot/mailqueue/pkg/queue"
)

type fakeDispatcher struct {
	dispatched []uuid.UUID
	err        error
	store      queue.Store
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, id)
	if f.store != nil {
		if _, err := f.store.Claim(ctx, id, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func testRouter(t *testing.T, store queue.Store, d *fakeDispatcher) http.Handler {
	t.Helper()
	reg, err := identity.NewRegistry(identity.Identity{
		Name:          "gmail-main",
		ClientID:      "client-id",
		ClientSecret:  "secret",
		TokenEndpoint: "https://oauth.test/token",
		SendEndpoint:  "https://mail.test/send",
	})
	require.NoError(t, err)

	h := NewHandlers(store, d, reg, nil)
	r := chi.NewRouter()
	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", h.createMessage)
		r.Get("/{id}", h.getMessage)
		r.Post("/{id}/retry", h.retryMessage)
		r.Post("/{id}/cancel", h.cancelMessage)
	})
	return r
}

func createBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"identity":   "gmail-main",
		"principal":  "ops@acme.test",
		"sender":     "billing@acme.test",
		"subject":    "Invoice",
		"html_body":  "<p>Your invoice</p>",
		"recipients": []string{"alice@example.com"},
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	d := &fakeDispatcher{store: store}
	router := testRouter(t, store, d)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", createBody(t, nil)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.ID)
	assert.Equal(t, queue.StatusSending, resp.Status, "immediate entries dispatch right after creation")
	require.Len(t, d.dispatched, 1)
	assert.Equal(t, resp.ID, d.dispatched[0])
}

func TestCreateMessage_SanitizesHTML(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	router := testRouter(t, store, &fakeDispatcher{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", createBody(t, map[string]any{
		"html_body": `<p onclick="steal()">hi</p><script>alert(1)</script>`,
	})))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	e, err := store.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.NotContains(t, e.HTMLBody, "script")
	assert.NotContains(t, e.HTMLBody, "onclick")
	assert.Contains(t, e.HTMLBody, "hi")
}

func TestCreateMessage_ScheduledSkipsDispatch(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	d := &fakeDispatcher{store: store}
	router := testRouter(t, store, d)

	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", createBody(t, map[string]any{
		"send_after": later,
	})))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, queue.StatusNotSent, resp.Status)
	assert.Empty(t, d.dispatched)
}

func TestCreateMessage_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		overrides map[string]any
	}{
		{"unknown identity", map[string]any{"identity": "nobody"}},
		{"missing principal", map[string]any{"principal": ""}},
		{"bad sender", map[string]any{"sender": "not-an-address"}},
		{"no recipients", map[string]any{"recipients": []string{}}},
		{"bad recipient", map[string]any{"recipients": []string{"nope"}}},
		{"bad attachment kind", map[string]any{"attachments": []map[string]any{{"kind": "weird", "filename": "x"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			router := testRouter(t, queue.NewMemory(), &fakeDispatcher{})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", createBody(t, tc.overrides)))
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
}

func TestGetMessage(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	router := testRouter(t, store, &fakeDispatcher{})

	e := &queue.Entry{
		Identity:   "gmail-main",
		Principal:  "ops@acme.test",
		Sender:     "billing@acme.test",
		Subject:    "Invoice",
		Recipients: []queue.Recipient{{Address: "alice@example.com"}},
	}
	require.NoError(t, store.Create(context.Background(), e))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/"+e.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, e.ID, resp.ID)
	assert.Equal(t, queue.StatusNotSent, resp.Status)
	require.Len(t, resp.Recipients, 1)
	assert.Equal(t, "alice@example.com", resp.Recipients[0].Address)
}

func TestGetMessage_NotFound(t *testing.T) {
	t.Parallel()

	router := testRouter(t, queue.NewMemory(), &fakeDispatcher{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessage_BadID(t *testing.T) {
	t.Parallel()

	router := testRouter(t, queue.NewMemory(), &fakeDispatcher{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryMessage(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	d := &fakeDispatcher{store: store}
	router := testRouter(t, store, d)

	e := &queue.Entry{
		Identity:   "gmail-main",
		Principal:  "ops@acme.test",
		Sender:     "billing@acme.test",
		Recipients: []queue.Recipient{{Address: "alice@example.com"}},
	}
	require.NoError(t, store.Create(context.Background(), e))
	won, err := store.Claim(context.Background(), e.ID, time.Now())
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.Finalize(context.Background(), e.ID, queue.StatusError, "provider down"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/messages/%s/retry", e.ID), nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uuid.UUID{e.ID}, d.dispatched)

	got, err := store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Error)
}

func TestRetryMessage_NotSentDispatches(t *testing.T) {
	t.Parallel()

	// An entry whose first dispatch never enqueued a job stays NotSent;
	// retry picks it up without a reset.
	store := queue.NewMemory()
	d := &fakeDispatcher{store: store}
	router := testRouter(t, store, d)

	e := &queue.Entry{
		Identity:   "gmail-main",
		Principal:  "ops@acme.test",
		Sender:     "billing@acme.test",
		Recipients: []queue.Recipient{{Address: "alice@example.com"}},
	}
	require.NoError(t, store.Create(context.Background(), e))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/messages/%s/retry", e.ID), nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uuid.UUID{e.ID}, d.dispatched)

	got, err := store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSending, got.Status)
}

func TestRetryMessage_NotTerminal(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	router := testRouter(t, store, &fakeDispatcher{})

	e := &queue.Entry{
		Identity:   "gmail-main",
		Principal:  "ops@acme.test",
		Sender:     "billing@acme.test",
		Recipients: []queue.Recipient{{Address: "alice@example.com"}},
	}
	require.NoError(t, store.Create(context.Background(), e))
	won, err := store.Claim(context.Background(), e.ID, time.Now())
	require.NoError(t, err)
	require.True(t, won)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/messages/%s/retry", e.ID), nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelMessage(t *testing.T) {
	t.Parallel()

	store := queue.NewMemory()
	router := testRouter(t, store, &fakeDispatcher{})

	e := &queue.Entry{
		Identity:   "gmail-main",
		Principal:  "ops@acme.test",
		Sender:     "billing@acme.test",
		Recipients: []queue.Recipient{{Address: "alice@example.com"}},
	}
	require.NoError(t, store.Create(context.Background(), e))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/messages/%s/cancel", e.ID), nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)

	// A cancelled entry can no longer be claimed.
	won, err := store.Claim(context.Background(), e.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	checks := map[string]CheckFunc{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return fmt.Errorf("connection refused") },
	}

	t.Run("liveness", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		livenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness reports failing check", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		readinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "healthy", resp.Checks["postgres"].Status)
		assert.Contains(t, resp.Checks["redis"].Error, "connection refused")
	})
}
