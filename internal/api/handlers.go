package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dmitrymomot/mailqueue/pkg/dispatch"
	"github.com/dmitrymomot/mailqueue/pkg/identity"
	"github.com/dmitrymomot/mailqueue/pkg/logger"
	"github.com/dmitrymomot/mailqueue/pkg/queue"
)

// Dispatcher claims an entry and enqueues its delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

// Handlers implements the message endpoints.
type Handlers struct {
	store      queue.Store
	dispatcher Dispatcher
	identities *identity.Registry
	sanitizer  *bluemonday.Policy
	log        *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(store queue.Store, dispatcher Dispatcher, identities *identity.Registry, log *slog.Logger) *Handlers {
	if log == nil {
		log = logger.NewNope()
	}
	return &Handlers{
		store:      store,
		dispatcher: dispatcher,
		identities: identities,
		sanitizer:  htmlPolicy(),
		log:        log,
	}
}

// htmlPolicy permits the markup transactional mail templates actually use:
// user-generated-content defaults plus inline styles and cid images.
func htmlPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.AllowElements("html", "head", "body", "style", "center")
	p.AllowAttrs("width", "height", "align", "valign", "bgcolor", "cellpadding", "cellspacing", "border").OnElements("table", "td", "tr", "th", "img")
	return p
}

type createMessageRequest struct {
	Identity    string             `json:"identity"`
	Principal   string             `json:"principal"`
	Sender      string             `json:"sender"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Subject     string             `json:"subject"`
	HTMLBody    string             `json:"html_body,omitempty"`
	TextBody    string             `json:"text_body,omitempty"`
	RawMessage  []byte             `json:"raw_message,omitempty"`
	Recipients  []string           `json:"recipients"`
	Attachments []queue.Attachment `json:"attachments,omitempty"`
	SendAfter   *time.Time         `json:"send_after,omitempty"`
}

func (r *createMessageRequest) validate(identities *identity.Registry) error {
	if _, err := identities.Get(r.Identity); err != nil {
		return fmt.Errorf("unknown identity %q", r.Identity)
	}
	if r.Principal == "" {
		return errors.New("principal is required")
	}
	if _, err := mail.ParseAddress(r.Sender); err != nil {
		return fmt.Errorf("invalid sender: %v", err)
	}
	if r.ReplyTo != "" {
		if _, err := mail.ParseAddress(r.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply_to: %v", err)
		}
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, addr := range r.Recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid recipient %q: %v", addr, err)
		}
	}
	for _, a := range r.Attachments {
		switch a.Kind {
		case queue.AttachmentContent, queue.AttachmentFile, queue.AttachmentDocument:
		default:
			return fmt.Errorf("invalid attachment kind %q", a.Kind)
		}
	}
	return nil
}

type messageResponse struct {
	ID         uuid.UUID         `json:"id"`
	Status     queue.Status      `json:"status"`
	Identity   string            `json:"identity"`
	Sender     string            `json:"sender"`
	Subject    string            `json:"subject"`
	Recipients []queue.Recipient `json:"recipients"`
	SendAfter  *time.Time        `json:"send_after,omitempty"`
	Error      string            `json:"error,omitempty"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func toMessageResponse(e *queue.Entry) messageResponse {
	return messageResponse{
		ID:         e.ID,
		Status:     e.Status,
		Identity:   e.Identity,
		Sender:     e.Sender,
		Subject:    e.Subject,
		Recipients: e.Recipients,
		SendAfter:  e.SendAfter,
		Error:      e.Error,
		Cancelled:  e.Cancelled,
		CreatedAt:  e.CreatedAt,
	}
}

func (h *Handlers) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(h.identities); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	e := &queue.Entry{
		Identity:    req.Identity,
		Principal:   req.Principal,
		Sender:      req.Sender,
		ReplyTo:     req.ReplyTo,
		Subject:     req.Subject,
		HTMLBody:    h.sanitizer.Sanitize(req.HTMLBody),
		TextBody:    req.TextBody,
		RawMessage:  req.RawMessage,
		Attachments: req.Attachments,
		SendAfter:   req.SendAfter,
	}
	for _, addr := range req.Recipients {
		e.Recipients = append(e.Recipients, queue.Recipient{Address: addr})
	}

	if err := h.store.Create(r.Context(), e); err != nil {
		h.log.ErrorContext(r.Context(), "failed to create entry", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	// Scheduled entries wait for the sweep; immediate ones dispatch now.
	if req.SendAfter == nil {
		if err := h.dispatcher.Dispatch(r.Context(), e.ID); err != nil && !errors.Is(err, dispatch.ErrNotClaimed) {
			// A failed dispatch rolls the claim back, so the entry stays
			// NotSent and the retry endpoint can dispatch it again.
			h.log.ErrorContext(r.Context(), "failed to dispatch new entry",
				slog.String("entry_id", e.ID.String()),
				slog.Any("error", err))
		}
	}

	fresh, err := h.store.Get(r.Context(), e.ID)
	if err != nil {
		fresh = e
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(fresh))
}

func (h *Handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	e, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(e))
}

// retryMessage is the operator path out of a terminal status: reset the
// entry and dispatch it again. Recipients already delivered stay delivered.
// An entry still in NotSent, such as one whose first dispatch failed to
// enqueue, skips the reset and goes straight to dispatch.
func (h *Handlers) retryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.Reset(r.Context(), id); err != nil {
		if !errors.Is(err, queue.ErrNotTerminal) {
			writeStoreError(w, err)
			return
		}
		e, getErr := h.store.Get(r.Context(), id)
		if getErr != nil {
			writeStoreError(w, getErr)
			return
		}
		if e.Status != queue.StatusNotSent {
			writeStoreError(w, err)
			return
		}
	}
	if err := h.dispatcher.Dispatch(r.Context(), id); err != nil && !errors.Is(err, dispatch.ErrNotClaimed) {
		h.log.ErrorContext(r.Context(), "failed to dispatch after reset",
			slog.String("entry_id", id.String()),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}

	e, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toMessageResponse(e))
}

// cancelMessage flags the entry. A not-yet-claimed entry will never send;
// one mid-flight stops before its next recipient, best-effort.
func (h *Handlers) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.store.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	e, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toMessageResponse(e))
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, queue.ErrNotTerminal):
		writeError(w, http.StatusConflict, "message is not in a terminal status")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
