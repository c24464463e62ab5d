package compose

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrymomot/mailqueue/pkg/queue"
)

// FileStore resolves stored-file attachments by key.
type FileStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Document is the result of on-demand rendering.
type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}

// DocumentRenderer is the external collaborator that renders a formatted
// document for a source record, invoked synchronously at compose time.
// Renderers must be deterministic for a given (record, format) pair or
// retried sends may attach different bytes.
type DocumentRenderer interface {
	Render(ctx context.Context, recordID, format string) (Document, error)
}

// Message is a canonical provider-ready message for one recipient.
type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	// Raw is the full RFC 5322 source.
	Raw []byte
}

// Composer assembles canonical messages from queue entries.
type Composer struct {
	files FileStore
	docs  DocumentRenderer
}

// Option configures a Composer.
type Option func(*Composer)

// WithFileStore sets the resolver for stored-file attachments.
func WithFileStore(fs FileStore) Option {
	return func(c *Composer) { c.files = fs }
}

// WithDocumentRenderer sets the on-demand document collaborator.
func WithDocumentRenderer(dr DocumentRenderer) Option {
	return func(c *Composer) { c.docs = dr }
}

// New creates a Composer. Entries referencing stored files or generated
// documents fail with ErrAttachmentUnavailable unless the matching
// collaborator is configured.
func New(opts ...Option) *Composer {
	c := &Composer{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolved is an attachment with its content in hand.
type resolved struct {
	filename    string
	contentType string
	contentID   string
	content     []byte
}

// Compose builds the canonical message for one recipient of the entry.
func (c *Composer) Compose(ctx context.Context, e *queue.Entry, recipient string) (*Message, error) {
	if recipient == "" {
		return nil, ErrNoRecipient
	}

	subject := e.Subject
	replyTo := e.ReplyTo
	htmlBody := e.HTMLBody
	textBody := e.TextBody
	var attachments []resolved

	if len(e.RawMessage) > 0 {
		parsed, err := parseRaw(e.RawMessage)
		if err != nil {
			return nil, err
		}
		// Raw-source headers only fill gaps; entry fields stay the truth.
		if subject == "" {
			subject = parsed.subject
		}
		if replyTo == "" {
			replyTo = parsed.replyTo
		}
		if htmlBody == "" {
			htmlBody = parsed.html
		}
		if textBody == "" {
			textBody = parsed.text
		}
		attachments = append(attachments, parsed.attachments...)
	}

	for _, field := range []string{subject, htmlBody, textBody} {
		if !utf8.ValidString(field) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in entry %s", ErrEncoding, e.ID)
		}
	}

	// HTML wins; plain text is wrapped so every message renders uniformly.
	switch {
	case htmlBody != "":
	case textBody != "":
		htmlBody = "<html><body><pre style=\"font-family: sans-serif; white-space: pre-wrap;\">" +
			html.EscapeString(textBody) + "</pre></body></html>"
	default:
		htmlBody = "<html><body><p>No content</p></body></html>"
	}

	seen := make(map[string]struct{}, len(attachments))
	for _, a := range attachments {
		seen[a.filename] = struct{}{}
	}
	for _, desc := range e.Attachments {
		r, err := c.resolve(ctx, desc)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r.filename]; dup {
			continue
		}
		seen[r.filename] = struct{}{}
		attachments = append(attachments, r)
	}

	raw, err := render(e, recipient, subject, replyTo, htmlBody, attachments)
	if err != nil {
		return nil, err
	}

	return &Message{
		From:    e.Sender,
		To:      recipient,
		ReplyTo: replyTo,
		Subject: subject,
		Raw:     raw,
	}, nil
}

func (c *Composer) resolve(ctx context.Context, a queue.Attachment) (resolved, error) {
	r := resolved{
		filename:    a.Filename,
		contentType: a.ContentType,
		contentID:   a.ContentID,
	}

	switch a.Kind {
	case queue.AttachmentContent:
		if len(a.Content) == 0 {
			return r, fmt.Errorf("%w: %s has no content", ErrAttachmentUnavailable, a.Filename)
		}
		r.content = a.Content

	case queue.AttachmentFile:
		if c.files == nil {
			return r, fmt.Errorf("%w: no file store configured for %s", ErrAttachmentUnavailable, a.FileKey)
		}
		content, err := c.files.Fetch(ctx, a.FileKey)
		if err != nil {
			return r, errors.Join(fmt.Errorf("%w: %s", ErrAttachmentUnavailable, a.FileKey), err)
		}
		r.content = content
		if r.filename == "" {
			r.filename = filepath.Base(a.FileKey)
		}

	case queue.AttachmentDocument:
		if c.docs == nil {
			return r, fmt.Errorf("%w: no document renderer configured for %s", ErrAttachmentUnavailable, a.RecordID)
		}
		doc, err := c.docs.Render(ctx, a.RecordID, a.Format)
		if err != nil {
			return r, errors.Join(fmt.Errorf("%w: render %s as %s", ErrAttachmentUnavailable, a.RecordID, a.Format), err)
		}
		r.content = doc.Content
		if r.filename == "" {
			r.filename = doc.Filename
		}
		if r.contentType == "" {
			r.contentType = doc.ContentType
		}

	default:
		return r, fmt.Errorf("%w: unknown attachment kind %q", ErrAttachmentUnavailable, a.Kind)
	}

	if r.filename == "" {
		r.filename = "attachment"
	}
	if r.contentType == "" {
		if byExt := mime.TypeByExtension(filepath.Ext(r.filename)); byExt != "" {
			r.contentType = byExt
		} else {
			r.contentType = "application/octet-stream"
		}
	}
	return r, nil
}

// render writes the message bytes. Header order, boundary and date are all
// fixed functions of the entry so output is reproducible.
func render(e *queue.Entry, recipient, subject, replyTo, htmlBody string, attachments []resolved) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", name, sanitizeHeader(value))
	}

	writeHeader("From", e.Sender)
	writeHeader("To", recipient)
	if replyTo != "" {
		writeHeader("Reply-To", replyTo)
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", e.CreatedAt.UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")

	boundary := deterministicBoundary(e, recipient)
	writeHeader("Content-Type", "multipart/mixed; boundary="+boundary)
	buf.WriteString("\r\n")

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("compose: set boundary: %w", err)
	}

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	htmlHeader.Set("Content-Transfer-Encoding", "base64")
	part, err := mw.CreatePart(htmlHeader)
	if err != nil {
		return nil, fmt.Errorf("compose: create html part: %w", err)
	}
	writeBase64(part, []byte(htmlBody))

	for _, a := range attachments {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", fmt.Sprintf("%s; name=%q", a.contentType, a.filename))
		header.Set("Content-Transfer-Encoding", "base64")
		if a.contentID != "" && strings.Contains(htmlBody, "cid:"+a.contentID) {
			header.Set("Content-ID", "<"+a.contentID+">")
			header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.filename))
		} else {
			header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.filename))
		}
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("compose: create attachment part: %w", err)
		}
		writeBase64(part, a.content)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

// deterministicBoundary derives the multipart boundary from the entry id
// and recipient. Retried composition must not shift boundaries.
func deterministicBoundary(e *queue.Entry, recipient string) string {
	sum := sha256.Sum256([]byte(e.ID.String() + "\x00" + recipient))
	return "mq-" + hex.EncodeToString(sum[:12])
}

// sanitizeHeader strips CR/LF so entry fields cannot inject headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", " ")
}

// writeBase64 emits standard base64 wrapped at 76 columns with CRLF line
// breaks, the canonical transfer encoding form.
func writeBase64(w io.Writer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := min(len(encoded), 76)
		_, _ = io.WriteString(w, encoded[:n])
		_, _ = io.WriteString(w, "\r\n")
		encoded = encoded[n:]
	}
}
