package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a whole queue entry.
type Status string

const (
	StatusNotSent       Status = "not_sent"
	StatusSending       Status = "sending"
	StatusSent          Status = "sent"
	StatusPartiallySent Status = "partially_sent"
	StatusError         Status = "error"
)

// Terminal reports whether the status is final. Terminal entries are only
// dispatched again through Store.Reset.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusPartiallySent, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the status graph allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNotSent:
		return next == StatusSending
	case StatusSending:
		return next.Terminal()
	}
	return false
}

// RecipientStatus is the delivery state of a single recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientFailed    RecipientStatus = "failed"
	RecipientCancelled RecipientStatus = "cancelled"
)

// AttachmentKind selects how attachment content is obtained at compose time.
type AttachmentKind string

const (
	// AttachmentContent carries raw bytes provided at creation time.
	AttachmentContent AttachmentKind = "content"
	// AttachmentFile references a stored file resolved by key.
	AttachmentFile AttachmentKind = "file"
	// AttachmentDocument is rendered on demand from a source record.
	AttachmentDocument AttachmentKind = "document"
)

// Attachment describes one attachment of an entry. Exactly one of Content,
// FileKey or RecordID is meaningful depending on Kind.
type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type,omitempty"`
	// ContentID marks the attachment as inline-addressable from the HTML
	// body via cid: references.
	ContentID string `json:"content_id,omitempty"`
	Content   []byte `json:"content,omitempty"`
	FileKey   string `json:"file_key,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Format    string `json:"format,omitempty"`
}

// Recipient is one addressee of an entry with its own delivery outcome.
type Recipient struct {
	ID      uuid.UUID       `json:"id"`
	Address string          `json:"address"`
	Status  RecipientStatus `json:"status"`
	// MessageID is the provider-assigned id recorded on successful delivery.
	MessageID string `json:"message_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Entry is one outbound message record and its delivery state.
type Entry struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Status    Status

	// Identity names the connected sending account; Principal is the
	// account owner the OAuth2 credential was issued to.
	Identity  string
	Principal string

	Sender   string
	ReplyTo  string
	Subject  string
	HTMLBody string
	TextBody string
	// RawMessage optionally carries a pre-rendered RFC 5322 source produced
	// by an earlier queuing stage. The composer parses it and rebuilds a
	// clean message instead of trusting its envelope.
	RawMessage []byte

	Attachments []Attachment
	Recipients  []Recipient

	SendAfter *time.Time
	Error     string
	Cancelled bool
}

// Due reports whether the entry is eligible for dispatch at now.
func (e *Entry) Due(now time.Time) bool {
	if e.Cancelled || e.Status != StatusNotSent {
		return false
	}
	return e.SendAfter == nil || !e.SendAfter.After(now)
}

// Aggregate derives the terminal entry status from recipient outcomes:
// everything sent → Sent, nothing sent → Error, otherwise PartiallySent.
func Aggregate(recipients []Recipient) Status {
	sent := 0
	for _, r := range recipients {
		if r.Status == RecipientSent {
			sent++
		}
	}
	switch {
	case sent == len(recipients) && sent > 0:
		return StatusSent
	case sent > 0:
		return StatusPartiallySent
	default:
		return StatusError
	}
}

// Clone returns a deep copy of the entry. Stores return clones so callers
// can mutate freely.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.SendAfter != nil {
		t := *e.SendAfter
		c.SendAfter = &t
	}
	if e.RawMessage != nil {
		c.RawMessage = append([]byte(nil), e.RawMessage...)
	}
	c.Attachments = make([]Attachment, len(e.Attachments))
	for i, a := range e.Attachments {
		c.Attachments[i] = a
		if a.Content != nil {
			c.Attachments[i].Content = append([]byte(nil), a.Content...)
		}
	}
	c.Recipients = append([]Recipient(nil), e.Recipients...)
	return &c
}
