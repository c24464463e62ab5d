package compose

import "errors"

var (
	// ErrAttachmentUnavailable indicates a referenced file or generated
	// document could not be resolved at compose time.
	ErrAttachmentUnavailable = errors.New("compose: attachment unavailable")

	// ErrEncoding indicates content that cannot be represented in UTF-8.
	ErrEncoding = errors.New("compose: content not representable in target charset")

	// ErrNoRecipient indicates Compose was called without a recipient.
	ErrNoRecipient = errors.New("compose: recipient required")

	// ErrMalformedRaw indicates the entry's raw message source could not
	// be parsed.
	ErrMalformedRaw = errors.New("compose: malformed raw message")
)
