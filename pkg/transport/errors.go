package transport

import "errors"

var (
	// ErrTransient marks failures worth retrying: throttling, provider
	// outages, timeouts and network errors.
	ErrTransient = errors.New("transport: transient send failure")
	// ErrPermanent marks failures retrying cannot fix, such as a rejected
	// recipient or a malformed message.
	ErrPermanent = errors.New("transport: permanent send failure")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether err is final for the recipient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
