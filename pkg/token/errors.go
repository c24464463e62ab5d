package token

import "errors"

var (
	// ErrAuthRequired indicates no credential exists for the identity and
	// principal. The interactive authorization flow must run first; the
	// dispatch engine never retries this on its own.
	ErrAuthRequired = errors.New("token: authorization required")

	// ErrRefreshFailed indicates the refresh token is missing or was
	// rejected by the provider. Requires operator re-authorization.
	ErrRefreshFailed = errors.New("token: refresh failed")

	// ErrNotFound indicates the store has no record for the key.
	ErrNotFound = errors.New("token: record not found")

	// ErrVersionConflict indicates a concurrent writer updated the record
	// since it was loaded.
	ErrVersionConflict = errors.New("token: record version conflict")

	// ErrInvalidKey indicates the encryption key is not 32 bytes.
	ErrInvalidKey = errors.New("token: encryption key must be 32 bytes")

	// ErrDecryptFailed indicates stored ciphertext could not be decrypted,
	// usually after an encryption key rotation without re-authorization.
	ErrDecryptFailed = errors.New("token: failed to decrypt stored token")
)
