// Package token manages OAuth2 credentials for transport identities.
//
// A Record is the cached credential for one (identity, principal) pair.
// Records are created by the external authorization flow; this package only
// reads and refreshes them. The Manager is the single owner of record
// mutation: it serializes refreshes behind a keyed lock (optionally a
// Redis lock when several processes share one credential), performs the
// refresh-token exchange against the identity's token endpoint, and writes
// the result back with optimistic concurrency so a concurrent reader never
// observes a half-applied refresh.
//
// Tokens are encrypted at rest with AES-GCM; the stores only ever see
// ciphertext.
package token
