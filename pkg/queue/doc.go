// Package queue holds the outbound message queue: one Entry per message,
// its per-recipient delivery state, and the Store that persists both.
//
// The state machine is deliberately small:
//
//	NotSent → Sending → {Sent, PartiallySent, Error}
//
// Sending is entered through Store.Claim, an atomic compare-and-set that
// guarantees at most one caller may proceed per entry. Terminal states are
// sticky; only Store.Reset (the operator retry path) moves an entry back
// to NotSent.
//
// Two Store implementations are provided: Postgres for production and an
// in-memory store with the same claim semantics for tests and local use.
package queue
