// Package compose rebuilds queue entries into canonical, provider-ready
// MIME messages.
//
// An entry may carry structured content (HTML/text bodies plus attachment
// descriptors) or a raw RFC 5322 message produced by an earlier queuing
// stage. Either way the composer emits a single clean multipart message:
// it never copies envelope headers or boundary structure from the raw
// source, which is how stray transport artifacts (duplicate Content-Type
// headers, leftover boundaries) are shed.
//
// Composition is deterministic: boundaries are derived from the entry id
// and recipient, and the Date header comes from the entry's creation time,
// so composing the same entry twice yields byte-identical output. Retries
// therefore resend exactly what the first attempt built.
package compose
