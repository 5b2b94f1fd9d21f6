// Package ledger implements the witnessed, hash-chained event ledger at the
// heart of Civitas governance.
//
// Every event carries a SHA-256 content hash computed over an RFC 8785 (JCS)
// canonical serialization of its non-signature fields, and a prev_hash linking
// it to its predecessor. The chain is anchored at GenesisHash (64 hex zeros):
// the first event (sequence 1) records GenesisHash as its prev_hash, so any
// insertion, reordering, or mutation anywhere in the history is detectable.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package ledger
