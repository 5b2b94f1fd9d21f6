package ledger

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no event exists at the requested sequence.
var ErrNotFound = errors.New("ledger: event not found")

// ErrEmptyLedger is returned by Latest when no events have been appended yet.
var ErrEmptyLedger = errors.New("ledger: empty")

// BuildFunc assembles the fully-signed candidate event for the next position
// in the chain. It runs inside the store's transaction boundary: the sequence
// number and prevHash it is handed are guaranteed stable until commit, and any
// error it returns rolls the whole append back without consuming the sequence.
type BuildFunc func(sequence int64, prevHash string) (*Event, error)

// Store is the durable, append-only home of the event chain.
//
// Append is all-or-nothing: either a fully-signed, hash-linked event becomes
// durably visible, or nothing about the store changes. Reads are never blocked
// by writers beyond normal transactional isolation; the ledger is never
// mutated in place.
type Store interface {
	// Append reserves the next sequence number, reads the current head hash,
	// invokes build, and durably inserts the resulting event — all within one
	// transaction. A build error aborts everything; a retry observes the same
	// next-sequence value the failed attempt saw.
	Append(ctx context.Context, build BuildFunc) (*Event, error)

	// Latest returns the current head event, or ErrEmptyLedger.
	Latest(ctx context.Context) (*Event, error)

	// BySequence returns the event at the given sequence, or ErrNotFound.
	BySequence(ctx context.Context, seq int64) (*Event, error)

	// Range returns events with start <= sequence <= end, ordered ascending.
	Range(ctx context.Context, start, end int64) ([]*Event, error)

	// MaxSequence returns the highest persisted sequence, 0 when empty.
	MaxSequence(ctx context.Context) (int64, error)

	// Sequences returns the persisted sequence numbers in [start, end],
	// ascending. Used by continuity verification; gaps show up as absences.
	Sequences(ctx context.Context, start, end int64) ([]int64, error)
}
