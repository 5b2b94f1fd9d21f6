package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for tests and single-process development deployments that
// do not need durability across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[int64]*Event
	maxSeq   int64
	headHash string
}

// NewMemoryStore creates an empty MemoryStore. The chain starts empty; the
// first Append produces sequence 1 with PrevHash == GenesisHash.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[int64]*Event),
		headHash: GenesisHash,
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, build BuildFunc) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.maxSeq + 1
	event, err := build(next, s.headHash)
	if err != nil {
		// Nothing was appended; the sequence is not consumed.
		return nil, err
	}
	if err := checkAppendable(event, next, s.headHash); err != nil {
		return nil, err
	}

	s.events[next] = event
	s.maxSeq = next
	s.headHash = event.ContentHash
	return event, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxSeq == 0 {
		return nil, ErrEmptyLedger
	}
	e, ok := s.events[s.maxSeq]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// BySequence implements Store.
func (s *MemoryStore) BySequence(_ context.Context, seq int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Range implements Store. Missing sequences within the range are skipped, not
// errors; continuity checks are the verifier's job.
func (s *MemoryStore) Range(_ context.Context, start, end int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 1 {
		start = 1
	}
	if end > s.maxSeq {
		end = s.maxSeq
	}
	var out []*Event
	for seq := start; seq <= end; seq++ {
		if e, ok := s.events[seq]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// MaxSequence implements Store.
func (s *MemoryStore) MaxSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq, nil
}

// Sequences implements Store.
func (s *MemoryStore) Sequences(_ context.Context, start, end int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 1 {
		start = 1
	}
	if end > s.maxSeq {
		end = s.maxSeq
	}
	var out []int64
	for seq := start; seq <= end; seq++ {
		if _, ok := s.events[seq]; ok {
			out = append(out, seq)
		}
	}
	return out, nil
}

// DeleteForTest removes the event at seq so tests can inject a sequence gap.
// Never called by production code; the ledger contract forbids deletion.
func (s *MemoryStore) DeleteForTest(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, seq)
}

// checkAppendable rejects candidate events that would violate the ledger
// invariants before they are made visible.
func checkAppendable(e *Event, sequence int64, prevHash string) error {
	switch {
	case e == nil:
		return fmt.Errorf("ledger: build returned nil event")
	case e.Sequence != sequence:
		return fmt.Errorf("ledger: built event has sequence %d, expected %d", e.Sequence, sequence)
	case e.PrevHash != prevHash:
		return fmt.Errorf("ledger: built event has prev_hash %q, expected %q", e.PrevHash, prevHash)
	case e.AgentSignature == "" || e.WitnessSignature == "":
		return fmt.Errorf("ledger: event %d is missing a required signature", sequence)
	case e.WitnessID == e.AgentID:
		return fmt.Errorf("ledger: event %d witness %q equals agent", sequence, e.WitnessID)
	case e.ContentHash == "":
		return fmt.Errorf("ledger: event %d has empty content hash", sequence)
	}
	return nil
}
