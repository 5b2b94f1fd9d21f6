package ledger

import (
	"context"
	"errors"
	"fmt"
)

// verifyBatchSize bounds memory use when walking large ledgers.
const verifyBatchSize = 512

// VerifyEvent recomputes the event's content hash from its canonical bytes
// and confirms it matches the stored value.
func VerifyEvent(e *Event) error {
	recomputed, err := e.RecomputeContentHash()
	if err != nil {
		return fmt.Errorf("event %d: %w", e.Sequence, err)
	}
	if recomputed != e.ContentHash {
		return fmt.Errorf("event %d: content hash mismatch: stored %q, recomputed %q",
			e.Sequence, e.ContentHash, recomputed)
	}
	return nil
}

// VerifyChain walks the entire ledger in batches and checks every invariant
// that holds across the chain: recomputable content hashes, prev_hash linkage
// anchored at GenesisHash, contiguous sequences, and the presence of both
// signatures with witness != agent. Returns nil if the chain is intact.
func VerifyChain(ctx context.Context, store Store) error {
	max, err := store.MaxSequence(ctx)
	if err != nil {
		return err
	}

	prevHash := GenesisHash
	expected := int64(1)
	for start := int64(1); start <= max; start += verifyBatchSize {
		end := start + verifyBatchSize - 1
		if end > max {
			end = max
		}
		events, err := store.Range(ctx, start, end)
		if err != nil {
			return err
		}
		for _, e := range events {
			if e.Sequence != expected {
				return fmt.Errorf("sequence gap: expected %d, found %d", expected, e.Sequence)
			}
			if e.PrevHash != prevHash {
				return fmt.Errorf("chain broken at sequence %d: prev_hash %q, want %q",
					e.Sequence, e.PrevHash, prevHash)
			}
			if err := VerifyEvent(e); err != nil {
				return err
			}
			if e.AgentSignature == "" || e.WitnessSignature == "" {
				return fmt.Errorf("event %d is missing a signature", e.Sequence)
			}
			if e.WitnessID == "" || e.WitnessID == e.AgentID {
				return fmt.Errorf("event %d has invalid witness %q", e.Sequence, e.WitnessID)
			}
			prevHash = e.ContentHash
			expected++
		}
	}
	if expected != max+1 {
		return fmt.Errorf("ledger reports max sequence %d but only %d events are readable",
			max, expected-1)
	}
	return nil
}

// VerifyContinuity checks that every sequence in [start, end] is present.
// It returns true with an empty slice when the range is contiguous, or false
// with the exact missing sequence numbers in ascending order. It never
// inspects hashes; use VerifyChain for full integrity.
func VerifyContinuity(ctx context.Context, store Store, start, end int64) (bool, []int64, error) {
	if start < 1 {
		start = 1
	}
	if end < start {
		return true, nil, nil
	}

	present, err := store.Sequences(ctx, start, end)
	if err != nil {
		return false, nil, err
	}

	var missing []int64
	next := start
	for _, seq := range present {
		for next < seq {
			missing = append(missing, next)
			next++
		}
		next = seq + 1
	}
	for ; next <= end; next++ {
		missing = append(missing, next)
	}
	return len(missing) == 0, missing, nil
}

// Head returns the current head sequence and hash, treating an empty ledger
// as (0, GenesisHash).
func Head(ctx context.Context, store Store) (int64, string, error) {
	latest, err := store.Latest(ctx)
	if errors.Is(err, ErrEmptyLedger) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	return latest.Sequence, latest.ContentHash, nil
}
