package writer

import (
	"errors"
	"fmt"
)

// ErrWriterLockNotHeld rejects a write attempted without a valid, unexpired
// writer lease. This condition never self-resolves; callers must not retry in
// a loop.
var ErrWriterLockNotHeld = errors.New("writer: lock not held")

// ErrWriterNotVerified rejects writes from a service instance that has not
// completed startup self-verification, even if it holds the lock.
var ErrWriterNotVerified = errors.New("writer: startup verification not completed")

// HaltedError answers every write attempt while the system is halted. It is
// never retried automatically; a halted system must never silently resume.
type HaltedError struct {
	Reason string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("writer: system halted: %s", e.Reason)
}

// InconsistencyError reports a head-hash mismatch found during startup
// self-verification — a potential split brain or corruption. It is fatal: the
// process halts and refuses all writes until the recovery ceremony runs.
type InconsistencyError struct {
	CachedHead string
	StoreHead  string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("writer: head hash mismatch: cached %q, store %q", e.CachedHead, e.StoreHead)
}
