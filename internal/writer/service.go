package writer

import (
	"context"
	"sync"

	"github.com/civitas-gov/civitas/internal/ledger"
	"go.uber.org/zap"
)

// MetricsRecordFunc is an optional callback recording write outcomes;
// result is "ok" or a rejection reason label.
type MetricsRecordFunc func(result string)

// Service is the only public write entry point into the ledger. Before
// delegating to the AtomicWriter it enforces, strictly in order:
//
//  1. halt check — a halted system answers every write with the halt reason;
//  2. lock check — no write proceeds without proof of exclusive writer status;
//  3. verification check — an instance that has not completed startup
//     self-verification refuses all writes even while holding the lock.
//
// State machine: UNVERIFIED → VERIFIED (via VerifyStartup), and separately
// NORMAL → HALTED (terminal until the recovery ceremony).
type Service struct {
	writer *AtomicWriter
	store  ledger.Store
	halt   *HaltState
	lease  *WriterLease
	logger *zap.Logger

	onMetrics MetricsRecordFunc
	onHead    func(hash string)

	mu            sync.Mutex
	verified      bool
	expectedHead  string // non-empty when the process carries a prior head notion
	cachedHead    string // this process's view of the chain tip hash
	cachedHeadSeq int64  // sequence of cachedHead; guards against stale updates
}

// NewService creates an unverified Service. VerifyStartup must succeed before
// any Submit is accepted.
func NewService(w *AtomicWriter, store ledger.Store, halt *HaltState, lease *WriterLease, logger *zap.Logger) *Service {
	return &Service{writer: w, store: store, halt: halt, lease: lease, logger: logger}
}

// SetExpectedHead supplies the process's own notion of the current head hash,
// typically persisted across restarts. When set, VerifyStartup requires the
// store to agree exactly.
func (s *Service) SetExpectedHead(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedHead = hash
}

// SetMetricsRecord configures the write-outcome metrics callback.
func (s *Service) SetMetricsRecord(fn MetricsRecordFunc) { s.onMetrics = fn }

// SetHeadPersist configures a callback invoked whenever the cached head
// advances, so the process can persist its head notion for the next startup's
// self-verification. Calls are serialized and strictly in sequence order.
func (s *Service) SetHeadPersist(fn func(hash string)) { s.onHead = fn }

// VerifyStartup runs the crash-safe self-verification that gates all writes.
// It fetches the store's head and, when the process carries an expected head
// hash, requires an exact match. A mismatch is treated as potential split
// brain or corruption: logged at the highest severity with both hashes, the
// system halts, and the error is returned. An empty store needs no
// comparison.
func (s *Service) VerifyStartup(ctx context.Context) error {
	storeSeq, storeHead, err := ledger.Head(ctx, s.store)
	if err != nil {
		return err
	}

	s.mu.Lock()
	expected := s.expectedHead
	s.mu.Unlock()

	if expected != "" && expected != storeHead {
		s.logger.Error("startup head verification FAILED — possible split brain or corruption",
			zap.String("cached_head", expected),
			zap.String("store_head", storeHead),
		)
		s.halt.Halt("startup head hash mismatch")
		return &InconsistencyError{CachedHead: expected, StoreHead: storeHead}
	}

	s.mu.Lock()
	s.verified = true
	s.cachedHead = storeHead
	s.cachedHeadSeq = storeSeq
	s.mu.Unlock()

	s.logger.Info("startup self-verification passed", zap.String("head", storeHead))
	return nil
}

// Verified reports whether startup self-verification has completed.
func (s *Service) Verified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// Head returns this process's cached view of the chain tip hash.
func (s *Service) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedHead
}

// Submit records one event through the gated write path. Failures are
// propagated unchanged with full context; nothing is swallowed or retried
// here.
func (s *Service) Submit(ctx context.Context, req Request) (*ledger.Event, error) {
	if err := s.halt.Check(); err != nil {
		s.record("halted")
		return nil, err
	}
	if !s.lease.IsHeld() {
		s.record("lock_not_held")
		return nil, ErrWriterLockNotHeld
	}
	if !s.Verified() {
		s.record("not_verified")
		return nil, ErrWriterNotVerified
	}

	event, err := s.writer.Append(ctx, req)
	if err != nil {
		s.record("rejected")
		s.logger.Warn("write rejected",
			zap.String("event_type", req.EventType),
			zap.String("agent_id", req.AgentID),
			zap.Error(err),
		)
		return nil, err
	}

	// Concurrent Submits can reach this point out of sequence order; only a
	// strictly newer event may advance the cached head, and the persist hook
	// runs under the same lock so heads are never written out of order.
	s.mu.Lock()
	if event.Sequence > s.cachedHeadSeq {
		s.cachedHead = event.ContentHash
		s.cachedHeadSeq = event.Sequence
		if s.onHead != nil {
			s.onHead(event.ContentHash)
		}
	}
	s.mu.Unlock()

	s.record("ok")
	s.logger.Info("event recorded",
		zap.Int64("sequence", event.Sequence),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("witness_id", event.WitnessID),
	)
	return event, nil
}

func (s *Service) record(result string) {
	if s.onMetrics != nil {
		s.onMetrics(result)
	}
}
