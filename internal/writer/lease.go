package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LeaseRecord is the persisted state of the single writer lease.
type LeaseRecord struct {
	HolderID     string
	FencingToken int64
	ExpiresAt    time.Time
	Released     bool
}

// ErrLeaseHeld is returned by TryAcquire when a live (unexpired, unreleased)
// lease belongs to another holder.
var ErrLeaseHeld = errors.New("writer: lease held by another writer")

// ErrLeaseExpiredHeld is returned when the standing lease has expired but was
// not cleanly released. Automatic reclaim of a crashed writer's lease is
// constitutionally forbidden; only the recovery ceremony may reclaim it.
var ErrLeaseExpiredHeld = errors.New("writer: expired lease requires recovery ceremony to reclaim")

// LeaseStore is the shared mutual-exclusion substrate. Implementations must
// make TryAcquire/Renew/Release atomic (compare-and-swap semantics) so that
// at most one valid lease exists at any instant.
type LeaseStore interface {
	// TryAcquire grants the lease to holderID if no lease exists or the
	// previous one was cleanly released. Returns the new fencing token.
	// A live foreign lease yields ErrLeaseHeld; an expired-but-unreleased
	// lease yields ErrLeaseExpiredHeld.
	TryAcquire(ctx context.Context, holderID string, ttl time.Duration) (int64, error)

	// Renew extends the lease iff holderID still owns it under this exact
	// fencing token and it has not expired.
	Renew(ctx context.Context, holderID string, token int64, ttl time.Duration) (bool, error)

	// Release cleanly gives the lease up. No-op if the holder/token no
	// longer match.
	Release(ctx context.Context, holderID string, token int64) error

	// Reclaim transfers an expired, unreleased lease to holderID with a
	// strictly larger fencing token. Called only by the ceremony attendant.
	Reclaim(ctx context.Context, holderID string, ttl time.Duration) (int64, error)

	// Current returns the standing lease record, or nil when none exists.
	Current(ctx context.Context) (*LeaseRecord, error)
}

// MemoryLeaseStore is an in-process LeaseStore for tests and development.
// Multiple WriterLease handles sharing one MemoryLeaseStore model competing
// writer processes.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	record *LeaseRecord
	now    func() time.Time
}

// NewMemoryLeaseStore creates an empty MemoryLeaseStore.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{now: time.Now}
}

// SetClock overrides the time source for expiry tests.
func (s *MemoryLeaseStore) SetClock(now func() time.Time) { s.now = now }

// TryAcquire implements LeaseStore.
func (s *MemoryLeaseStore) TryAcquire(_ context.Context, holderID string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record != nil && !s.record.Released {
		if s.record.ExpiresAt.After(s.now()) {
			return 0, ErrLeaseHeld
		}
		return 0, ErrLeaseExpiredHeld
	}

	token := int64(1)
	if s.record != nil {
		token = s.record.FencingToken + 1
	}
	s.record = &LeaseRecord{
		HolderID:     holderID,
		FencingToken: token,
		ExpiresAt:    s.now().Add(ttl),
	}
	return token, nil
}

// Renew implements LeaseStore.
func (s *MemoryLeaseStore) Renew(_ context.Context, holderID string, token int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record
	if r == nil || r.Released || r.HolderID != holderID || r.FencingToken != token {
		return false, nil
	}
	if !r.ExpiresAt.After(s.now()) {
		return false, nil
	}
	r.ExpiresAt = s.now().Add(ttl)
	return true, nil
}

// Release implements LeaseStore.
func (s *MemoryLeaseStore) Release(_ context.Context, holderID string, token int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil && s.record.HolderID == holderID && s.record.FencingToken == token {
		s.record.Released = true
	}
	return nil
}

// Reclaim implements LeaseStore.
func (s *MemoryLeaseStore) Reclaim(_ context.Context, holderID string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.record == nil {
		return 0, fmt.Errorf("writer: no lease to reclaim")
	}
	if !s.record.Released && s.record.ExpiresAt.After(s.now()) {
		return 0, ErrLeaseHeld
	}
	token := s.record.FencingToken + 1
	s.record = &LeaseRecord{
		HolderID:     holderID,
		FencingToken: token,
		ExpiresAt:    s.now().Add(ttl),
	}
	return token, nil
}

// Current implements LeaseStore.
func (s *MemoryLeaseStore) Current(_ context.Context) (*LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, nil
	}
	copied := *s.record
	return &copied, nil
}

// WriterLease is one process's handle on the shared lease. It tracks whether
// this instance currently holds the lock and with which fencing token.
type WriterLease struct {
	store    LeaseStore
	holderID string
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	onMetrics func(success bool)

	mu        sync.RWMutex
	held      bool
	token     int64
	expiresAt time.Time
}

// NewWriterLease creates a handle for holderID with the given lease TTL.
func NewWriterLease(store LeaseStore, holderID string, ttl time.Duration, logger *zap.Logger) *WriterLease {
	return &WriterLease{store: store, holderID: holderID, ttl: ttl, logger: logger, now: time.Now}
}

// HolderID returns this instance's holder identifier.
func (l *WriterLease) HolderID() string { return l.holderID }

// SetClock overrides the time source for expiry tests.
func (l *WriterLease) SetClock(now func() time.Time) { l.now = now }

// SetMetricsRecord configures the renewal-outcome metrics callback. Must be
// set before RunRenewal starts.
func (l *WriterLease) SetMetricsRecord(fn func(success bool)) { l.onMetrics = fn }

// Acquire attempts to take the lease. Returns true on success. A live or
// expired-unreleased foreign lease yields false without error detail loss:
// the reason is logged and the typed sentinel is returned alongside.
func (l *WriterLease) Acquire(ctx context.Context) (bool, error) {
	token, err := l.store.TryAcquire(ctx, l.holderID, l.ttl)
	if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrLeaseExpiredHeld) {
		l.logger.Warn("writer lease not acquired", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire writer lease: %w", err)
	}

	l.mu.Lock()
	l.held = true
	l.token = token
	l.expiresAt = l.now().Add(l.ttl)
	l.mu.Unlock()

	l.logger.Info("writer lease acquired",
		zap.String("holder_id", l.holderID),
		zap.Int64("fencing_token", token),
	)
	return true, nil
}

// Renew extends the lease. Returns false when the lease was lost; the caller
// must stop writing immediately.
func (l *WriterLease) Renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	held, token := l.held, l.token
	l.mu.RUnlock()
	if !held {
		return false, nil
	}

	ok, err := l.store.Renew(ctx, l.holderID, token, l.ttl)
	if l.onMetrics != nil {
		l.onMetrics(ok && err == nil)
	}
	if err != nil {
		return false, fmt.Errorf("renew writer lease: %w", err)
	}
	l.mu.Lock()
	if ok {
		l.expiresAt = l.now().Add(l.ttl)
	} else {
		l.held = false
	}
	l.mu.Unlock()
	return ok, nil
}

// Release cleanly gives up the lease on shutdown.
func (l *WriterLease) Release(ctx context.Context) error {
	l.mu.Lock()
	held, token := l.held, l.token
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}
	if err := l.store.Release(ctx, l.holderID, token); err != nil {
		return fmt.Errorf("release writer lease: %w", err)
	}
	l.logger.Info("writer lease released", zap.Int64("fencing_token", token))
	return nil
}

// IsHeld reports whether this instance holds a live lease. Holding is bounded
// by the last granted TTL: a process that stalls past its expiry loses write
// eligibility locally even before the store notices, so it can never outwrite
// a successor that reclaimed the lease.
func (l *WriterLease) IsHeld() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held && l.now().Before(l.expiresAt)
}

// FencingToken returns the token under which the lease is held, 0 when not
// held.
func (l *WriterLease) FencingToken() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.held {
		return 0
	}
	return l.token
}

// AdoptReclaimed installs a lease granted out-of-band by the ceremony
// attendant's Reclaim.
func (l *WriterLease) AdoptReclaimed(token int64) {
	l.mu.Lock()
	l.held = true
	l.token = token
	l.expiresAt = l.now().Add(l.ttl)
	l.mu.Unlock()
	l.logger.Warn("writer lease adopted after ceremony reclaim", zap.Int64("fencing_token", token))
}

// RunRenewal renews the lease on a fixed interval until ctx is cancelled.
// Losing the lease halts the system: a writer that cannot prove exclusivity
// must stop rather than degrade.
func (l *WriterLease) RunRenewal(ctx context.Context, interval time.Duration, halt *HaltState) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, interval)
			ok, err := l.Renew(renewCtx)
			cancel()
			if err != nil {
				l.logger.Error("writer lease renewal failed", zap.Error(err))
				halt.Halt(fmt.Sprintf("writer lease renewal failed: %v", err))
				return
			}
			if !ok {
				l.logger.Error("writer lease lost")
				halt.Halt("writer lease lost during renewal")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
