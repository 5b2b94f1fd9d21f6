package writer_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/civitas-gov/civitas/internal/ledger"
	"github.com/civitas-gov/civitas/internal/signing"
	"github.com/civitas-gov/civitas/internal/witness"
	"github.com/civitas-gov/civitas/internal/writer"
)

var ctx = context.Background()

type env struct {
	store      *ledger.MemoryStore
	pool       *witness.Pool
	leases     *writer.MemoryLeaseStore
	lease      *writer.WriterLease
	halt       *writer.HaltState
	svc        *writer.Service
	agentPub   ed25519.PublicKey
	witnessPub ed25519.PublicKey
}

// newEnv builds a fully verified, lease-holding write path with one agent
// ("agent-1") and one witness ("W1") over an in-memory store.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()

	store := ledger.NewMemoryStore()

	agentSigner, agentPub, err := signing.GenerateSigner("agent-key-1")
	if err != nil {
		t.Fatal(err)
	}
	agents := signing.NewAuthority(signing.ModeDevelopment, logger)
	agents.Register("agent-1", agentSigner)

	witSigner, witPub, err := signing.GenerateSigner("witness-key-1")
	if err != nil {
		t.Fatal(err)
	}
	pool := witness.NewPool(witness.Member{ID: "W1", Signer: witSigner})
	witnesses := witness.NewAuthority(pool, logger)

	leases := writer.NewMemoryLeaseStore()
	lease := writer.NewWriterLease(leases, "proc-1", time.Minute, logger)
	ok, err := lease.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("lease acquire: ok=%v err=%v", ok, err)
	}

	halt := writer.NewHaltState(logger)
	aw := writer.NewAtomicWriter(store, agents, witnesses, logger)
	svc := writer.NewService(aw, store, halt, lease, logger)
	if err := svc.VerifyStartup(ctx); err != nil {
		t.Fatalf("startup verification: %v", err)
	}

	return &env{
		store:      store,
		pool:       pool,
		leases:     leases,
		lease:      lease,
		halt:       halt,
		svc:        svc,
		agentPub:   agentPub,
		witnessPub: witPub,
	}
}

func request(eventType string) writer.Request {
	return writer.Request{
		EventType:      eventType,
		Payload:        json.RawMessage(`{"motion":"adopt article VII"}`),
		AgentID:        "agent-1",
		LocalTimestamp: time.Now(),
	}
}

func TestSubmit_buildsWitnessedChain(t *testing.T) {
	e := newEnv(t)

	e1, err := e.svc.Submit(ctx, request("petition.created"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := e.svc.Submit(ctx, request("vote.cast"))
	if err != nil {
		t.Fatal(err)
	}
	e3, err := e.svc.Submit(ctx, request("vote.cast"))
	if err != nil {
		t.Fatal(err)
	}

	if e1.Sequence != 1 || e2.Sequence != 2 || e3.Sequence != 3 {
		t.Fatalf("sequences: %d,%d,%d", e1.Sequence, e2.Sequence, e3.Sequence)
	}
	if e1.PrevHash != ledger.GenesisHash {
		t.Error("first event must link to the genesis hash")
	}
	if e2.PrevHash != e1.ContentHash || e3.PrevHash != e2.ContentHash {
		t.Error("prev_hash links broken")
	}

	for _, ev := range []*ledger.Event{e1, e2, e3} {
		if ev.WitnessID != "W1" {
			t.Errorf("event %d witnessed by %q, want W1", ev.Sequence, ev.WitnessID)
		}
		if ev.WitnessID == ev.AgentID {
			t.Errorf("event %d: witness equals agent", ev.Sequence)
		}
		if !signing.VerifyAgentSignature(e.agentPub, signing.ModeDevelopment, ev.ContentHash, ev.AgentSignature) {
			t.Errorf("event %d: agent signature invalid", ev.Sequence)
		}
		if !witness.VerifyAttestation(e.witnessPub, ev.ContentHash, ev.WitnessSignature) {
			t.Errorf("event %d: witness attestation invalid", ev.Sequence)
		}
	}

	if err := ledger.VerifyChain(ctx, e.store); err != nil {
		t.Errorf("chain verification: %v", err)
	}
	if e.svc.Head() != e3.ContentHash {
		t.Error("cached head not advanced to latest content hash")
	}
}

func TestSubmit_noWitnessIsRejectionNotWrite(t *testing.T) {
	e := newEnv(t)
	e.pool.Remove("W1")

	_, err := e.svc.Submit(ctx, request("petition.created"))
	if !errors.Is(err, witness.ErrNoWitnessAvailable) {
		t.Fatalf("got %v, want ErrNoWitnessAvailable", err)
	}

	max, err := e.store.MaxSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Errorf("rejection consumed a sequence: max=%d", max)
	}

	// Once a witness is back, writing resumes at sequence 1.
	witSigner, _, err := signing.GenerateSigner("witness-key-2")
	if err != nil {
		t.Fatal(err)
	}
	e.pool.Add(witness.Member{ID: "W2", Signer: witSigner})

	ev, err := e.svc.Submit(ctx, request("petition.created"))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sequence != 1 {
		t.Errorf("first accepted write got sequence %d, want 1", ev.Sequence)
	}
}

func TestSubmit_witnessFailureAbortsAtomically(t *testing.T) {
	e := newEnv(t)
	e.pool.Remove("W1")
	e.pool.Add(witness.Member{ID: "W-broken", Signer: brokenSigner{}})

	_, err := e.svc.Submit(ctx, request("vote.cast"))
	var sigErr *signing.Error
	if !errors.As(err, &sigErr) || sigErr.Role != "witness" {
		t.Fatalf("got %v, want witness signing error", err)
	}

	max, _ := e.store.MaxSequence(ctx)
	if max != 0 {
		t.Errorf("failed witness signing left %d events behind", max)
	}
	if _, err := e.store.Latest(ctx); !errors.Is(err, ledger.ErrEmptyLedger) {
		t.Error("no partial event may survive an aborted append")
	}
}

func TestSubmit_haltGateWinsOverEverything(t *testing.T) {
	e := newEnv(t)
	e.halt.Halt("sequence gap detected")

	// Also drop the lease: the halt must still be the reported failure.
	if err := e.lease.Release(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.Submit(ctx, request("vote.cast"))
	var halted *writer.HaltedError
	if !errors.As(err, &halted) {
		t.Fatalf("got %v, want HaltedError", err)
	}
	if halted.Reason != "sequence gap detected" {
		t.Errorf("halt reason: %q", halted.Reason)
	}
}

func TestSubmit_requiresLease(t *testing.T) {
	e := newEnv(t)
	if err := e.lease.Release(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.Submit(ctx, request("vote.cast"))
	if !errors.Is(err, writer.ErrWriterLockNotHeld) {
		t.Errorf("got %v, want ErrWriterLockNotHeld", err)
	}
}

func TestSubmit_requiresStartupVerification(t *testing.T) {
	e := newEnv(t)

	// A second service on the same store that never verified.
	logger := zap.NewNop()
	agents := signing.NewAuthority(signing.ModeDevelopment, logger)
	witnesses := witness.NewAuthority(e.pool, logger)
	aw := writer.NewAtomicWriter(e.store, agents, witnesses, logger)
	unverified := writer.NewService(aw, e.store, writer.NewHaltState(logger), e.lease, logger)

	_, err := unverified.Submit(ctx, request("vote.cast"))
	if !errors.Is(err, writer.ErrWriterNotVerified) {
		t.Errorf("got %v, want ErrWriterNotVerified", err)
	}
}

func TestVerifyStartup_headMismatchHalts(t *testing.T) {
	e := newEnv(t)
	if _, err := e.svc.Submit(ctx, request("petition.created")); err != nil {
		t.Fatal(err)
	}

	// Simulate a restart whose persisted head disagrees with the store.
	logger := zap.NewNop()
	halt := writer.NewHaltState(logger)
	restarted := writer.NewService(nil, e.store, halt, e.lease, logger)
	restarted.SetExpectedHead("0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f")

	err := restarted.VerifyStartup(ctx)
	var inconsistency *writer.InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("got %v, want InconsistencyError", err)
	}
	if inconsistency.CachedHead == inconsistency.StoreHead {
		t.Error("error must carry both diverging hashes")
	}

	if halted, _ := halt.Halted(); !halted {
		t.Fatal("head mismatch must halt the system")
	}

	_, err = restarted.Submit(ctx, request("vote.cast"))
	var haltedErr *writer.HaltedError
	if !errors.As(err, &haltedErr) {
		t.Errorf("writes after failed verification: got %v, want HaltedError", err)
	}

	max, _ := e.store.MaxSequence(ctx)
	if max != 1 {
		t.Errorf("halted instance wrote to the ledger: max=%d", max)
	}
}

func TestVerifyStartup_persistedHeadRoundTrip(t *testing.T) {
	e := newEnv(t)

	var persisted string
	e.svc.SetHeadPersist(func(hash string) { persisted = hash })

	ev, err := e.svc.Submit(ctx, request("petition.created"))
	if err != nil {
		t.Fatal(err)
	}
	if persisted != ev.ContentHash {
		t.Fatalf("persist hook got %q, want %q", persisted, ev.ContentHash)
	}

	logger := zap.NewNop()
	restarted := writer.NewService(nil, e.store, writer.NewHaltState(logger), e.lease, logger)
	restarted.SetExpectedHead(persisted)
	if err := restarted.VerifyStartup(ctx); err != nil {
		t.Errorf("matching head must verify: %v", err)
	}
	if !restarted.Verified() {
		t.Error("service should be verified after a clean startup check")
	}
}

// outOfOrderStore returns appended events in a scripted sequence order,
// simulating concurrent Submits whose transactions commit in one order but
// whose callers observe the results in another.
type outOfOrderStore struct {
	*ledger.MemoryStore
	script []int64
	calls  int
}

func (s *outOfOrderStore) Append(ctx context.Context, build ledger.BuildFunc) (*ledger.Event, error) {
	seq := s.script[s.calls]
	s.calls++
	return build(seq, ledger.GenesisHash)
}

func TestSubmit_staleAppendNeverRegressesHead(t *testing.T) {
	e := newEnv(t)
	logger := zap.NewNop()

	store := &outOfOrderStore{MemoryStore: ledger.NewMemoryStore(), script: []int64{2, 1}}
	agents := signing.NewAuthority(signing.ModeDevelopment, logger)
	signer, _, err := signing.GenerateSigner("agent-key-1")
	if err != nil {
		t.Fatal(err)
	}
	agents.Register("agent-1", signer)
	witnesses := witness.NewAuthority(e.pool, logger)

	aw := writer.NewAtomicWriter(store, agents, witnesses, logger)
	svc := writer.NewService(aw, store, writer.NewHaltState(logger), e.lease, logger)
	if err := svc.VerifyStartup(ctx); err != nil {
		t.Fatal(err)
	}

	var heads []string
	svc.SetHeadPersist(func(hash string) { heads = append(heads, hash) })

	newer, err := svc.Submit(ctx, request("vote.cast"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, request("vote.cast")); err != nil {
		t.Fatal(err)
	}

	if got := svc.Head(); got != newer.ContentHash {
		t.Fatalf("head regressed to a stale append: got %q, want %q", got, newer.ContentHash)
	}
	if len(heads) != 1 || heads[0] != newer.ContentHash {
		t.Fatalf("persist hook must only see advancing heads, got %v", heads)
	}
}

func TestLease_singleWriter(t *testing.T) {
	logger := zap.NewNop()
	shared := writer.NewMemoryLeaseStore()

	first := writer.NewWriterLease(shared, "proc-1", time.Minute, logger)
	second := writer.NewWriterLease(shared, "proc-2", time.Minute, logger)

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("two writers held the lease at once")
	}
	if second.IsHeld() || second.FencingToken() != 0 {
		t.Error("loser must not believe it holds the lease")
	}

	// A clean release hands the lease over with a larger fencing token.
	if err := first.Release(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	if second.FencingToken() <= 1 {
		t.Errorf("fencing token must strictly increase, got %d", second.FencingToken())
	}
}

func TestLease_expiredRequiresCeremony(t *testing.T) {
	logger := zap.NewNop()
	shared := writer.NewMemoryLeaseStore()

	now := time.Now()
	clock := &now
	shared.SetClock(func() time.Time { return *clock })

	crashed := writer.NewWriterLease(shared, "proc-1", time.Minute, logger)
	if ok, err := crashed.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// The holder crashes without releasing; the lease expires.
	later := now.Add(2 * time.Minute)
	clock = &later

	if _, err := shared.TryAcquire(ctx, "proc-2", time.Minute); !errors.Is(err, writer.ErrLeaseExpiredHeld) {
		t.Fatalf("got %v, want ErrLeaseExpiredHeld", err)
	}

	newcomer := writer.NewWriterLease(shared, "proc-2", time.Minute, logger)
	ok, err := newcomer.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expired lease must never be taken over automatically")
	}

	// Only the ceremony path reclaims, with a strictly larger token.
	token, err := shared.Reclaim(ctx, "proc-2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if token <= 1 {
		t.Errorf("reclaimed fencing token must increase, got %d", token)
	}
	newcomer.AdoptReclaimed(token)
	if !newcomer.IsHeld() {
		t.Error("adopted lease should be held")
	}
}

func TestLease_renewalLossIsTerminal(t *testing.T) {
	logger := zap.NewNop()
	shared := writer.NewMemoryLeaseStore()

	now := time.Now()
	clock := &now
	shared.SetClock(func() time.Time { return *clock })

	lease := writer.NewWriterLease(shared, "proc-1", time.Minute, logger)
	if ok, err := lease.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	later := now.Add(2 * time.Minute)
	clock = &later

	ok, err := lease.Renew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("renewing an expired lease must fail")
	}
	if lease.IsHeld() {
		t.Error("handle must drop its held flag after a failed renewal")
	}
}

func TestLease_stalledHolderLosesWriteEligibility(t *testing.T) {
	logger := zap.NewNop()
	shared := writer.NewMemoryLeaseStore()

	now := time.Now()
	clock := &now
	tick := func() time.Time { return *clock }
	shared.SetClock(tick)

	lease := writer.NewWriterLease(shared, "proc-1", time.Minute, logger)
	lease.SetClock(tick)
	if ok, err := lease.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if !lease.IsHeld() {
		t.Fatal("fresh lease should be held")
	}

	svc := writer.NewService(nil, ledger.NewMemoryStore(), writer.NewHaltState(logger), lease, logger)
	if err := svc.VerifyStartup(ctx); err != nil {
		t.Fatal(err)
	}

	// The process stalls past its own TTL without renewing. No renewal
	// failure ever told the handle the lease lapsed; it must stop trusting
	// itself on time alone.
	later := now.Add(2 * time.Minute)
	clock = &later

	if lease.IsHeld() {
		t.Error("a lease past its TTL must not report held")
	}
	if _, err := svc.Submit(ctx, request("vote.cast")); !errors.Is(err, writer.ErrWriterLockNotHeld) {
		t.Errorf("stalled holder must be refused writes, got %v", err)
	}
}

func TestSubmit_metricsLabels(t *testing.T) {
	e := newEnv(t)
	var results []string
	e.svc.SetMetricsRecord(func(result string) { results = append(results, result) })

	if _, err := e.svc.Submit(ctx, request("petition.created")); err != nil {
		t.Fatal(err)
	}
	e.pool.Remove("W1")
	_, _ = e.svc.Submit(ctx, request("vote.cast"))
	e.halt.Halt("test")
	_, _ = e.svc.Submit(ctx, request("vote.cast"))

	want := []string{"ok", "rejected", "halted"}
	if len(results) != len(want) {
		t.Fatalf("recorded %v, want %v", results, want)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("result %d: got %q, want %q", i, results[i], want[i])
		}
	}
}

type brokenSigner struct{}

func (brokenSigner) KeyID() string               { return "broken-key" }
func (brokenSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm unavailable") }
