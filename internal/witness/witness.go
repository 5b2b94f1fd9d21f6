// Package witness provides independent attestation for ledger events.
//
// Every persisted event carries a second signature from a witness drawn from
// the pool. The witness signs the bytes "WITNESS_ATTESTATION:" + content_hash
// — never the raw payload and never the agent's message format — so a witness
// signature can never be confused with an agent signature over the same hash.
package witness

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"

	"github.com/civitas-gov/civitas/internal/signing"
	"go.uber.org/zap"
)

// AttestationTag prefixes every witness-signed message. Part of the published
// wire contract.
const AttestationTag = "WITNESS_ATTESTATION:"

// ErrNoWitnessAvailable is returned when the pool holds no witness eligible
// to attest (empty, or every member is the originating agent). It is raised
// strictly before any storage interaction: a rejection, not a failed insert.
var ErrNoWitnessAvailable = errors.New("witness: no witness available")

// Attestation is the ephemeral result of a single witnessing operation. It is
// consumed immediately by the writer and embedded into the event; it is never
// persisted on its own.
type Attestation struct {
	WitnessID string
	KeyID     string
	Signature string // base64
}

// Member is one eligible witness in the pool.
type Member struct {
	ID     string
	Signer signing.Signer
}

// Pool holds the currently eligible witnesses. Membership changes are
// synchronized; selection is round-robin over eligible members.
type Pool struct {
	mu      sync.Mutex
	members []Member
	next    int
}

// NewPool creates a pool with the given initial members.
func NewPool(members ...Member) *Pool {
	return &Pool{members: members}
}

// Add registers a witness. Adding an ID that is already present replaces its
// signer.
func (p *Pool) Add(m Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.members {
		if existing.ID == m.ID {
			p.members[i] = m
			return
		}
	}
	p.members = append(p.members, m)
}

// Remove withdraws a witness from the pool.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.members {
		if m.ID == id {
			p.members = append(p.members[:i], p.members[i+1:]...)
			return
		}
	}
}

// Size returns the current number of pool members.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// HasEligible reports whether at least one witness other than agentID is in
// the pool. The writer consults this before touching storage.
func (p *Pool) HasEligible(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.ID != agentID {
			return true
		}
	}
	return false
}

// Select picks the next eligible witness, skipping the originating agent so
// that witness_id != agent_id always holds.
func (p *Pool) Select(agentID string) (Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range p.members {
		m := p.members[p.next%len(p.members)]
		p.next++
		if m.ID != agentID {
			return m, nil
		}
	}
	return Member{}, ErrNoWitnessAvailable
}

// Authority produces witness attestations over event content hashes.
type Authority struct {
	pool   *Pool
	logger *zap.Logger
}

// NewAuthority wraps a pool.
func NewAuthority(pool *Pool, logger *zap.Logger) *Authority {
	return &Authority{pool: pool, logger: logger}
}

// Pool exposes the underlying pool for membership management.
func (a *Authority) Pool() *Pool { return a.pool }

// HasEligible reports whether an attestation for agentID could currently be
// produced.
func (a *Authority) HasEligible(agentID string) bool {
	return a.pool.HasEligible(agentID)
}

// Attest selects a witness (never the agent itself) and signs the tagged
// content hash. Any signing failure aborts the caller's write; no partial
// attestation is ever returned.
func (a *Authority) Attest(contentHash, agentID string) (Attestation, error) {
	m, err := a.pool.Select(agentID)
	if err != nil {
		return Attestation{}, err
	}

	sig, err := m.Signer.Sign(Message(contentHash))
	if err != nil {
		return Attestation{}, &signing.Error{Role: "witness", KeyID: m.Signer.KeyID(), Err: err}
	}

	a.logger.Debug("event witnessed",
		zap.String("witness_id", m.ID),
		zap.String("content_hash", contentHash),
	)
	return Attestation{
		WitnessID: m.ID,
		KeyID:     m.Signer.KeyID(),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Message builds the exact bytes a witness signs. Part of the published wire
// contract:
//
//	"WITNESS_ATTESTATION:" + content_hash
func Message(contentHash string) []byte {
	return []byte(AttestationTag + contentHash)
}

// VerifyAttestation checks a base64 witness signature against the witness's
// public key and the tagged content hash.
func VerifyAttestation(pub ed25519.PublicKey, contentHash, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, Message(contentHash), sig)
}
