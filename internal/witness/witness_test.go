package witness_test

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/civitas-gov/civitas/internal/signing"
	"github.com/civitas-gov/civitas/internal/witness"
)

const testHash = "9b2f1c0a54de3f6e7a8895c1d0b24e3fa61c7d98e0b35a42f61d80c9ae45b7f2"

func newMember(t *testing.T, id string) (witness.Member, []byte) {
	t.Helper()
	signer, pub, err := signing.GenerateSigner(id + "-key")
	if err != nil {
		t.Fatal(err)
	}
	return witness.Member{ID: id, Signer: signer}, pub
}

func TestAttest_roundTrip(t *testing.T) {
	m, pub := newMember(t, "W1")
	auth := witness.NewAuthority(witness.NewPool(m), zap.NewNop())

	att, err := auth.Attest(testHash, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if att.WitnessID != "W1" || att.KeyID != "W1-key" {
		t.Errorf("attestation identity: %+v", att)
	}
	if !witness.VerifyAttestation(pub, testHash, att.Signature) {
		t.Error("attestation did not verify")
	}
}

func TestAttest_neverSelectsAgent(t *testing.T) {
	m1, _ := newMember(t, "W1")
	m2, _ := newMember(t, "agent-1")
	auth := witness.NewAuthority(witness.NewPool(m1, m2), zap.NewNop())

	for i := 0; i < 10; i++ {
		att, err := auth.Attest(testHash, "agent-1")
		if err != nil {
			t.Fatal(err)
		}
		if att.WitnessID == "agent-1" {
			t.Fatal("pool selected the originating agent as its own witness")
		}
	}
}

func TestAttest_emptyPool(t *testing.T) {
	auth := witness.NewAuthority(witness.NewPool(), zap.NewNop())
	_, err := auth.Attest(testHash, "agent-1")
	if !errors.Is(err, witness.ErrNoWitnessAvailable) {
		t.Errorf("got %v, want ErrNoWitnessAvailable", err)
	}
}

func TestAttest_onlyAgentInPool(t *testing.T) {
	m, _ := newMember(t, "agent-1")
	auth := witness.NewAuthority(witness.NewPool(m), zap.NewNop())
	if auth.HasEligible("agent-1") {
		t.Error("a pool holding only the agent has no eligible witness")
	}
	_, err := auth.Attest(testHash, "agent-1")
	if !errors.Is(err, witness.ErrNoWitnessAvailable) {
		t.Errorf("got %v, want ErrNoWitnessAvailable", err)
	}
}

func TestAttest_signerFailure(t *testing.T) {
	pool := witness.NewPool(witness.Member{ID: "W1", Signer: brokenSigner{}})
	auth := witness.NewAuthority(pool, zap.NewNop())

	_, err := auth.Attest(testHash, "agent-1")
	var sigErr *signing.Error
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *signing.Error, got %v", err)
	}
	if sigErr.Role != "witness" {
		t.Errorf("role: got %q, want witness", sigErr.Role)
	}
}

// An agent signature and a witness attestation over the same content hash must
// never validate for each other, even under the same key.
func TestAttestation_distinctFromAgentSignature(t *testing.T) {
	signer, pub, err := signing.GenerateSigner("shared-key")
	if err != nil {
		t.Fatal(err)
	}

	agentAuth := signing.NewAuthority(signing.ModeProduction, zap.NewNop())
	agentAuth.Register("agent-1", signer)
	agentSig, _, err := agentAuth.SignAsAgent(testHash, "agent-1")
	if err != nil {
		t.Fatal(err)
	}

	witAuth := witness.NewAuthority(witness.NewPool(witness.Member{ID: "W1", Signer: signer}), zap.NewNop())
	att, err := witAuth.Attest(testHash, "agent-2")
	if err != nil {
		t.Fatal(err)
	}

	if witness.VerifyAttestation(pub, testHash, agentSig) {
		t.Error("agent signature validated as a witness attestation")
	}
	if signing.VerifyAgentSignature(pub, signing.ModeProduction, testHash, att.Signature) {
		t.Error("witness attestation validated as an agent signature")
	}
}

func TestPool_membership(t *testing.T) {
	m1, _ := newMember(t, "W1")
	m2, _ := newMember(t, "W2")
	pool := witness.NewPool(m1)

	pool.Add(m2)
	if pool.Size() != 2 {
		t.Fatalf("size after add: %d", pool.Size())
	}

	pool.Remove("W1")
	if pool.Size() != 1 {
		t.Fatalf("size after remove: %d", pool.Size())
	}
	got, err := pool.Select("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "W2" {
		t.Errorf("selected %q, want W2", got.ID)
	}
}

type brokenSigner struct{}

func (brokenSigner) KeyID() string               { return "broken-key" }
func (brokenSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm unavailable") }
