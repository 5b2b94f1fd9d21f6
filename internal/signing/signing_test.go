package signing_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/civitas-gov/civitas/internal/signing"
)

const testHash = "4ac7d82478ab173f8f7e5d5bba7429aad2ab4153b3e0acb1ee1ab1fbbd9c8d01"

func TestSignAsAgent_roundTrip(t *testing.T) {
	signer, pub, err := signing.GenerateSigner("agent-key-1")
	if err != nil {
		t.Fatal(err)
	}
	auth := signing.NewAuthority(signing.ModeProduction, zap.NewNop())
	auth.Register("agent-1", signer)

	sig, keyID, err := auth.SignAsAgent(testHash, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if keyID != "agent-key-1" {
		t.Errorf("key ID: got %q, want agent-key-1", keyID)
	}
	if !signing.VerifyAgentSignature(pub, signing.ModeProduction, testHash, sig) {
		t.Error("signature did not verify against the production watermark")
	}
}

func TestSignAsAgent_modeWatermarkDistinguishes(t *testing.T) {
	signer, pub, err := signing.GenerateSigner("agent-key-1")
	if err != nil {
		t.Fatal(err)
	}
	auth := signing.NewAuthority(signing.ModeDevelopment, zap.NewNop())
	auth.Register("agent-1", signer)

	sig, _, err := auth.SignAsAgent(testHash, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if !signing.VerifyAgentSignature(pub, signing.ModeDevelopment, testHash, sig) {
		t.Fatal("development signature must verify as development")
	}
	if signing.VerifyAgentSignature(pub, signing.ModeProduction, testHash, sig) {
		t.Error("development signature must not verify as production")
	}
}

func TestSignAsAgent_unregisteredAgent(t *testing.T) {
	auth := signing.NewAuthority(signing.ModeProduction, zap.NewNop())
	_, _, err := auth.SignAsAgent(testHash, "nobody")
	if err == nil {
		t.Fatal("expected error for unregistered agent")
	}
	var sigErr *signing.Error
	if !errors.As(err, &sigErr) || sigErr.Role != "agent" {
		t.Errorf("expected *signing.Error with role agent, got %v", err)
	}
}

func TestSignAsAgent_signerFailure(t *testing.T) {
	auth := signing.NewAuthority(signing.ModeProduction, zap.NewNop())
	auth.Register("agent-1", brokenSigner{})

	_, _, err := auth.SignAsAgent(testHash, "agent-1")
	var sigErr *signing.Error
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *signing.Error, got %v", err)
	}
	if sigErr.KeyID != "broken-key" || sigErr.Role != "agent" {
		t.Errorf("error should carry role and key ID: %+v", sigErr)
	}
}

func TestAgentMessage_wireFormat(t *testing.T) {
	msg := string(signing.AgentMessage(signing.ModeProduction, testHash))
	want := "CIVITAS_EVENT:production:" + testHash
	if msg != want {
		t.Errorf("agent message: got %q, want %q", msg, want)
	}
	if !strings.HasPrefix(string(signing.AgentMessage(signing.ModeDevelopment, testHash)), "CIVITAS_EVENT:development:") {
		t.Error("development messages must carry the development watermark")
	}
}

func TestKeyFiles_roundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "agent.key")
	pubPath := filepath.Join(dir, "agent.pub")

	if err := signing.GenerateKeyFiles(privPath, pubPath); err != nil {
		t.Fatal(err)
	}

	signer, err := signing.LoadSigner("agent-key-1", privPath)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := signer.Sign(signing.AgentMessage(signing.ModeProduction, testHash))
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) == 0 {
		t.Fatal("empty signature")
	}
	if !publicKeyMatches(signer, pub) {
		t.Error("loaded public key does not correspond to the private key")
	}
}

func publicKeyMatches(signer *signing.Ed25519Signer, pub []byte) bool {
	return string(signer.Public()) == string(pub)
}

type brokenSigner struct{}

func (brokenSigner) KeyID() string               { return "broken-key" }
func (brokenSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm unavailable") }
