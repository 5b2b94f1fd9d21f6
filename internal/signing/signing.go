// Package signing provides the agent-side signing authority for ledger
// events.
//
// Signatures are Ed25519 over a mode-watermarked message: the runtime mode
// ("production" or "development") is embedded inside the signed content
// itself, so a signature alone proves which mode produced it — development
// output can never be silently relabelled as production-trustworthy.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Mode identifies the runtime trust level watermarked into every signature.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// agentMessagePrefix tags agent signatures; see witness.AttestationTag for
// the distinct witness-side prefix.
const agentMessagePrefix = "CIVITAS_EVENT:"

// Error reports a failed signing operation. Role distinguishes agent from
// witness failures; both abort the write that requested them.
type Error struct {
	Role  string // "agent" or "witness"
	KeyID string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("signing: %s signature with key %q failed: %v", e.Role, e.KeyID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Signer produces signatures under a single identified key.
type Signer interface {
	KeyID() string
	Sign(message []byte) ([]byte, error)
}

// Ed25519Signer signs with an in-memory Ed25519 private key.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, key: key}
}

// GenerateSigner creates a fresh Ed25519 keypair and returns the signer and
// its public key.
func GenerateSigner(keyID string) (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{keyID: keyID, key: priv}, pub, nil
}

// KeyID implements Signer.
func (s *Ed25519Signer) KeyID() string { return s.keyID }

// Sign implements Signer.
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// Public returns the signer's public key.
func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Authority signs ledger events on behalf of registered agents. The mode is
// fixed at construction; every signature it produces carries that watermark.
type Authority struct {
	mode   Mode
	logger *zap.Logger

	mu      sync.RWMutex
	signers map[string]Signer // agent ID -> signer
}

// NewAuthority creates an Authority for the given runtime mode.
func NewAuthority(mode Mode, logger *zap.Logger) *Authority {
	return &Authority{
		mode:    mode,
		logger:  logger,
		signers: make(map[string]Signer),
	}
}

// Mode returns the watermark mode this authority signs under.
func (a *Authority) Mode() Mode { return a.mode }

// Register associates an agent ID with its signer. Re-registering replaces
// the previous signer (key rotation).
func (a *Authority) Register(agentID string, s Signer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signers[agentID] = s
}

// SignAsAgent signs the mode-watermarked content hash with the agent's key.
// Returns the base64 signature and the key ID that produced it.
func (a *Authority) SignAsAgent(contentHash, agentID string) (string, string, error) {
	a.mu.RLock()
	s, ok := a.signers[agentID]
	a.mu.RUnlock()
	if !ok {
		return "", "", &Error{Role: "agent", Err: fmt.Errorf("no signer registered for agent %q", agentID)}
	}

	sig, err := s.Sign(AgentMessage(a.mode, contentHash))
	if err != nil {
		return "", "", &Error{Role: "agent", KeyID: s.KeyID(), Err: err}
	}
	return base64.StdEncoding.EncodeToString(sig), s.KeyID(), nil
}

// AgentMessage builds the exact bytes an agent signs. Part of the published
// wire contract:
//
//	"CIVITAS_EVENT:" + mode + ":" + content_hash
func AgentMessage(mode Mode, contentHash string) []byte {
	return []byte(agentMessagePrefix + string(mode) + ":" + contentHash)
}

// VerifyAgentSignature checks a base64 agent signature against the public key
// and the mode-watermarked content hash.
func VerifyAgentSignature(pub ed25519.PublicKey, mode Mode, contentHash, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, AgentMessage(mode, contentHash), sig)
}
