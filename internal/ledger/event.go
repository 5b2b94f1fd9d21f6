package ledger

import (
	"encoding/json"
	"time"
)

// GenesisHash is the well-known anchor of the chain. The first event
// (sequence 1) records it as prev_hash; it is never the hash of any
// real event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is a single record in the witnessed ledger. Once persisted it is
// immutable: no component may update or delete it.
type Event struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	AgentID   string          `json:"agent_id"`

	// AgentSignature is the originating agent's Ed25519 signature over the
	// mode-watermarked content hash, base64-encoded.
	AgentSignature string `json:"agent_signature"`
	SigningKeyID   string `json:"signing_key_id"`

	// ContentHash is the SHA-256 hex digest of the event's canonical bytes.
	ContentHash string `json:"content_hash"`

	// PrevHash is the ContentHash of the event at Sequence-1, or GenesisHash
	// for the first event.
	PrevHash string `json:"prev_hash"`

	// WitnessID and WitnessSignature record the independent attestation.
	// WitnessID is never equal to AgentID.
	WitnessID        string `json:"witness_id"`
	WitnessSignature string `json:"witness_signature"`

	// LocalTimestamp is caller-supplied and informational only; ordering is
	// established by Sequence alone.
	LocalTimestamp time.Time `json:"local_timestamp"`
}

// CanonicalBytes returns the event's canonical serialization, the exact byte
// string its ContentHash is computed over. See canonical.go for the wire
// contract.
func (e *Event) CanonicalBytes() ([]byte, error) {
	return Canonicalize(CanonicalFields{
		AgentID:        e.AgentID,
		EventID:        e.EventID,
		EventType:      e.EventType,
		LocalTimestamp: e.LocalTimestamp,
		Payload:        e.Payload,
		PrevHash:       e.PrevHash,
		Sequence:       e.Sequence,
	})
}

// RecomputeContentHash canonicalizes the event's hashable fields and digests
// them. Used by chain verification to confirm the stored ContentHash.
func (e *Event) RecomputeContentHash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
