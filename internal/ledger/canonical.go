package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// CanonicalFields are the hashable fields of an event — everything except the
// two signatures and the identifiers they produce (signing_key_id, witness_id),
// which are assigned only after the content hash exists.
//
// The serialization below is the immutable wire contract: a third party given
// these public fields must be able to reproduce content_hash exactly.
//
//	canonical_bytes = JCS(JSON{agent_id, event_id, event_type,
//	                           local_timestamp, payload, prev_hash, sequence})
//	content_hash    = hex(SHA-256(canonical_bytes))
//
// Timestamps are RFC 3339 UTC truncated to microseconds: timestamptz columns
// round-trip at microsecond precision, so hashing anything finer would make
// persisted events unverifiable. A nil payload canonicalizes as JSON null.
type CanonicalFields struct {
	AgentID        string
	EventID        string
	EventType      string
	LocalTimestamp time.Time
	Payload        json.RawMessage
	PrevHash       string
	Sequence       int64
}

type canonicalDoc struct {
	AgentID        string          `json:"agent_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	LocalTimestamp string          `json:"local_timestamp"`
	Payload        json.RawMessage `json:"payload"`
	PrevHash       string          `json:"prev_hash"`
	Sequence       int64           `json:"sequence"`
}

// Canonicalize produces the RFC 8785 canonical byte serialization of the
// hashable event fields. It rejects malformed payloads synchronously, before
// any signing is attempted.
func Canonicalize(f CanonicalFields) ([]byte, error) {
	payload := f.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(payload) {
		return nil, fmt.Errorf("canonicalize: payload is not valid JSON")
	}

	doc := canonicalDoc{
		AgentID:        f.AgentID,
		EventID:        f.EventID,
		EventType:      f.EventType,
		LocalTimestamp: f.LocalTimestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		Payload:        payload,
		PrevHash:       f.PrevHash,
		Sequence:       f.Sequence,
	}

	intermediate, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the lowercase hex SHA-256 digest of data. Pure: the same
// input always yields the same digest.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash canonicalizes f and digests the result in one step.
func ContentHash(f CanonicalFields) (string, error) {
	b, err := Canonicalize(f)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
