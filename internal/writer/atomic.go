package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/civitas-gov/civitas/internal/ledger"
	"github.com/civitas-gov/civitas/internal/signing"
	"github.com/civitas-gov/civitas/internal/witness"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request carries everything a caller supplies to record one event. The
// timestamp is informational only; ordering comes from the assigned sequence.
type Request struct {
	EventType      string
	Payload        json.RawMessage
	AgentID        string
	LocalTimestamp time.Time
}

// AtomicWriter transactionally produces one fully-signed, witnessed,
// hash-linked event. All steps — sequence assignment, canonicalization,
// hashing, agent signature, witness attestation, durable insert — happen
// inside the store's single transaction boundary. Any failure rolls the whole
// operation back: no event row, no consumed sequence, no signature fragment
// survives.
type AtomicWriter struct {
	store     ledger.Store
	agents    *signing.Authority
	witnesses *witness.Authority
	logger    *zap.Logger
}

// NewAtomicWriter wires the writer to its store and the two signing roles.
func NewAtomicWriter(store ledger.Store, agents *signing.Authority, witnesses *witness.Authority, logger *zap.Logger) *AtomicWriter {
	return &AtomicWriter{store: store, agents: agents, witnesses: witnesses, logger: logger}
}

// Append records one event. Witness availability is checked before any
// storage interaction: an empty pool is a rejection, never a failed insert.
func (w *AtomicWriter) Append(ctx context.Context, req Request) (*ledger.Event, error) {
	if !w.witnesses.HasEligible(req.AgentID) {
		return nil, witness.ErrNoWitnessAvailable
	}

	eventID := uuid.New().String()
	// Microsecond precision is the wire contract; storing anything finer
	// than the canonical representation would break hash recomputation after
	// a timestamptz round trip.
	timestamp := req.LocalTimestamp.UTC().Truncate(time.Microsecond)

	return w.store.Append(ctx, func(sequence int64, prevHash string) (*ledger.Event, error) {
		fields := ledger.CanonicalFields{
			AgentID:        req.AgentID,
			EventID:        eventID,
			EventType:      req.EventType,
			LocalTimestamp: timestamp,
			Payload:        req.Payload,
			PrevHash:       prevHash,
			Sequence:       sequence,
		}
		contentHash, err := ledger.ContentHash(fields)
		if err != nil {
			return nil, err
		}

		agentSig, keyID, err := w.agents.SignAsAgent(contentHash, req.AgentID)
		if err != nil {
			return nil, err
		}

		att, err := w.witnesses.Attest(contentHash, req.AgentID)
		if err != nil {
			return nil, err
		}

		return &ledger.Event{
			Sequence:         sequence,
			EventID:          eventID,
			EventType:        req.EventType,
			Payload:          req.Payload,
			AgentID:          req.AgentID,
			AgentSignature:   agentSig,
			SigningKeyID:     keyID,
			ContentHash:      contentHash,
			PrevHash:         prevHash,
			WitnessID:        att.WitnessID,
			WitnessSignature: att.Signature,
			LocalTimestamp:   timestamp,
		}, nil
	})
}
