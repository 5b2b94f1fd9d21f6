// Package ceremony implements the receiving end of the recovery ceremony.
//
// A halted system or a crashed writer's lease can only be recovered through
// witnessed human action, never automatically. The attendant verifies two
// independent factors before acting: an EdDSA-signed ceremony token naming
// the exact action, and the ceremony passphrase. Every completed ceremony is
// itself appended to the ledger through the normal witnessed write path.
package ceremony

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/civitas-gov/civitas/internal/writer"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Ceremony actions a token may authorize.
const (
	ActionClearHalt    = "clear_halt"
	ActionReclaimLease = "reclaim_lease"
)

// Ledger event types recording completed ceremonies.
const (
	EventHaltCleared    = "ceremony.halt_cleared"
	EventLeaseReclaimed = "ceremony.lease_reclaimed"
)

// ErrBadPassphrase rejects a ceremony whose passphrase does not match.
var ErrBadPassphrase = errors.New("ceremony: passphrase mismatch")

// ErrWrongAction rejects a token that authorizes a different action than the
// one being attempted.
var ErrWrongAction = errors.New("ceremony: token authorizes a different action")

// TokenClaims are the JWT claims of a ceremony token. Tokens are short-lived,
// name their operator, and authorize exactly one action.
type TokenClaims struct {
	jwt.RegisteredClaims
	Action     string `json:"action"`
	OperatorID string `json:"operator_id"`
}

// MintToken signs a ceremony token with the ceremony private key. Used by the
// civctl tooling; the daemon only ever verifies.
func MintToken(key ed25519.PrivateKey, action, operatorID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := time.Now().UTC()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "civitas-ceremony",
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Action:     action,
		OperatorID: operatorID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign ceremony token: %w", err)
	}
	return signed, nil
}

// Attendant verifies ceremony credentials and executes recovery actions.
type Attendant struct {
	pub      ed25519.PublicKey
	passHash []byte // bcrypt hash of the ceremony passphrase
	halt     *writer.HaltState
	leases   writer.LeaseStore
	svc      *writer.Service
	logger   *zap.Logger
}

// NewAttendant creates an Attendant. svc may be nil when the process cannot
// write (the ceremony event is then skipped with a warning).
func NewAttendant(pub ed25519.PublicKey, passHash []byte, halt *writer.HaltState, leases writer.LeaseStore, svc *writer.Service, logger *zap.Logger) *Attendant {
	return &Attendant{pub: pub, passHash: passHash, halt: halt, leases: leases, svc: svc, logger: logger}
}

// verify checks both ceremony factors and returns the token claims.
func (a *Attendant) verify(tokenString, passphrase, action string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ceremony: token invalid: %w", err)
	}
	if claims.Action != action {
		return nil, ErrWrongAction
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(passphrase)); err != nil {
		return nil, ErrBadPassphrase
	}
	return claims, nil
}

// ClearHalt verifies the ceremony credentials, clears the halt, and records a
// witnessed ceremony.halt_cleared event now that writes are permitted again.
func (a *Attendant) ClearHalt(ctx context.Context, tokenString, passphrase string) error {
	claims, err := a.verify(tokenString, passphrase, ActionClearHalt)
	if err != nil {
		return err
	}

	halted, reason := a.halt.Halted()
	if !halted {
		return fmt.Errorf("ceremony: system is not halted")
	}

	writer.CeremonyClear{State: a.halt}.Clear()
	a.logger.Warn("halt cleared by ceremony",
		zap.String("operator_id", claims.OperatorID),
		zap.String("previous_reason", reason),
	)

	a.recordCeremony(ctx, EventHaltCleared, claims.OperatorID, map[string]string{
		"cleared_reason": reason,
	})
	return nil
}

// ReclaimLease verifies the ceremony credentials and transfers an expired,
// unreleased lease to holderID with a strictly larger fencing token. Returns
// the new token.
func (a *Attendant) ReclaimLease(ctx context.Context, tokenString, passphrase, holderID string) (int64, error) {
	claims, err := a.verify(tokenString, passphrase, ActionReclaimLease)
	if err != nil {
		return 0, err
	}

	record, err := a.leases.Current(ctx)
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 0, fmt.Errorf("ceremony: no lease exists to reclaim")
	}

	// ttl carried over from the stale record's implied lifetime is wrong;
	// the new holder re-renews immediately, so a short initial grant is fine.
	token, err := a.leases.Reclaim(ctx, holderID, 30*time.Second)
	if err != nil {
		return 0, err
	}

	a.logger.Warn("writer lease reclaimed by ceremony",
		zap.String("operator_id", claims.OperatorID),
		zap.String("previous_holder", record.HolderID),
		zap.String("new_holder", holderID),
		zap.Int64("fencing_token", token),
	)

	a.recordCeremony(ctx, EventLeaseReclaimed, claims.OperatorID, map[string]string{
		"previous_holder": record.HolderID,
		"new_holder":      holderID,
	})
	return token, nil
}

// recordCeremony appends the ceremony record through the witnessed write
// path. Failure to record is logged but does not undo the ceremony: the
// recovery action itself already happened under human witness.
func (a *Attendant) recordCeremony(ctx context.Context, eventType, operatorID string, detail map[string]string) {
	if a.svc == nil {
		a.logger.Warn("ceremony not recorded to ledger: no writer service on this instance",
			zap.String("event_type", eventType))
		return
	}
	payload, err := json.Marshal(map[string]any{
		"operator_id": operatorID,
		"detail":      detail,
	})
	if err != nil {
		a.logger.Error("marshal ceremony payload", zap.Error(err))
		return
	}
	if _, err := a.svc.Submit(ctx, writer.Request{
		EventType:      eventType,
		Payload:        payload,
		AgentID:        "civitas-ceremony",
		LocalTimestamp: time.Now().UTC(),
	}); err != nil {
		a.logger.Warn("ceremony event not recorded", zap.Error(err))
	}
}
