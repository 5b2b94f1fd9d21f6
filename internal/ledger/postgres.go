package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls from the single legitimate writer. The value is
// arbitrary but must be consistent across all writer instances.
const advisoryLockKey = int64(7_415_121_800)

const eventColumns = `sequence, event_id, event_type, payload, agent_id,
	agent_signature, signing_key_id, content_hash, prev_hash,
	witness_id, witness_signature, local_timestamp`

// PostgresStore persists the event chain to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store. It acquires a transaction-scoped advisory lock,
// reads the chain tail, invokes build, and inserts the result — one
// transaction, all-or-nothing. A build error rolls everything back and the
// sequence is not consumed.
func (s *PostgresStore) Append(ctx context.Context, build BuildFunc) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction commits or
	// rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevSeq int64
	prevHash := GenesisHash
	err = tx.QueryRow(ctx,
		"SELECT sequence, content_hash FROM ledger_events ORDER BY sequence DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	next := prevSeq + 1
	event, err := build(next, prevHash)
	if err != nil {
		return nil, err
	}
	if err := checkAppendable(event, next, prevHash); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.Sequence, event.EventID, event.EventType, event.Payload,
		event.AgentID, event.AgentSignature, event.SigningKeyID,
		event.ContentHash, event.PrevHash, event.WitnessID,
		event.WitnessSignature, event.LocalTimestamp,
	); err != nil {
		return nil, fmt.Errorf("insert ledger event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger event appended",
		zap.Int64("sequence", event.Sequence),
		zap.String("event_type", event.EventType),
		zap.String("witness_id", event.WitnessID),
	)
	return event, nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context) (*Event, error) {
	event, err := s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmptyLedger
	}
	if err != nil {
		return nil, fmt.Errorf("get latest event: %w", err)
	}
	return event, nil
}

// BySequence implements Store.
func (s *PostgresStore) BySequence(ctx context.Context, seq int64) (*Event, error) {
	event, err := s.scanOne(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE sequence = $1`, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", seq, err)
	}
	return event, nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, start, end int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query event range: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		event, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// MaxSequence implements Store.
func (s *PostgresStore) MaxSequence(ctx context.Context) (int64, error) {
	var max int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM ledger_events",
	).Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

// Sequences implements Store.
func (s *PostgresStore) Sequences(ctx context.Context, start, end int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence FROM ledger_events
		 WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row rowScanner) (*Event, error) {
	event := &Event{}
	if err := row.Scan(
		&event.Sequence, &event.EventID, &event.EventType, &event.Payload,
		&event.AgentID, &event.AgentSignature, &event.SigningKeyID,
		&event.ContentHash, &event.PrevHash, &event.WitnessID,
		&event.WitnessSignature, &event.LocalTimestamp,
	); err != nil {
		return nil, err
	}
	return event, nil
}
