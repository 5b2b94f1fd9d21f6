package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// leaseRow is the singleton row ID in the writer_lease table. A single-row
// table plus row locking gives compare-and-swap semantics without any
// external coordination service.
const leaseRow = 1

// PostgresLeaseStore persists the writer lease in PostgreSQL. It implements
// LeaseStore.
type PostgresLeaseStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLeaseStore creates a PostgresLeaseStore backed by the given pool.
func NewPostgresLeaseStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLeaseStore {
	return &PostgresLeaseStore{pool: pool, logger: logger}
}

// TryAcquire implements LeaseStore.
func (s *PostgresLeaseStore) TryAcquire(ctx context.Context, holderID string, ttl time.Duration) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		token     int64
		expiresAt time.Time
		released  bool
	)
	err = tx.QueryRow(ctx,
		`SELECT fencing_token, expires_at, released FROM writer_lease
		 WHERE id = $1 FOR UPDATE`, leaseRow,
	).Scan(&token, &expiresAt, &released)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		token = 1
		if _, err := tx.Exec(ctx,
			`INSERT INTO writer_lease (id, holder_id, fencing_token, expires_at, released)
			 VALUES ($1, $2, $3, $4, false)`,
			leaseRow, holderID, token, now.Add(ttl),
		); err != nil {
			return 0, fmt.Errorf("insert writer lease: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("read writer lease: %w", err)
	case !released && expiresAt.After(now):
		return 0, ErrLeaseHeld
	case !released:
		// Expired but never released: the previous writer crashed. Reclaim
		// is a ceremony action, never automatic.
		return 0, ErrLeaseExpiredHeld
	default:
		token++
		if _, err := tx.Exec(ctx,
			`UPDATE writer_lease
			 SET holder_id = $2, fencing_token = $3, expires_at = $4, released = false
			 WHERE id = $1`,
			leaseRow, holderID, token, now.Add(ttl),
		); err != nil {
			return 0, fmt.Errorf("update writer lease: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit lease tx: %w", err)
	}
	return token, nil
}

// Renew implements LeaseStore. The WHERE clause is the compare-and-swap: the
// row only moves if holder, token, and liveness all still match.
func (s *PostgresLeaseStore) Renew(ctx context.Context, holderID string, token int64, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE writer_lease SET expires_at = $4
		 WHERE id = $1 AND holder_id = $2 AND fencing_token = $3
		   AND released = false AND expires_at > now()`,
		leaseRow, holderID, token, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("renew writer lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release implements LeaseStore.
func (s *PostgresLeaseStore) Release(ctx context.Context, holderID string, token int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE writer_lease SET released = true
		 WHERE id = $1 AND holder_id = $2 AND fencing_token = $3`,
		leaseRow, holderID, token,
	); err != nil {
		return fmt.Errorf("release writer lease: %w", err)
	}
	return nil
}

// Reclaim implements LeaseStore.
func (s *PostgresLeaseStore) Reclaim(ctx context.Context, holderID string, ttl time.Duration) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		token     int64
		expiresAt time.Time
		released  bool
	)
	err = tx.QueryRow(ctx,
		`SELECT fencing_token, expires_at, released FROM writer_lease
		 WHERE id = $1 FOR UPDATE`, leaseRow,
	).Scan(&token, &expiresAt, &released)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("writer: no lease to reclaim")
	}
	if err != nil {
		return 0, fmt.Errorf("read writer lease: %w", err)
	}
	if !released && expiresAt.After(time.Now().UTC()) {
		return 0, ErrLeaseHeld
	}

	token++
	if _, err := tx.Exec(ctx,
		`UPDATE writer_lease
		 SET holder_id = $2, fencing_token = $3, expires_at = $4, released = false
		 WHERE id = $1`,
		leaseRow, holderID, token, time.Now().UTC().Add(ttl),
	); err != nil {
		return 0, fmt.Errorf("reclaim writer lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reclaim tx: %w", err)
	}

	s.logger.Warn("writer lease reclaimed by ceremony",
		zap.String("holder_id", holderID),
		zap.Int64("fencing_token", token),
	)
	return token, nil
}

// Current implements LeaseStore.
func (s *PostgresLeaseStore) Current(ctx context.Context) (*LeaseRecord, error) {
	r := &LeaseRecord{}
	err := s.pool.QueryRow(ctx,
		`SELECT holder_id, fencing_token, expires_at, released
		 FROM writer_lease WHERE id = $1`, leaseRow,
	).Scan(&r.HolderID, &r.FencingToken, &r.ExpiresAt, &r.Released)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read writer lease: %w", err)
	}
	return r, nil
}
