package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed quota ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a quota ledger backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Used returns the consumed count for (caller, organization, category,
// period). A missing row means nothing has been consumed yet.
func (s *Store) Used(ctx context.Context, callerID, organizationID, category, period string) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM quota_usage
		 WHERE caller_id = $1 AND organization_id = $2 AND category = $3 AND period = $4`,
		callerID, organizationID, category, period,
	).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota usage: %w", err)
	}
	return used, nil
}

// Increment atomically bumps the consumed count for (caller, category,
// period), creating the row on first use.
func (s *Store) Increment(ctx context.Context, callerID, organizationID, category, period string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_usage (caller_id, organization_id, category, period, used)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (caller_id, category, period)
		 DO UPDATE SET used = quota_usage.used + 1, updated_at = now()`,
		callerID, organizationID, category, period,
	)
	if err != nil {
		return fmt.Errorf("incrementing quota usage: %w", err)
	}
	return nil
}
