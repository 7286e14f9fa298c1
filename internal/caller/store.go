package caller

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const callerColumns = `id, name, api_key_hash, api_key_prefix, organization_id, role,
	tier, trial_tier, trial_ends_at, rate_limit, created_at`

// Store provides database operations for callers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new caller store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanCaller(row pgx.Row) (*Caller, error) {
	c := &Caller{}
	err := row.Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &c.OrganizationID,
		&c.Role, &c.Tier, &c.TrialTier, &c.TrialEndsAt, &c.RateLimit, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new caller and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateCallerInput) (*Caller, error) {
	c, err := scanCaller(s.pool.QueryRow(ctx,
		`INSERT INTO callers (name, api_key_hash, api_key_prefix, organization_id, role,
			tier, trial_tier, trial_ends_at, rate_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+callerColumns,
		in.Name, in.APIKeyHash, in.APIKeyPrefix, in.OrganizationID, in.Role,
		in.Tier, in.TrialTier, in.TrialEndsAt, in.RateLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating caller: %w", err)
	}
	return c, nil
}

// GetByID retrieves a caller by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Caller, error) {
	c, err := scanCaller(s.pool.QueryRow(ctx,
		`SELECT `+callerColumns+` FROM callers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting caller by id: %w", err)
	}
	return c, nil
}

// GetByKeyHash retrieves a caller by its API key hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Caller, error) {
	c, err := scanCaller(s.pool.QueryRow(ctx,
		`SELECT `+callerColumns+` FROM callers WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting caller by key hash: %w", err)
	}
	return c, nil
}

// List returns a page of callers ordered by created_at DESC, id DESC using
// cursor-based pagination, optionally filtered by organization.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Caller, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var conditions []string
	var args []any
	if params.OrganizationID != "" {
		args = append(args, params.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, cursorTime, cursorID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + callerColumns + ` FROM callers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing callers: %w", err)
	}
	defer rows.Close()

	var callers []*Caller
	for rows.Next() {
		c, err := scanCaller(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning caller row: %w", err)
		}
		callers = append(callers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating caller rows: %w", err)
	}

	var nextCursor string
	if len(callers) > limit {
		last := callers[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		callers = callers[:limit]
	}

	return callers, nextCursor, nil
}

// Update performs a partial update on the caller with the given id and
// returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateCallerInput) (*Caller, error) {
	var setClauses []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if in.Name != nil {
		add("name", *in.Name)
	}
	if in.Tier != nil {
		add("tier", *in.Tier)
	}
	if in.TrialTier != nil {
		add("trial_tier", *in.TrialTier)
	}
	if in.TrialEndsAt != nil {
		add("trial_ends_at", *in.TrialEndsAt)
	}
	if in.RateLimit != nil {
		add("rate_limit", *in.RateLimit)
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE callers SET %s WHERE id = $%d RETURNING `+callerColumns,
		strings.Join(setClauses, ", "), len(args),
	)

	c, err := scanCaller(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating caller: %w", err)
	}
	return c, nil
}

// RotateKey replaces the caller's API key hash and prefix. The old key stops
// working immediately.
func (s *Store) RotateKey(ctx context.Context, id, hash, prefix string) (*Caller, error) {
	c, err := scanCaller(s.pool.QueryRow(ctx,
		`UPDATE callers SET api_key_hash = $1, api_key_prefix = $2 WHERE id = $3
		 RETURNING `+callerColumns,
		hash, prefix, id))
	if err != nil {
		return nil, fmt.Errorf("rotating caller key: %w", err)
	}
	return c, nil
}

// Delete removes a caller by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM callers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting caller: %w", err)
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
