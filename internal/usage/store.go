package usage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of records to the database in a single multi-row
// INSERT statement. It is a no-op when records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 19 // columns per row (excluding server-generated id)
	args := make([]any, 0, len(records)*cols)
	rows := make([]string, 0, len(records))

	for i, rec := range records {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			rec.RequestID,
			rec.CallerID,
			rec.OrganizationID,
			rec.Timestamp,
			rec.Category,
			rec.Model,
			rec.Provider,
			rec.InputTokens,
			rec.OutputTokens,
			rec.Cost,
			rec.LatencyMs,
			rec.Success,
			rec.ErrorCode,
			rec.Fallback,
			rec.FallbackReason,
			rec.Streamed,
			rec.ToolCalls,
			rec.RedactionCount,
			rec.PromptPreview,
		)
	}

	query := `INSERT INTO usage_records
		(request_id, caller_id, organization_id, timestamp, category, model,
		 provider, input_tokens, output_tokens, cost, latency_ms, success,
		 error_code, fallback, fallback_reason, streamed, tool_calls, redaction_count,
		 prompt_preview)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting usage records: %w", err)
	}

	return nil
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(cost), 0),
		COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN fallback THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM usage_records` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalCost,
		&summary.InputTokens,
		&summary.OutputTokens,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.FallbackCount,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// GetModelCounts returns the total number of records per model.
func (s *Store) GetModelCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model, COUNT(*) FROM usage_records GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("querying model counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var model string
		var count int64
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("scanning model count: %w", err)
		}
		counts[model] = count
	}
	return counts, rows.Err()
}

// ListRecords returns a page of usage records matching the query filters,
// ordered by timestamp DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results). Prompt previews
// are not returned by list queries.
func (s *Store) ListRecords(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, request_id, caller_id, organization_id, timestamp, category,
		model, provider, input_tokens, output_tokens, cost, latency_ms, success,
		error_code, fallback, fallback_reason, streamed, tool_calls, redaction_count
	FROM usage_records` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.CallerID, &rec.OrganizationID,
			&rec.Timestamp, &rec.Category, &rec.Model, &rec.Provider,
			&rec.InputTokens, &rec.OutputTokens, &rec.Cost, &rec.LatencyMs,
			&rec.Success, &rec.ErrorCode, &rec.Fallback, &rec.FallbackReason,
			&rec.Streamed, &rec.ToolCalls, &rec.RedactionCount,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage record row: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage record rows: %w", err)
	}

	var nextCursor string
	if len(records) > limit {
		last := records[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		records = records[:limit]
	}

	return records, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.CallerID != "" {
		args = append(args, q.CallerID)
		conditions = append(conditions, fmt.Sprintf("caller_id = $%d", len(args)))
	}
	if q.OrganizationID != "" {
		args = append(args, q.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if q.Category != "" {
		args = append(args, q.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
