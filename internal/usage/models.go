// Package usage records one row per terminal AI request outcome and serves
// aggregate reporting queries over those rows.
package usage

import "time"

// Record captures the terminal outcome of a single AI request. Exactly one
// record is written per request regardless of fallback, streaming, or failure.
type Record struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	CallerID       string    `json:"caller_id"`
	OrganizationID string    `json:"organization_id"`
	Timestamp      time.Time `json:"timestamp"`
	Category       string    `json:"category"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Cost           float64   `json:"cost"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	ErrorCode      string    `json:"error_code,omitempty"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Streamed       bool      `json:"streamed"`
	ToolCalls      int       `json:"tool_calls"`
	RedactionCount int       `json:"redaction_count"`
	PromptPreview  string    `json:"prompt_preview,omitempty"`
}

// Summary holds aggregate metrics for a set of usage records.
type Summary struct {
	TotalRequests int64   `json:"total_requests"`
	TotalCost     float64 `json:"total_cost"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	FallbackCount int64   `json:"fallback_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// Query defines filters and pagination for usage reporting.
type Query struct {
	CallerID       string    `json:"caller_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Category       string    `json:"category,omitempty"`
	Model          string    `json:"model,omitempty"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Cursor         string    `json:"cursor,omitempty"`
	Limit          int       `json:"limit"`
}
