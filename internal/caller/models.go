package caller

import "time"

// Caller represents a registered platform user allowed to issue AI requests.
type Caller struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	APIKeyHash     string    `json:"-"`
	APIKeyPrefix   string    `json:"api_key_prefix"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	Tier           string    `json:"tier"`
	TrialTier      string    `json:"trial_tier,omitempty"`
	TrialEndsAt    string    `json:"trial_ends_at,omitempty"`
	RateLimit      int       `json:"rate_limit"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateCallerInput holds the fields required to register a new caller.
type CreateCallerInput struct {
	Name           string `json:"name"`
	APIKeyHash     string `json:"api_key_hash"`
	APIKeyPrefix   string `json:"api_key_prefix"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	Tier           string `json:"tier"`
	TrialTier      string `json:"trial_tier"`
	TrialEndsAt    string `json:"trial_ends_at"`
	RateLimit      int    `json:"rate_limit"`
}

// UpdateCallerInput holds optional fields for a partial caller update.
type UpdateCallerInput struct {
	Name        *string `json:"name,omitempty"`
	Tier        *string `json:"tier,omitempty"`
	TrialTier   *string `json:"trial_tier,omitempty"`
	TrialEndsAt *string `json:"trial_ends_at,omitempty"`
	RateLimit   *int    `json:"rate_limit,omitempty"`
}

// ListParams controls cursor-based pagination for listing callers.
type ListParams struct {
	OrganizationID string `json:"organization_id"`
	Cursor         string `json:"cursor"`
	Limit          int    `json:"limit"`
}
