package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenclass/aigateway/internal/catalog"
)

// Roles recognized by the gateway.
const (
	RoleTeacher   = "teacher"
	RolePrincipal = "principal"
	RoleParent    = "parent"
)

// Caller represents an authenticated platform user issuing AI requests.
type Caller struct {
	ID             string
	Name           string
	OrganizationID string
	Role           string
	// Tier is the caller's paid subscription tier.
	Tier string
	// TrialTier and TrialEndsAt describe an active trial grant. TrialEndsAt
	// is the raw value from upstream registration records and may be
	// malformed; EffectiveTier parses it defensively.
	TrialTier   string
	TrialEndsAt string
	RateLimit   int
}

// EffectiveTier resolves the tier quota and model selection should use. An
// active trial grants its tier; an expired trial falls back to the paid tier.
// Unparseable trial dates also fall back (with a diagnostic) rather than
// failing the request: bad trial records must never block a caller.
func (c *Caller) EffectiveTier(now time.Time) string {
	base := c.Tier
	if base == "" {
		base = catalog.TierFree
	}
	if c.TrialTier == "" {
		return base
	}

	endsAt, err := parseTrialDate(c.TrialEndsAt)
	if err != nil {
		slog.Warn("unparseable trial end date, using base tier",
			"caller_id", c.ID, "trial_ends_at", c.TrialEndsAt, "error", err)
		return base
	}
	if now.Before(endsAt) {
		return c.TrialTier
	}
	return base
}

// parseTrialDate accepts the formats seen in upstream trial records.
func parseTrialDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty trial date")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized trial date %q", s)
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// GenerateAPIKey creates a new API key with the "lmc_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "lmc_" + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// CallerLookup is the interface for retrieving callers by their key hash.
type CallerLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Caller, error)
}

// Service provides authentication operations backed by a caller store.
type Service struct {
	store CallerLookup
}

// NewService creates a new authentication service.
func NewService(store CallerLookup) *Service {
	return &Service{store: store}
}
