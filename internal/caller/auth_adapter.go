package caller

import (
	"context"

	"github.com/lumenclass/aigateway/internal/auth"
)

// AuthAdapter wraps a caller Store to satisfy auth.CallerLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges caller.Store to auth.CallerLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a caller by API key hash and converts to auth.Caller.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Caller, error) {
	c, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Caller{
		ID:             c.ID,
		Name:           c.Name,
		OrganizationID: c.OrganizationID,
		Role:           c.Role,
		Tier:           c.Tier,
		TrialTier:      c.TrialTier,
		TrialEndsAt:    c.TrialEndsAt,
		RateLimit:      c.RateLimit,
	}, nil
}
