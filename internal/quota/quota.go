// Package quota enforces per-caller monthly usage ceilings for each AI
// service category. Decisions are computed fresh per request against an
// externally owned ledger; concurrent identical reads are coalesced, but the
// result is never cached across requests.
package quota

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lumenclass/aigateway/internal/catalog"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Tier      string `json:"tier"`
}

// Ledger is the usage counter store keyed by (caller, organization,
// category, period).
type Ledger interface {
	// Used returns the current period's consumed count.
	Used(ctx context.Context, callerID, organizationID, category, period string) (int64, error)
	// Increment atomically adds one to the consumed count.
	Increment(ctx context.Context, callerID, organizationID, category, period string) error
}

// unlimited marks tiers with no ceiling for a category.
const unlimited = int64(-1)

// limits maps (tier, category) to the monthly request ceiling. Categories
// absent from a tier's row use the tier's "general" entry.
var limits = map[string]map[string]int64{
	catalog.TierFree: {
		"general":            20,
		"homework_help":      20,
		"conversation":       30,
		"lesson_generation":  5,
		"grading_assistance": 5,
	},
	catalog.TierBasic: {
		"general":            200,
		"homework_help":      200,
		"conversation":       300,
		"lesson_generation":  50,
		"grading_assistance": 50,
	},
	catalog.TierPremium: {
		"general":            1000,
		"homework_help":      1000,
		"conversation":       2000,
		"lesson_generation":  300,
		"grading_assistance": 300,
	},
	catalog.TierEnterprise: {
		"general": unlimited,
	},
}

// LimitFor returns the ceiling for a tier and category. Unknown tiers get
// free-tier limits; unknown categories get the tier's general limit.
func LimitFor(tier, category string) int64 {
	row, ok := limits[tier]
	if !ok {
		row = limits[catalog.TierFree]
	}
	if l, ok := row[category]; ok {
		return l
	}
	if l, ok := row["general"]; ok {
		return l
	}
	return limits[catalog.TierFree]["general"]
}

// Checker computes quota decisions against a ledger.
type Checker struct {
	ledger Ledger
	group  singleflight.Group
	now    func() time.Time // injectable clock for testing
}

// NewChecker creates a Checker over the given ledger.
func NewChecker(ledger Ledger) *Checker {
	return &Checker{ledger: ledger, now: time.Now}
}

// Period returns the ledger period key for t, one bucket per calendar month.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Check returns a fresh Decision for the caller. Concurrent checks for the
// same (caller, organization, category, period) share a single ledger read;
// the decision itself is recomputed every time.
func (c *Checker) Check(ctx context.Context, callerID, organizationID, category, tier string) (*Decision, error) {
	if tier == "" {
		tier = catalog.TierFree
	}
	limit := LimitFor(tier, category)
	if limit == unlimited {
		return &Decision{Allowed: true, Limit: unlimited, Remaining: unlimited, Tier: tier}, nil
	}

	period := Period(c.now())
	key := callerID + "|" + organizationID + "|" + category + "|" + period
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.ledger.Used(ctx, callerID, organizationID, category, period)
	})
	if err != nil {
		return nil, fmt.Errorf("reading usage ledger: %w", err)
	}
	used := v.(int64)

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   used < limit,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		Tier:      tier,
	}, nil
}

// Consume records one successful request against the caller's quota.
func (c *Checker) Consume(ctx context.Context, callerID, organizationID, category string) error {
	return c.ledger.Increment(ctx, callerID, organizationID, category, Period(c.now()))
}
