package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenclass/aigateway/internal/catalog"
)

type fakeLedger struct {
	mu     sync.Mutex
	counts map[string]int64
	reads  int
	err    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counts: map[string]int64{}}
}

func (f *fakeLedger) key(callerID, organizationID, category, period string) string {
	return callerID + "|" + organizationID + "|" + category + "|" + period
}

func (f *fakeLedger) Used(_ context.Context, callerID, organizationID, category, period string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[f.key(callerID, organizationID, category, period)], nil
}

func (f *fakeLedger) Increment(_ context.Context, callerID, organizationID, category, period string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.key(callerID, organizationID, category, period)]++
	return nil
}

func newTestChecker(ledger Ledger) *Checker {
	c := NewChecker(ledger)
	c.now = func() time.Time { return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counts["caller-1|org-1|general|2026-08"] = 19
	checker := newTestChecker(ledger)

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "general", catalog.TierFree)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Error("expected request under limit to be allowed")
	}
	if d.Used != 19 || d.Limit != 20 || d.Remaining != 1 {
		t.Errorf("decision = %+v, want used=19 limit=20 remaining=1", d)
	}
}

func TestCheckDeniesAtLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counts["caller-1|org-1|general|2026-08"] = 20
	checker := newTestChecker(ledger)

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "general", catalog.TierFree)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("expected request at limit to be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
}

func TestCheckUnknownTierUsesFreeLimits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counts["caller-1|org-1|general|2026-08"] = 20
	checker := newTestChecker(ledger)

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "general", "platinum")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("unknown tier should fall back to free limits and deny at 20")
	}
}

func TestCheckUnknownCategoryUsesGeneralLimit(t *testing.T) {
	checker := newTestChecker(newFakeLedger())

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "mystery", catalog.TierBasic)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Limit != 200 {
		t.Errorf("limit = %d, want basic general limit 200", d.Limit)
	}
}

func TestCheckEnterpriseUnlimited(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counts["caller-1|org-1|general|2026-08"] = 1_000_000
	checker := newTestChecker(ledger)

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "general", catalog.TierEnterprise)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Error("enterprise tier must never be quota-limited")
	}
	if ledger.reads != 0 {
		t.Errorf("unlimited tier read the ledger %d times, want 0", ledger.reads)
	}
}

func TestCheckScopedByOrganization(t *testing.T) {
	ledger := newFakeLedger()
	ledger.counts["caller-1|org-1|general|2026-08"] = 20
	checker := newTestChecker(ledger)

	d, err := checker.Check(context.Background(), "caller-1", "org-1", "general", catalog.TierFree)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("exhausted organization should be denied")
	}

	// Usage in one organization must not count against another.
	d, err = checker.Check(context.Background(), "caller-1", "org-2", "general", catalog.TierFree)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Used != 0 {
		t.Errorf("decision = %+v, want fresh count for org-2", d)
	}
}

func TestCheckLedgerError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.err = errors.New("connection refused")
	checker := newTestChecker(ledger)

	if _, err := checker.Check(context.Background(), "caller-1", "org-1", "general", catalog.TierFree); err == nil {
		t.Fatal("expected error when ledger read fails")
	}
}

func TestConsumeThenCheck(t *testing.T) {
	ledger := newFakeLedger()
	checker := newTestChecker(ledger)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := checker.Consume(ctx, "caller-1", "org-1", "lesson_generation"); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}

	d, err := checker.Check(ctx, "caller-1", "org-1", "lesson_generation", catalog.TierFree)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed {
		t.Error("free tier lesson_generation should be exhausted after 5 requests")
	}
}

func TestPeriodIsMonthly(t *testing.T) {
	got := Period(time.Date(2026, 8, 31, 23, 59, 59, 0, time.UTC))
	if got != "2026-08" {
		t.Errorf("Period = %q, want 2026-08", got)
	}
}

func TestLimitForTable(t *testing.T) {
	tests := []struct {
		tier     string
		category string
		want     int64
	}{
		{catalog.TierFree, "general", 20},
		{catalog.TierFree, "lesson_generation", 5},
		{catalog.TierPremium, "conversation", 2000},
		{catalog.TierEnterprise, "general", unlimited},
		{catalog.TierEnterprise, "lesson_generation", unlimited},
		{"", "general", 20},
	}
	for _, tt := range tests {
		if got := LimitFor(tt.tier, tt.category); got != tt.want {
			t.Errorf("LimitFor(%q, %q) = %d, want %d", tt.tier, tt.category, got, tt.want)
		}
	}
}
