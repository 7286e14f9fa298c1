package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lumenclass/aigateway/internal/catalog"
)

func TestGenerateAPIKey(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !strings.HasPrefix(plaintext, "lmc_") {
		t.Errorf("plaintext %q missing lmc_ prefix", plaintext)
	}
	if key.Prefix != plaintext[:12] {
		t.Errorf("prefix %q does not match plaintext start", key.Prefix)
	}
	if key.Hash != HashKey(plaintext) {
		t.Error("stored hash does not match HashKey of plaintext")
	}

	// Keys must be unique.
	_, plaintext2, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if plaintext == plaintext2 {
		t.Error("two generated keys are identical")
	}
}

func TestEffectiveTier(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		caller Caller
		want   string
	}{
		{
			name:   "no trial uses base tier",
			caller: Caller{Tier: catalog.TierBasic},
			want:   catalog.TierBasic,
		},
		{
			name:   "empty tier defaults to free",
			caller: Caller{},
			want:   catalog.TierFree,
		},
		{
			name:   "active trial grants trial tier",
			caller: Caller{Tier: catalog.TierFree, TrialTier: catalog.TierPremium, TrialEndsAt: "2026-09-01"},
			want:   catalog.TierPremium,
		},
		{
			name:   "expired trial falls back to base",
			caller: Caller{Tier: catalog.TierBasic, TrialTier: catalog.TierPremium, TrialEndsAt: "2026-01-01"},
			want:   catalog.TierBasic,
		},
		{
			name:   "rfc3339 trial date",
			caller: Caller{TrialTier: catalog.TierPremium, TrialEndsAt: "2026-09-01T00:00:00Z"},
			want:   catalog.TierPremium,
		},
		{
			name:   "garbage trial date falls back without error",
			caller: Caller{Tier: catalog.TierBasic, TrialTier: catalog.TierPremium, TrialEndsAt: "not-a-date"},
			want:   catalog.TierBasic,
		},
		{
			name:   "empty trial date with trial tier falls back to free",
			caller: Caller{TrialTier: catalog.TierPremium},
			want:   catalog.TierFree,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caller.EffectiveTier(now); got != tt.want {
				t.Errorf("EffectiveTier = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeCallerStore struct {
	callers map[string]*Caller
}

func (f *fakeCallerStore) GetByKeyHash(_ context.Context, hash string) (*Caller, error) {
	c, ok := f.callers[hash]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return c, nil
}

func TestCallerAuthMiddleware(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	store := &fakeCallerStore{callers: map[string]*Caller{
		key.Hash: {ID: "caller-1", Role: RoleTeacher, OrganizationID: "org-1"},
	}}
	svc := NewService(store)

	var gotCaller *Caller
	handler := CallerAuthMiddleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid key", "Bearer " + plaintext, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + plaintext, http.StatusUnauthorized},
		{"unknown key", "Bearer lmc_nonexistent", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCaller = nil
			req := httptest.NewRequest("POST", "/api/v1/ai", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if gotCaller == nil || gotCaller.ID != "caller-1" {
					t.Errorf("caller not injected into context: %+v", gotCaller)
				}
			}
		})
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generating hash: %v", err)
	}
	handler := AdminAuthMiddleware(string(hash))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"correct key", "admin-secret", http.StatusOK},
		{"wrong key", "not-the-key", http.StatusUnauthorized},
		// The stored hash is not a credential.
		{"stored hash as token", string(hash), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/admin/usage", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestAdminAuthMiddlewareDisabled(t *testing.T) {
	handler := AdminAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when admin key is unset", rr.Code)
	}
}
