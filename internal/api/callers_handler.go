package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/caller"
	"github.com/lumenclass/aigateway/internal/catalog"
)

// callersHandler groups caller management HTTP handlers.
type callersHandler struct {
	store *caller.Store
}

func newCallersHandler(store *caller.Store) *callersHandler {
	return &callersHandler{store: store}
}

// createCallerRequest is the admin-facing shape for registering a caller. The
// API key is generated server-side and returned exactly once.
type createCallerRequest struct {
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	Tier           string `json:"tier"`
	TrialTier      string `json:"trial_tier"`
	TrialEndsAt    string `json:"trial_ends_at"`
	RateLimit      int    `json:"rate_limit"`
}

type callerWithKey struct {
	Caller *caller.Caller `json:"caller"`
	APIKey string         `json:"api_key"`
}

func validRole(role string) bool {
	switch role {
	case auth.RoleTeacher, auth.RolePrincipal, auth.RoleParent:
		return true
	}
	return false
}

func validTier(tier string) bool {
	switch tier {
	case catalog.TierFree, catalog.TierBasic, catalog.TierPremium, catalog.TierEnterprise:
		return true
	}
	return false
}

// CreateCaller handles POST /api/v1/admin/callers.
func (h *callersHandler) CreateCaller(w http.ResponseWriter, r *http.Request) {
	var req createCallerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Name == "" || req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "name and organization_id are required")
		return
	}
	if !validRole(req.Role) {
		writeError(w, http.StatusBadRequest, "invalid_params", "role must be one of teacher, principal, parent")
		return
	}
	if req.Tier == "" {
		req.Tier = catalog.TierFree
	}
	if !validTier(req.Tier) {
		writeError(w, http.StatusBadRequest, "invalid_params", "unknown tier")
		return
	}
	if req.TrialTier != "" && !validTier(req.TrialTier) {
		writeError(w, http.StatusBadRequest, "invalid_params", "unknown trial tier")
		return
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	c, err := h.store.Create(r.Context(), caller.CreateCallerInput{
		Name:           req.Name,
		APIKeyHash:     key.Hash,
		APIKeyPrefix:   key.Prefix,
		OrganizationID: req.OrganizationID,
		Role:           req.Role,
		Tier:           req.Tier,
		TrialTier:      req.TrialTier,
		TrialEndsAt:    req.TrialEndsAt,
		RateLimit:      req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create caller")
		return
	}

	writeJSON(w, http.StatusCreated, callerWithKey{Caller: c, APIKey: plaintext})
}

// ListCallers handles GET /api/v1/admin/callers.
func (h *callersHandler) ListCallers(w http.ResponseWriter, r *http.Request) {
	params := caller.ListParams{
		OrganizationID: r.URL.Query().Get("organization_id"),
		Cursor:         r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	callers, nextCursor, err := h.store.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list callers")
		return
	}

	resp := map[string]any{"callers": callers}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCaller handles GET /api/v1/admin/callers/{id}.
func (h *callersHandler) GetCaller(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "caller not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCaller handles PUT /api/v1/admin/callers/{id}.
func (h *callersHandler) UpdateCaller(w http.ResponseWriter, r *http.Request) {
	var in caller.UpdateCallerInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if in.Tier != nil && !validTier(*in.Tier) {
		writeError(w, http.StatusBadRequest, "invalid_params", "unknown tier")
		return
	}
	if in.TrialTier != nil && *in.TrialTier != "" && !validTier(*in.TrialTier) {
		writeError(w, http.StatusBadRequest, "invalid_params", "unknown trial tier")
		return
	}

	c, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "caller not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCaller handles DELETE /api/v1/admin/callers/{id}.
func (h *callersHandler) DeleteCaller(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete caller")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey handles POST /api/v1/admin/callers/{id}/key. The previous key is
// invalidated and the new plaintext key is returned exactly once.
func (h *callersHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	c, err := h.store.RotateKey(r.Context(), chi.URLParam(r, "id"), key.Hash, key.Prefix)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "caller not found")
		return
	}
	writeJSON(w, http.StatusOK, callerWithKey{Caller: c, APIKey: plaintext})
}
