package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/lumenclass/aigateway/internal/usage"
)

// usageHandler groups usage reporting HTTP handlers.
type usageHandler struct {
	store *usage.Store
}

func newUsageHandler(store *usage.Store) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildUsageQuery constructs a usage.Query from request query params.
func buildUsageQuery(r *http.Request) (*usage.Query, error) {
	q := &usage.Query{
		CallerID:       r.URL.Query().Get("caller_id"),
		OrganizationID: r.URL.Query().Get("organization_id"),
		Category:       r.URL.Query().Get("category"),
		Model:          r.URL.Query().Get("model"),
		Cursor:         r.URL.Query().Get("cursor"),
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return nil, lErr
		}
		q.Limit = l
	}

	return q, nil
}

// GetSummary handles GET /api/v1/admin/usage.
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListRecords handles GET /api/v1/admin/usage/records.
func (h *usageHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	records, nextCursor, err := h.store.ListRecords(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage records")
		return
	}

	resp := map[string]any{"records": records}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetModelCounts handles GET /api/v1/admin/usage/models.
func (h *usageHandler) GetModelCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.GetModelCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get model counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}
