package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/pipewatch/internal/metering"
)

// UsageQuerier reads the usage event log.
type UsageQuerier interface {
	Summarize(ctx context.Context, q metering.UsageQuery) ([]metering.CredentialUsage, error)
	ListEvents(ctx context.Context, q metering.UsageQuery) ([]*metering.UsageEvent, string, error)
}

// usageHandler groups usage HTTP handlers.
type usageHandler struct {
	store UsageQuerier
}

func newUsageHandler(store UsageQuerier) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildUsageQuery constructs a UsageQuery from query params.
func buildUsageQuery(r *http.Request) (metering.UsageQuery, error) {
	v := r.URL.Query()
	q := metering.UsageQuery{
		CredentialID: v.Get("credential_id"),
		ActorID:      v.Get("actor_id"),
		ItemID:       v.Get("item_id"),
		Cursor:       v.Get("cursor"),
	}

	from, err := parseTimeParam(v.Get("from"))
	if err != nil {
		return q, err
	}
	q.From = from

	to, err := parseTimeParam(v.Get("to"))
	if err != nil {
		return q, err
	}
	q.To = to

	if limitStr := v.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil {
			return q, lErr
		}
		if l < 1 || l > 500 {
			return q, errors.New("limit must be between 1 and 500")
		}
		q.Limit = l
	}

	return q, nil
}

// GetUsage handles GET /api/v1/admin/usage.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	h.writeSummary(w, r, q)
}

// GetCredentialUsage handles GET /api/v1/admin/usage/credentials/{id}.
func (h *usageHandler) GetCredentialUsage(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	q.CredentialID = chi.URLParam(r, "id")
	h.writeSummary(w, r, q)
}

func (h *usageHandler) writeSummary(w http.ResponseWriter, r *http.Request, q metering.UsageQuery) {
	summary, err := h.store.Summarize(r.Context(), q)
	if err != nil {
		slog.Error("summarizing usage", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}
	if summary == nil {
		summary = []metering.CredentialUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": summary})
}

// ListEvents handles GET /api/v1/admin/usage/events.
func (h *usageHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	events, next, err := h.store.ListEvents(r.Context(), q)
	if err != nil {
		slog.Error("listing usage events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage events")
		return
	}
	if events == nil {
		events = []*metering.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}
