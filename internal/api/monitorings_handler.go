package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/pipewatch/internal/history"
	"github.com/alecgard/pipewatch/internal/monitor"
)

// MonitorService is the part of monitor.Manager the admin API uses.
type MonitorService interface {
	ScheduleMonitoring(ctx context.Context, req monitor.ScheduleRequest) (*monitor.Schedule, error)
	StopMonitoring(ctx context.Context, itemID string) error
	Get(ctx context.Context, itemID string) (*monitor.Schedule, error)
	ActiveMonitorings(ctx context.Context, ownerID string) ([]*monitor.Schedule, error)
	InitializeScheduledMonitorings(ctx context.Context, ownerID string) (int, error)
}

// monitoringsHandler groups schedule lifecycle HTTP handlers.
type monitoringsHandler struct {
	mgr     MonitorService
	results history.Lister
}

func newMonitoringsHandler(mgr MonitorService, results history.Lister) *monitoringsHandler {
	return &monitoringsHandler{mgr: mgr, results: results}
}

// CreateMonitoring handles POST /api/v1/admin/monitorings.
func (h *monitoringsHandler) CreateMonitoring(w http.ResponseWriter, r *http.Request) {
	var req monitor.ScheduleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	s, err := h.mgr.ScheduleMonitoring(r.Context(), req)
	if err != nil {
		if !errors.Is(err, monitor.ErrInvalidSchedule) {
			slog.Error("scheduling monitoring", "item_id", req.ItemID, "error", err)
		}
		writeDomainError(w, err, "failed to schedule monitoring")
		return
	}

	auditLog(r, "create", "monitoring", s.ItemID, "owner_id", s.OwnerID, "interval_hours", s.IntervalHours)
	writeJSON(w, http.StatusCreated, s)
}

// ListMonitorings handles GET /api/v1/admin/monitorings?owner_id=.
func (h *monitoringsHandler) ListMonitorings(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ActiveMonitorings(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		slog.Error("listing monitorings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list monitorings")
		return
	}
	if list == nil {
		list = []*monitor.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitorings": list})
}

// GetMonitoring handles GET /api/v1/admin/monitorings/{itemID}.
func (h *monitoringsHandler) GetMonitoring(w http.ResponseWriter, r *http.Request) {
	s, err := h.mgr.Get(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeDomainError(w, err, "failed to get monitoring")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteMonitoring handles DELETE /api/v1/admin/monitorings/{itemID}.
func (h *monitoringsHandler) DeleteMonitoring(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if err := h.mgr.StopMonitoring(r.Context(), itemID); err != nil {
		writeDomainError(w, err, "failed to stop monitoring")
		return
	}

	auditLog(r, "delete", "monitoring", itemID)
	w.WriteHeader(http.StatusNoContent)
}

// RecoverMonitorings handles POST /api/v1/admin/monitorings/recover?owner_id=.
// It re-arms persisted schedules, for example after a restore.
func (h *monitoringsHandler) RecoverMonitorings(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	n, err := h.mgr.InitializeScheduledMonitorings(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err, "failed to recover monitorings")
		return
	}

	auditLog(r, "recover", "monitoring", owner, "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

// ListResults handles GET /api/v1/admin/monitorings/{itemID}/results.
func (h *monitoringsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	s, err := h.mgr.Get(r.Context(), itemID)
	if err != nil {
		writeDomainError(w, err, "failed to get monitoring")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > 100 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be between 1 and 100")
			return
		}
		limit = l
	}

	records, err := h.results.List(r.Context(), s.OwnerID, itemID, limit)
	if err != nil {
		slog.Error("listing run results", "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list results")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records})
}
