package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// leasesHandler exposes credential reservations to the dashboard, which
// calls the analysis webhook itself and settles the lease afterwards.
type leasesHandler struct {
	svc CredentialService
}

func newLeasesHandler(svc CredentialService) *leasesHandler {
	return &leasesHandler{svc: svc}
}

type reserveRequest struct {
	ActorID string `json:"actor_id"`
	ItemID  string `json:"item_id"`
}

type settleRequest struct {
	Note string `json:"note"`
}

// Reserve handles POST /api/v1/admin/leases. The response carries the
// credential secret.
func (h *leasesHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "actor_id is required")
		return
	}

	lease, err := h.svc.Reserve(r.Context(), req.ActorID, req.ItemID)
	if err != nil {
		writeDomainError(w, err, "failed to reserve credential")
		return
	}
	writeJSON(w, http.StatusCreated, lease)
}

// Confirm handles POST /api/v1/admin/leases/{id}/confirm.
func (h *leasesHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	c, err := h.svc.Confirm(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeDomainError(w, err, "failed to confirm lease")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credential_id": c.ID,
		"usage":         c.CurrentUsage,
		"limit":         c.MonthlyLimit,
		"is_active":     c.IsActive,
	})
}

// Release handles POST /api/v1/admin/leases/{id}/release.
func (h *leasesHandler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, "failed to release lease")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
