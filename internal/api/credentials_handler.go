package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/pipewatch/internal/credential"
)

// CredentialService is the part of credential.Service the admin API uses.
type CredentialService interface {
	Stats(ctx context.Context) []credential.Stat
	Get(id string) (*credential.Credential, error)
	Add(ctx context.Context, in credential.CreateInput) (*credential.Credential, error)
	Update(ctx context.Context, id string, in credential.UpdateInput) (*credential.Credential, error)
	Remove(ctx context.Context, id string) (*credential.Credential, error)
	ResetUsage(ctx context.Context, id string) (*credential.Credential, error)
	RecordUsage(ctx context.Context, credentialID, actorID, note string) error
	Reserve(ctx context.Context, actorID, itemID string) (*credential.Reservation, error)
	Confirm(ctx context.Context, reservationID, note string) (*credential.Credential, error)
	Release(ctx context.Context, reservationID string) error
}

// credentialsHandler groups credential pool HTTP handlers.
type credentialsHandler struct {
	svc CredentialService
}

func newCredentialsHandler(svc CredentialService) *credentialsHandler {
	return &credentialsHandler{svc: svc}
}

// ListCredentials handles GET /api/v1/admin/credentials.
func (h *credentialsHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": h.svc.Stats(r.Context())})
}

// GetCredential handles GET /api/v1/admin/credentials/{id}.
func (h *credentialsHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "failed to get credential")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CreateCredential handles POST /api/v1/admin/credentials.
func (h *credentialsHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var in credential.CreateInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.Add(r.Context(), in)
	if err != nil {
		if !errors.Is(err, credential.ErrInvalidCredential) && !errors.Is(err, credential.ErrDuplicateSecret) {
			slog.Error("adding credential", "error", err)
		}
		writeDomainError(w, err, "failed to add credential")
		return
	}

	auditLog(r, "create", "credential", c.ID, "instance", c.Instance, "monthly_limit", c.MonthlyLimit)
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCredential handles PUT /api/v1/admin/credentials/{id}.
func (h *credentialsHandler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in credential.UpdateInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	c, err := h.svc.Update(r.Context(), id, in)
	if err != nil {
		writeDomainError(w, err, "failed to update credential")
		return
	}

	auditLog(r, "update", "credential", id, "secret_rotated", in.Secret != nil)
	writeJSON(w, http.StatusOK, c)
}

// DeleteCredential handles DELETE /api/v1/admin/credentials/{id}. The
// credential is retired, not erased, so its usage history stays readable.
func (h *credentialsHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to remove credential")
		return
	}

	auditLog(r, "delete", "credential", id)
	w.WriteHeader(http.StatusNoContent)
}

// ResetCredential handles POST /api/v1/admin/credentials/{id}/reset.
func (h *credentialsHandler) ResetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.svc.ResetUsage(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to reset credential")
		return
	}

	auditLog(r, "reset_usage", "credential", id)
	writeJSON(w, http.StatusOK, c)
}

type recordUsageRequest struct {
	ActorID string `json:"actor_id"`
	Note    string `json:"note"`
}

// RecordUsage handles POST /api/v1/admin/credentials/{id}/usage. It debits
// one use that was spent outside a lease.
func (h *credentialsHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req recordUsageRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}

	if err := h.svc.RecordUsage(r.Context(), id, req.ActorID, req.Note); err != nil {
		writeDomainError(w, err, "failed to record usage")
		return
	}

	c, err := h.svc.Get(id)
	if err != nil {
		writeDomainError(w, err, "failed to get credential")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
