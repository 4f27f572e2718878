package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/pipewatch/internal/auth"
)

// auditLog emits a structured audit log entry for an admin action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if a := auth.AdminFromContext(r.Context()); a != nil {
		attrs = append(attrs, "admin_key", a.Prefix)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	return r.RemoteAddr
}
