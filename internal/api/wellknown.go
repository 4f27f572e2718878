package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/pipewatch.json.
const wellKnownManifest = `{
  "name": "pipewatch",
  "description": "Credential pool and monitoring scheduler for patent and drug-pipeline research",
  "version": "0.1.0",
  "api_base": "/api/v1/admin",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "credentials": "/api/v1/admin/credentials",
    "leases": "/api/v1/admin/leases",
    "monitorings": "/api/v1/admin/monitorings",
    "usage": "/api/v1/admin/usage",
    "metrics": "/api/v1/admin/metrics"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static pipewatch manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
