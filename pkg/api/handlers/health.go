package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/ntlmgate/pkg/directory"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the gateway process running?
//   - Readiness probe: Can the gateway reach the directory server?
type HealthHandler struct {
	binder       directory.Binder
	sessionCount func() int
}

// NewHealthHandler creates a new health handler.
//
// The binder parameter may be nil, in which case readiness checks will
// return unhealthy status. sessionCount, when non-nil, is reported in the
// readiness payload.
func NewHealthHandler(binder directory.Binder, sessionCount func() int) *HealthHandler {
	return &HealthHandler{binder: binder, sessionCount: sessionCount}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the gateway process is running. This endpoint is designed
// for Kubernetes liveness probes and should always succeed as long as the
// HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "ntlmgate",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK if the gateway can open a session against the directory
// server; a gateway that cannot reach its domain controller cannot complete
// any handshake. Returns 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.binder == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("directory binder not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	session, err := h.binder.Open(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("directory unreachable: "+err.Error()))
		return
	}
	_ = session.Close()

	data := map[string]interface{}{
		"directory": "reachable",
	}
	if h.sessionCount != nil {
		data["handshake_sessions"] = h.sessionCount()
	}
	writeJSON(w, http.StatusOK, healthyResponse(data))
}
