package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HealthHandler reports readiness of the server and its dependencies.
type HealthHandler struct {
	*Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base}
}

// Ready returns the health of the transcript store and the last published
// backend probe. It never triggers a backend call itself.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			checks["transcripts"] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["transcripts"] = "ok"
		}
	}

	d := h.assistant.Diagnostics()
	switch {
	case !d.Health.Checked:
		checks["backend"] = "unknown"
	case d.Health.Healthy:
		checks["backend"] = "ok"
	default:
		checks["backend"] = "unhealthy"
		status["status"] = "degraded"
	}
	checks["circuit"] = string(d.Circuit.State)

	JSON(w, statusCode, status)
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Ready)
}
