package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"chaingate/internal/services"
)

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	service *services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *services.HealthService, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /healthz. A degraded dependency is reported in the
// body; the status code stays 200 while the process is live.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.HealthCheck(r.Context())
	if status.Status != "healthy" {
		h.logger.DebugContext(r.Context(), "health check degraded", slog.String("status", status.Status))
	}
	render.JSON(w, r, status)
}
