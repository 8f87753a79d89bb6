package http

import (
	"net/http"

	"github.com/go-chi/render"

	apperrors "chaingate/internal/errors"
)

// MetricsHandler exposes the Prometheus registry fed by the OpenTelemetry
// metric exporter
type MetricsHandler struct {
	exposition http.Handler
}

// NewMetricsHandler wraps the exposition handler. A nil handler means metrics
// are disabled and every scrape gets a 503.
func NewMetricsHandler(exposition http.Handler) *MetricsHandler {
	return &MetricsHandler{exposition: exposition}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exposition == nil {
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusServiceUnavailable,
			apperrors.TypeServiceDown,
			"Metrics Disabled",
			"metrics collection is turned off in the telemetry configuration",
			r.URL.Path,
		))
		return
	}
	h.exposition.ServeHTTP(w, r)
}
