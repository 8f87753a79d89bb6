package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/services"
	"chaingate/internal/store"
	"chaingate/pkg/contracts/domain"
)

// AccessRecorder persists the last known access boolean for an identity
type AccessRecorder interface {
	PersistAccess(ctx context.Context, email string, hasLicense bool, checkedAt time.Time) error
}

var _ AccessRecorder = (store.Store)(nil)

// LicenseHandler serves the license validation endpoints
type LicenseHandler struct {
	service        services.LicenseService
	recorder       AccessRecorder
	persistTimeout time.Duration
	logger         *slog.Logger
}

// NewLicenseHandler creates a license handler. recorder may be nil, in which
// case nothing is persisted.
func NewLicenseHandler(service services.LicenseService, recorder AccessRecorder, persistTimeout time.Duration, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &LicenseHandler{
		service:        service,
		recorder:       recorder,
		persistTimeout: persistTimeout,
		logger:         logger.With(slog.String("handler", "license")),
	}
}

// checkRequest is domain.LicenseCheckRequest with the email kept raw, so a
// non-string identity is answered by input validation
type checkRequest struct {
	Email        json.RawMessage `json:"email"`
	ForceRefresh bool            `json:"forceRefresh"`
}

// identity returns the email, or "" when it is missing or not a JSON string
func (c checkRequest) identity() string {
	var email string
	if err := json.Unmarshal(c.Email, &email); err != nil {
		return ""
	}
	return email
}

// RegisterRoutes mounts the license endpoints on r
func (h *LicenseHandler) RegisterRoutes(r chi.Router) {
	r.Post(config.LicenseCheckEndpoint, h.Check)
	r.Post(config.LicenseClearCacheEndpoint, h.ClearCache)
	r.Get(config.LicenseStatsEndpoint, h.Stats)
}

// Check handles POST /license-check. Every answer, including a failed
// verification, is a 200 with a ResolvedAccess body.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.InfoContext(ctx, "rejected unreadable license check", slog.String("error", err.Error()))
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			apperrors.TypeValidation,
			"Invalid Request",
			"request body must be a JSON object with an email field",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	email := req.identity()
	access := h.service.Validate(ctx, email, req.ForceRefresh)
	if access == nil {
		h.logger.ErrorContext(ctx, "license service returned no answer")
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusInternalServerError,
			apperrors.TypeInternal,
			"Internal Server Error",
			"license validation produced no result",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	// a cache hit carries nothing the store has not already seen
	if access.Success && access.Source != domain.SourceCache {
		h.persist(ctx, domain.NormalizeIdentity(email), access)
	}

	render.JSON(w, r, access)
}

// persist records the answer in the remote store. Failures are logged and
// never change the response.
func (h *LicenseHandler) persist(ctx context.Context, email string, access *domain.ResolvedAccess) {
	if h.recorder == nil || email == "" {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.persistTimeout)
	defer cancel()

	checkedAt := access.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	if err := h.recorder.PersistAccess(pctx, email, access.HasActiveLicense, checkedAt); err != nil {
		h.logger.WarnContext(ctx, "failed to persist license access",
			slog.String("identity", infrastructure.MaskEmail(email)),
			slog.String("error", err.Error()))
	}
}

// ClearCache handles POST /license-clear-cache. An empty body or email
// clears every entry.
func (h *LicenseHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ClearCacheRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			apperrors.TypeValidation,
			"Invalid Request",
			"request body must be a JSON object",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	email := domain.NormalizeIdentity(req.Email)
	cleared := h.service.ClearCache(ctx, email)

	render.JSON(w, r, domain.ClearCacheResponse{Cleared: cleared, Email: email})
}

// Stats handles GET /license-stats
func (h *LicenseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.service.CacheStats(r.Context())
	render.JSON(w, r, domain.CacheStatsResponse{
		TotalEntries: stats.TotalEntries,
		ValidEntries: stats.ValidEntries,
	})
}
