package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/licensesync"
)

// SyncController is the part of the sync loop the local UI drives
type SyncController interface {
	State() licensesync.SyncState
	Trigger(ctx context.Context) (licensesync.SyncState, error)
}

// AgentHandler serves the agent's local UI surface
type AgentHandler struct {
	sync   SyncController
	errors *apperrors.ErrorHandler
}

// NewAgentHandler creates an agent handler
func NewAgentHandler(sync SyncController, logger *slog.Logger) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentHandler{
		sync:   sync,
		errors: apperrors.NewErrorHandler(logger.With(slog.String("handler", "agent")), false),
	}
}

// RegisterRoutes mounts /status and /sync on r
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	r.Get(config.AgentStatusEndpoint, h.Status)
	r.Post(config.AgentSyncEndpoint, h.Sync)
}

// Status handles GET /status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.sync.State())
}

// Sync handles POST /sync, running a manual sync before responding
func (h *AgentHandler) Sync(w http.ResponseWriter, r *http.Request) {
	state, err := h.sync.Trigger(r.Context())
	switch {
	case err == nil:
		render.JSON(w, r, state)

	case errors.Is(err, apperrors.ErrSyncInProgress):
		// routine for a busy loop, so no error log
		render.Render(w, r, h.errors.ErrorToProblem(err, r).WithExtension("state", state))

	default:
		h.errors.HandleError(w, r, err)
	}
}
