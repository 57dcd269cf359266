package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/senzu-ai/senzu/internal/domain"
)

// ModelActivator resolves and switches the active model of a scope.
type ModelActivator interface {
	GetActive(ctx context.Context, scope string) (*domain.ActiveModel, error)
	Activate(ctx context.Context, scope, artifactID string) (*domain.ActiveModel, error)
}

// ModelHandler serves model registry endpoints.
type ModelHandler struct {
	models ModelActivator
	logger *slog.Logger
}

// NewModelHandler creates a ModelHandler.
func NewModelHandler(models ModelActivator, logger *slog.Logger) *ModelHandler {
	return &ModelHandler{models: models, logger: logger}
}

type activateRequest struct {
	ArtifactID string `json:"artifact_id"`
}

// GetActive GET /api/models/{scope}/active
func (h *ModelHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	am, err := h.models.GetActive(r.Context(), r.PathValue("scope"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, am.Artifact)
}

// Activate POST /api/models/{scope}/activate
func (h *ModelHandler) Activate(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var body activateRequest
	if err := decodeJSON(r, &body); err != nil || body.ArtifactID == "" {
		writeError(w, http.StatusBadRequest, "artifact_id is required")
		return
	}

	am, err := h.models.Activate(r.Context(), scope, body.ArtifactID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "model activation failed",
			slog.String("scope", scope),
			slog.String("artifact_id", body.ArtifactID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "model activated",
		slog.String("scope", scope),
		slog.String("artifact_id", am.Artifact.ID),
		slog.String("version", am.Artifact.Version),
	)
	writeJSON(w, http.StatusOK, am.Artifact)
}
