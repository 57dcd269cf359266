package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/senzu-ai/senzu/internal/domain"
)

// ChangeHandler applies upstream change notifications.
type ChangeHandler interface {
	OnUpstreamChange(ctx context.Context, change domain.UpstreamChange) (int64, error)
}

// UpstreamHandler lets the data pipeline push change notifications over HTTP
// as an alternative to the pub/sub channels.
type UpstreamHandler struct {
	changes ChangeHandler
	logger  *slog.Logger
}

// NewUpstreamHandler creates an UpstreamHandler.
func NewUpstreamHandler(changes ChangeHandler, logger *slog.Logger) *UpstreamHandler {
	return &UpstreamHandler{changes: changes, logger: logger}
}

type changeRequest struct {
	Reason string `json:"reason"`
}

type changeResponse struct {
	Invalidated int64 `json:"invalidated"`
}

// MatchChanged POST /api/upstream/matches/{match_id}
func (h *UpstreamHandler) MatchChanged(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, domain.UpstreamChange{MatchID: r.PathValue("match_id")})
}

// ScopeChanged POST /api/upstream/scopes/{scope}
func (h *UpstreamHandler) ScopeChanged(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, domain.UpstreamChange{Scope: r.PathValue("scope")})
}

func (h *UpstreamHandler) apply(w http.ResponseWriter, r *http.Request, change domain.UpstreamChange) {
	var body changeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	change.Reason = body.Reason
	if change.Reason == "" {
		change.Reason = "http"
	}

	n, err := h.changes.OnUpstreamChange(r.Context(), change)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upstream change rejected",
			slog.String("match_id", change.MatchID),
			slog.String("scope", change.Scope),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, changeResponse{Invalidated: n})
}
