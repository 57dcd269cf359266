package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// Predictor serves predictions.
type Predictor interface {
	Predict(ctx context.Context, req domain.PredictionRequest) (domain.PredictionResult, error)
}

// PredictionHistory lists persisted predictions for a match.
type PredictionHistory interface {
	ListByMatch(ctx context.Context, matchID string, opts domain.ListOpts) ([]domain.PredictionResult, error)
}

// PredictionHandler serves prediction endpoints.
type PredictionHandler struct {
	predictor    Predictor
	history      PredictionHistory
	defaultScope string
	logger       *slog.Logger
}

// NewPredictionHandler creates a PredictionHandler. Requests without a scope
// use defaultScope.
func NewPredictionHandler(predictor Predictor, history PredictionHistory, defaultScope string, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{
		predictor:    predictor,
		history:      history,
		defaultScope: defaultScope,
		logger:       logger,
	}
}

// GetPrediction GET /api/predictions/{match_id}?market=&scope=&timeout_ms=
func (h *PredictionHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := domain.PredictionRequest{
		MatchID: r.PathValue("match_id"),
		Market:  domain.MarketType(q.Get("market")),
		Scope:   q.Get("scope"),
	}
	if req.Market == "" {
		req.Market = domain.MarketMatchResult
	}
	if req.Scope == "" {
		req.Scope = h.defaultScope
	}
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "timeout_ms must be a positive integer")
			return
		}
		req.Deadline = time.Duration(ms) * time.Millisecond
	}

	res, err := h.predictor.Predict(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListHistory GET /api/predictions/{match_id}/history
func (h *PredictionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("match_id")
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.history.ListByMatch(r.Context(), matchID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list prediction history failed",
			slog.String("match_id", matchID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []domain.PredictionResult{}
	}
	writeJSON(w, http.StatusOK, rows)
}
