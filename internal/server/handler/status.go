package handler

import (
	"net/http"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

// BreakerReporter exposes dependency breaker states.
type BreakerReporter interface {
	Breakers() map[string]string
}

// ActiveModels lists the loaded active artifact per scope.
type ActiveModels interface {
	Active() map[string]domain.ModelArtifact
}

// StatusHandler reports the process mode, breakers and loaded models.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	breakers  BreakerReporter
	models    ActiveModels
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, breakers BreakerReporter, models ActiveModels) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, breakers: breakers, models: models}
}

type statusResponse struct {
	Mode          string                          `json:"mode"`
	UptimeSeconds int64                           `json:"uptime_seconds"`
	Breakers      map[string]string               `json:"breakers"`
	Models        map[string]domain.ModelArtifact `json:"models"`
}

// GetStatus GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Breakers:      map[string]string{},
		Models:        map[string]domain.ModelArtifact{},
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Breakers()
	}
	if h.models != nil {
		resp.Models = h.models.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}
