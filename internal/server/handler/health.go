package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves liveness information.
type HealthHandler struct {
	startedAt time.Time
	sinkName  string
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(sinkName string) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now(),
		sinkName:  sinkName,
	}
}

// HealthCheck responds with service status and uptime.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sink":           h.sinkName,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
