package handler

import (
	"context"
	"net/http"

	"github.com/clearmesh/settler/internal/domain"
)

// Snapshotter exposes a point-in-time view of pipeline counters and gauges.
type Snapshotter interface {
	Snapshot(ctx context.Context) domain.MetricsSnapshot
}

// MetricsHandler serves pipeline metrics.
type MetricsHandler struct {
	source Snapshotter
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(source Snapshotter) *MetricsHandler {
	return &MetricsHandler{source: source}
}

// GetMetrics responds with the current metrics snapshot.
// GET /api/metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Snapshot(r.Context()))
}
