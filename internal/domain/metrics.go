package domain

import "time"

// MetricsSnapshot is a point-in-time, read-only view of pipeline health.
// Snapshots are computed on demand and are safe to take concurrently with
// ingestion and batching activity.
type MetricsSnapshot struct {
	TradesIngested      int64         `json:"trades_ingested"`
	DuplicatesDropped   int64         `json:"duplicates_dropped"`
	MalformedDropped    int64         `json:"malformed_dropped"`
	BatchesSubmitted    int64         `json:"batches_submitted"`
	SubmissionFailures  int64         `json:"submission_failures"`
	LastSubmitLatencyMs int64         `json:"last_submit_latency_ms"`
	LastSubmitAt        time.Time     `json:"last_submit_at"`
	PendingLegs         int           `json:"pending_legs"`
	IngestionLag        int64         `json:"ingestion_lag"`
	Backpressure        bool          `json:"backpressure"`
	WindowAge           time.Duration `json:"window_age_ns"`
}
