package batch

import (
	"sync"
	"time"

	"github.com/clearmesh/settler/internal/domain"
)

// Metrics collects live pipeline counters. All methods are safe to call
// concurrently with ingestion and submission activity; Snapshot returns a
// consistent copy without blocking writers for long.
type Metrics struct {
	mu sync.Mutex

	tradesIngested     int64
	duplicatesDropped  int64
	malformedDropped   int64
	batchesSubmitted   int64
	submissionFailures int64
	lastSubmitLatency  time.Duration
	lastSubmitAt       time.Time
}

// NewMetrics creates an empty Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordIngested counts freshly absorbed trade events.
func (m *Metrics) RecordIngested(n int) {
	m.mu.Lock()
	m.tradesIngested += int64(n)
	m.mu.Unlock()
}

// RecordDuplicate counts a trade dropped by the idempotency filter.
func (m *Metrics) RecordDuplicate() {
	m.mu.Lock()
	m.duplicatesDropped++
	m.mu.Unlock()
}

// RecordMalformed counts a record dropped as unparseable.
func (m *Metrics) RecordMalformed() {
	m.mu.Lock()
	m.malformedDropped++
	m.mu.Unlock()
}

// RecordSubmission records a batch submission outcome and its latency.
func (m *Metrics) RecordSubmission(ok bool, latency time.Duration) {
	m.mu.Lock()
	if ok {
		m.batchesSubmitted++
	} else {
		m.submissionFailures++
	}
	m.lastSubmitLatency = latency
	m.lastSubmitAt = time.Now()
	m.mu.Unlock()
}

// Snapshot merges the counters with the builder-derived gauges into a
// read-only view.
func (m *Metrics) Snapshot(pendingLegs int, backpressure bool, lag int64, windowAge time.Duration) domain.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.MetricsSnapshot{
		TradesIngested:      m.tradesIngested,
		DuplicatesDropped:   m.duplicatesDropped,
		MalformedDropped:    m.malformedDropped,
		BatchesSubmitted:    m.batchesSubmitted,
		SubmissionFailures:  m.submissionFailures,
		LastSubmitLatencyMs: m.lastSubmitLatency.Milliseconds(),
		LastSubmitAt:        m.lastSubmitAt,
		PendingLegs:         pendingLegs,
		IngestionLag:        lag,
		Backpressure:        backpressure,
		WindowAge:           windowAge,
	}
}
