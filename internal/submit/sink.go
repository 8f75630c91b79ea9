// Package submit sends closed batches to the settlement sink, records each
// outcome exactly once, and drives the operator recovery path for batches
// whose outcome is failed or unknown.
package submit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clearmesh/settler/internal/domain"
)

// DryRunSink is the sink variant selected when no settlement endpoint is
// configured. It confirms every batch with a synthetic reference after a
// simulated latency, and remembers what it settled so the recovery path can
// be exercised end-to-end without a live ledger.
type DryRunSink struct {
	latency time.Duration

	mu      sync.Mutex
	settled map[string]domain.SinkReceipt
	seq     uint64
}

// NewDryRunSink creates a DryRunSink with the given simulated latency.
func NewDryRunSink(latency time.Duration) *DryRunSink {
	return &DryRunSink{
		latency: latency,
		settled: make(map[string]domain.SinkReceipt),
	}
}

// Name identifies the sink variant in logs and results.
func (s *DryRunSink) Name() string { return "dry-run" }

// Submit simulates an atomic settlement call. Resubmitting an already
// settled batch returns the original receipt, mirroring an idempotent sink.
func (s *DryRunSink) Submit(ctx context.Context, batch *domain.Batch) (domain.SinkReceipt, error) {
	select {
	case <-ctx.Done():
		return domain.SinkReceipt{}, ctx.Err()
	case <-time.After(s.latency):
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.settled[batch.ID]; ok {
		return r, nil
	}

	s.seq++
	r := domain.SinkReceipt{
		Reference: fmt.Sprintf("dryrun-%s", batch.ID),
		Sequence:  s.seq,
	}
	s.settled[batch.ID] = r
	return r, nil
}

// IsSettled reports whether the batch was applied by this sink instance.
func (s *DryRunSink) IsSettled(ctx context.Context, batchID string) (bool, domain.SinkReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.settled[batchID]
	return ok, r, nil
}

// Compile-time interface check.
var _ domain.SettlementSink = (*DryRunSink)(nil)
