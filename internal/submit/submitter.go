package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearmesh/settler/internal/batch"
	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/notify"
)

// Submitter takes closed batches and attempts exactly one durable outcome
// per batch. Multiple batches may be in flight at once (bounded by
// maxInflight), but submissions for a given batch ID are serialized, so a
// batch can never be double-submitted. A sink timeout is an unknown outcome,
// not a failure: the sink is queried for the batch before the failed record
// is written, because the call may have succeeded with only the
// acknowledgement lost.
type Submitter struct {
	sink        domain.SettlementSink
	results     domain.ResultStore
	deadLetters domain.DeadLetterStore
	notifier    *notify.Notifier
	metrics     *batch.Metrics
	timeout     time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	sem      chan struct{}
}

// NewSubmitter creates a Submitter. timeout bounds each sink call;
// maxInflight bounds concurrent submissions.
func NewSubmitter(
	sink domain.SettlementSink,
	results domain.ResultStore,
	deadLetters domain.DeadLetterStore,
	notifier *notify.Notifier,
	metrics *batch.Metrics,
	timeout time.Duration,
	maxInflight int,
	logger *slog.Logger,
) *Submitter {
	return &Submitter{
		sink:        sink,
		results:     results,
		deadLetters: deadLetters,
		notifier:    notifier,
		metrics:     metrics,
		timeout:     timeout,
		inflight:    make(map[string]bool),
		sem:         make(chan struct{}, maxInflight),
		logger:      logger.With(slog.String("component", "submitter")),
	}
}

// Submit sends a closed batch to the sink and writes its terminal result.
// It blocks until the outcome is durable and should be run on its own
// goroutine; the ingestion loop must never wait on it.
func (s *Submitter) Submit(ctx context.Context, b *domain.Batch) error {
	if b.Status != domain.BatchClosed {
		return fmt.Errorf("submit: batch %s: %w", b.ID, domain.ErrBatchNotClosed)
	}

	s.mu.Lock()
	if s.inflight[b.ID] {
		s.mu.Unlock()
		return fmt.Errorf("submit: batch %s: %w", b.ID, domain.ErrSubmissionInFlight)
	}
	s.inflight[b.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, b.ID)
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	b.Status = domain.BatchSubmitted
	started := time.Now()

	s.logger.InfoContext(ctx, "submitting batch",
		slog.String("batch_id", b.ID),
		slog.String("sink", s.sink.Name()),
		slog.Int("legs", len(b.Legs)),
	)

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	receipt, err := s.sink.Submit(sctx, b)
	cancel()
	latency := time.Since(started)

	switch {
	case err == nil:
		return s.confirm(ctx, b, receipt, started, latency)

	case errors.Is(err, context.DeadlineExceeded):
		// Unknown outcome. Ask the sink before concluding anything.
		return s.resolveUnknown(ctx, b, started, latency)

	default:
		return s.fail(ctx, b, started, latency,
			fmt.Errorf("%w: %v", domain.ErrSinkRejected, err))
	}
}

// confirm writes the confirmed terminal result.
func (s *Submitter) confirm(ctx context.Context, b *domain.Batch, receipt domain.SinkReceipt, started time.Time, latency time.Duration) error {
	b.Status = domain.BatchConfirmed
	now := time.Now()

	res := domain.SubmissionResult{
		BatchID:       b.ID,
		ParentID:      b.ParentID,
		Status:        domain.BatchConfirmed,
		SinkReference: receipt.Reference,
		SinkSequence:  receipt.Sequence,
		Legs:          b.Legs,
		SubmittedAt:   started,
		ConfirmedAt:   &now,
		LatencyMs:     latency.Milliseconds(),
	}
	if err := s.results.Upsert(ctx, res); err != nil {
		return fmt.Errorf("submit: record confirmation for %s: %w", b.ID, err)
	}

	s.metrics.RecordSubmission(true, latency)
	s.logger.InfoContext(ctx, "batch confirmed",
		slog.String("batch_id", b.ID),
		slog.String("sink_reference", receipt.Reference),
		slog.Uint64("sink_sequence", receipt.Sequence),
		slog.Duration("latency", latency),
	)
	return nil
}

// resolveUnknown handles a timed-out sink call: query sink-side state for
// the batch, confirm if it actually settled, otherwise record a failed
// outcome that carries the unknown-outcome error for the recovery path.
func (s *Submitter) resolveUnknown(ctx context.Context, b *domain.Batch, started time.Time, latency time.Duration) error {
	settled, receipt, qerr := s.sink.IsSettled(ctx, b.ID)
	if qerr == nil && settled {
		s.logger.WarnContext(ctx, "sink call timed out but batch settled",
			slog.String("batch_id", b.ID),
		)
		return s.confirm(ctx, b, receipt, started, latency)
	}

	err := fmt.Errorf("%w: sink call timed out after %s", domain.ErrUnknownOutcome, s.timeout)
	if qerr != nil {
		err = fmt.Errorf("%w; state query also failed: %v", err, qerr)
	}
	return s.fail(ctx, b, started, latency, err)
}

// fail writes the failed terminal result and raises the operator alert. The
// batch stays queryable and recoverable by ID; nothing retries it
// automatically.
func (s *Submitter) fail(ctx context.Context, b *domain.Batch, started time.Time, latency time.Duration, cause error) error {
	b.Status = domain.BatchFailed

	res := domain.SubmissionResult{
		BatchID:     b.ID,
		ParentID:    b.ParentID,
		Status:      domain.BatchFailed,
		Legs:        b.Legs,
		SubmittedAt: started,
		LatencyMs:   latency.Milliseconds(),
		Error:       cause.Error(),
	}
	if err := s.results.Upsert(ctx, res); err != nil {
		return fmt.Errorf("submit: record failure for %s: %w", b.ID, err)
	}

	s.metrics.RecordSubmission(false, latency)
	s.logger.ErrorContext(ctx, "batch failed",
		slog.String("batch_id", b.ID),
		slog.Int("legs", len(b.Legs)),
		slog.String("error", cause.Error()),
	)

	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, notify.EventBatchFailed,
			"Batch settlement failed",
			fmt.Sprintf("batch %s (%d legs): %v", b.ID, len(b.Legs), cause),
		)
	}
	return cause
}
