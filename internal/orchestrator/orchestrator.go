// Package orchestrator runs the settlement pipeline: the ingestion loop
// feeding the accumulation window, trigger checks after every cycle,
// asynchronous batch submission, dedup retention cleanup, and periodic audit
// archival.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clearmesh/settler/internal/batch"
	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/ingest"
	"github.com/clearmesh/settler/internal/netting"
	"github.com/clearmesh/settler/internal/submit"
)

// readBackoff is the pause after a trade-log read error before retrying.
// Transient log failures are never fatal to the pipeline.
const readBackoff = 500 * time.Millisecond

// Config holds the orchestrator loop intervals.
type Config struct {
	PollInterval    time.Duration
	IdleSleep       time.Duration
	DedupCleanup    time.Duration
	ArchiveInterval time.Duration
}

// Orchestrator owns the single accumulation buffer and the loops around it.
// The ingestion loop is the only goroutine that appends to and closes the
// window; submissions run asynchronously so a slow sink never blocks reads.
type Orchestrator struct {
	consumer  *ingest.Consumer
	builder   *batch.Builder
	engine    *netting.Engine
	submitter *submit.Submitter
	metrics   *batch.Metrics
	tradeLog  domain.TradeLog
	dedup     *ingest.Dedup
	archiver  domain.ResultArchiver // nil disables audit archival
	results   domain.ResultStore
	cfg       Config
	logger    *slog.Logger

	submissions sync.WaitGroup
}

// New wires an Orchestrator. The consumer is constructed here so its absorb
// callback closes over the builder and netting engine: netted legs enter the
// window through exactly one path.
func New(
	tradeLog domain.TradeLog,
	dedup *ingest.Dedup,
	builder *batch.Builder,
	engine *netting.Engine,
	submitter *submit.Submitter,
	metrics *batch.Metrics,
	results domain.ResultStore,
	archiver domain.ResultArchiver,
	readCount int,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		builder:   builder,
		engine:    engine,
		submitter: submitter,
		metrics:   metrics,
		tradeLog:  tradeLog,
		dedup:     dedup,
		archiver:  archiver,
		results:   results,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
	}

	o.consumer = ingest.NewConsumer(tradeLog, dedup, o.absorb, metrics, readCount, logger)
	return o
}

// absorb nets fresh trade events into legs and appends them to the open
// window. Called from the ingestion loop only.
func (o *Orchestrator) absorb(events []domain.TradeEvent) {
	legs := o.engine.Net(events, o.builder.NextNonce(), time.Now())
	o.builder.Append(legs)
}

// Run starts all loops and blocks until the context is cancelled. In-flight
// submissions are drained before Run returns so no closed batch is dropped
// without a recorded outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("settlement pipeline starting",
		slog.Duration("poll_interval", o.cfg.PollInterval),
		slog.Duration("dedup_cleanup", o.cfg.DedupCleanup),
		slog.Bool("archival", o.archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.ingestLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("ingest loop: %w", err)
	})

	g.Go(func() error {
		err := o.cleanupLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("dedup cleanup loop: %w", err)
	})

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiveLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archive loop: %w", err)
		})
	}

	err := g.Wait()
	o.submissions.Wait()

	if err != nil {
		o.logger.Error("settlement pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("settlement pipeline stopped cleanly")
	return nil
}

// ingestLoop is the pipeline heart: one blocking bounded read, then a
// trigger check, forever. The read blocks at most PollInterval, so a quiet
// trade stream still closes a window within timeWindow + pollInterval. When
// the backpressure signal is up the loop sleeps IdleSleep before reading,
// slowing admission while submissions catch up.
func (o *Orchestrator) ingestLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if o.builder.Backpressure() {
			o.logger.WarnContext(ctx, "backpressure raised, slowing ingestion",
				slog.Int("pending_legs", o.builder.PendingLegs()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.IdleSleep):
			}
		}

		if _, err := o.consumer.Cycle(ctx, o.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.ErrorContext(ctx, "ingestion cycle failed, backing off",
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readBackoff):
			}
		}

		// Trigger check after every cycle, including empty ones. A burst can
		// leave more than one full batch pending, so drain until the builder
		// has nothing left to close.
		for {
			closed := o.builder.CheckTriggers(time.Now())
			if closed == nil {
				break
			}
			o.dispatch(ctx, closed)
		}
	}
}

// dispatch hands a closed batch to the submitter on its own goroutine.
// Multiple submissions may be in flight; per-batch serialization lives in
// the submitter. The submission context is detached from the run context:
// the batch's trades are already acknowledged, so a shutdown must not abort
// the sink call or the terminal result write. Run waits on the submissions
// WaitGroup, and the sink call carries its own timeout.
func (o *Orchestrator) dispatch(ctx context.Context, b *domain.Batch) {
	o.submissions.Add(1)
	sctx := context.WithoutCancel(ctx)
	go func() {
		defer o.submissions.Done()
		if err := o.submitter.Submit(sctx, b); err != nil {
			// Terminal failures were already recorded and alerted by the
			// submitter; this guards against result-store write errors.
			o.logger.ErrorContext(sctx, "submission finished with error",
				slog.String("batch_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// cleanupLoop expires dedup entries past the retention horizon.
func (o *Orchestrator) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.DedupCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := o.dedup.Len()
			o.dedup.Cleanup()
			o.logger.DebugContext(ctx, "dedup cleanup",
				slog.Int("before", before),
				slog.Int("after", o.dedup.Len()),
			)
		}
	}
}

// archiveLoop periodically copies new terminal results to cold storage.
func (o *Orchestrator) archiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ArchiveInterval)
	defer ticker.Stop()

	cursor := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			results, err := o.results.ListTerminalSince(ctx, cursor, 10_000)
			if err != nil {
				o.logger.ErrorContext(ctx, "archive listing failed", slog.String("error", err.Error()))
				continue
			}
			if len(results) == 0 {
				continue
			}

			key, err := o.archiver.Archive(ctx, results)
			if err != nil {
				o.logger.ErrorContext(ctx, "archive upload failed", slog.String("error", err.Error()))
				continue
			}

			// Advance past the newest archived result; the list is ordered
			// oldest first.
			cursor = results[len(results)-1].SubmittedAt.Add(time.Nanosecond)
			o.logger.InfoContext(ctx, "archived terminal results",
				slog.Int("count", len(results)),
				slog.String("key", key),
			)
		}
	}
}

// Snapshot assembles the on-demand metrics view. Safe to call concurrently
// with pipeline activity.
func (o *Orchestrator) Snapshot(ctx context.Context) domain.MetricsSnapshot {
	lag, err := o.tradeLog.Lag(ctx)
	if err != nil {
		o.logger.DebugContext(ctx, "lag query failed", slog.String("error", err.Error()))
		lag = -1
	}
	return o.metrics.Snapshot(
		o.builder.PendingLegs(),
		o.builder.Backpressure(),
		lag,
		o.builder.WindowAge(time.Now()),
	)
}
