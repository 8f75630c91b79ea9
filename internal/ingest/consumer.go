// Package ingest reads trade records from the durable log as a consumer-group
// member, suppresses duplicates, and feeds the accumulation buffer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearmesh/settler/internal/domain"
)

// Recorder receives ingestion counters. Implemented by batch.Metrics.
type Recorder interface {
	RecordIngested(n int)
	RecordDuplicate()
	RecordMalformed()
}

// Consumer reads the next available trade records from the durable log,
// deduplicates them, and hands fresh events to the accumulation buffer via
// the absorb callback. Records are acknowledged only after absorb returns,
// so a crash loses at most the unacknowledged window and the log redelivers
// it. Duplicates and malformed records are acknowledged immediately: the
// former are already represented in the output, the latter would otherwise
// poison the group.
type Consumer struct {
	log     domain.TradeLog
	dedup   *Dedup
	absorb  func(events []domain.TradeEvent)
	metrics Recorder
	count   int
	logger  *slog.Logger
}

// NewConsumer creates a Consumer reading up to count records per cycle.
func NewConsumer(
	log domain.TradeLog,
	dedup *Dedup,
	absorb func(events []domain.TradeEvent),
	metrics Recorder,
	count int,
	logger *slog.Logger,
) *Consumer {
	return &Consumer{
		log:     log,
		dedup:   dedup,
		absorb:  absorb,
		metrics: metrics,
		count:   count,
		logger:  logger.With(slog.String("component", "consumer")),
	}
}

// Cycle performs one ingestion cycle: a blocking read bounded by block, then
// parse, dedup, absorb, and acknowledge. It returns the number of fresh
// events absorbed. A quiet stream returns (0, nil) once block elapses so the
// caller can re-check batch triggers.
func (c *Consumer) Cycle(ctx context.Context, block time.Duration) (int, error) {
	records, err := c.log.ReadGroup(ctx, c.count, block)
	if err != nil {
		return 0, fmt.Errorf("ingest: read: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	events := make([]domain.TradeEvent, 0, len(records))
	ids := make([]string, 0, len(records))

	for _, rec := range records {
		ids = append(ids, rec.ID)

		event, err := parseTrade(rec.Payload)
		if err != nil {
			// Malformed records are counted and dropped, and still
			// acknowledged below so they cannot stall the group.
			c.metrics.RecordMalformed()
			c.logger.WarnContext(ctx, "dropping malformed trade record",
				slog.String("record_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if c.dedup.Seen(event.TradeID, Hash(rec.Payload)) {
			c.metrics.RecordDuplicate()
			c.logger.DebugContext(ctx, "dropping duplicate trade",
				slog.String("trade_id", event.TradeID),
				slog.String("record_id", rec.ID),
			)
			continue
		}

		events = append(events, event)
	}

	// Hand fresh events to the buffer before acknowledging anything. The
	// absorb callback is the single buffer mutation point for this loop.
	if len(events) > 0 {
		c.absorb(events)
		c.metrics.RecordIngested(len(events))
	}

	if err := c.log.Ack(ctx, ids...); err != nil {
		// The events are already buffered; the unacked records will be
		// redelivered and then absorbed by the dedup filter.
		return len(events), fmt.Errorf("ingest: ack: %w", err)
	}

	return len(events), nil
}

// parseTrade decodes and validates a raw log payload.
func parseTrade(payload []byte) (domain.TradeEvent, error) {
	var event domain.TradeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.TradeEvent{}, fmt.Errorf("decode: %w", err)
	}
	if err := event.Validate(); err != nil {
		return domain.TradeEvent{}, err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	return event, nil
}
