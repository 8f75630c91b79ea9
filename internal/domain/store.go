package domain

import (
	"context"
	"time"
)

// LogRecord is one raw entry read from the durable trade log. ID is the
// log-assigned record identifier used for acknowledgement; Payload is the
// JSON-encoded TradeEvent.
type LogRecord struct {
	ID      string
	Payload []byte
}

// TradeLog is the durable, at-least-once trade stream. Records are delivered
// to one active member of a consumer group and must be acknowledged
// explicitly; unacknowledged records are redelivered after a crash.
type TradeLog interface {
	// Append publishes a trade to the log (the enqueue API for matching
	// engines that bypass their own producer).
	Append(ctx context.Context, trade TradeEvent) error

	// ReadGroup blocks up to block for the next records addressed to this
	// consumer. It returns an empty slice, not an error, when the wait
	// elapses with nothing to deliver.
	ReadGroup(ctx context.Context, count int, block time.Duration) ([]LogRecord, error)

	// Ack marks records as processed for the consumer group.
	Ack(ctx context.Context, ids ...string) error

	// Lag returns the number of records available to the group but not yet
	// acknowledged.
	Lag(ctx context.Context) (int64, error)
}

// ResultStore is the durable record of batch outcomes. Upsert is idempotent
// per (batch_id, terminal status): writing the same terminal outcome twice
// leaves exactly one record.
type ResultStore interface {
	Upsert(ctx context.Context, res SubmissionResult) error
	Get(ctx context.Context, batchID string) (*SubmissionResult, error)

	// ListTerminalSince returns terminal results whose submission time is at
	// or after since, oldest first. Used by the audit archiver.
	ListTerminalSince(ctx context.Context, since time.Time, limit int) ([]SubmissionResult, error)
}

// DeadLetterStore persists batches routed out of the automatic pipeline.
type DeadLetterStore interface {
	Insert(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// SettlementSink is the external ledger that durably applies a batch or fails
// atomically. Submit must be treated as idempotent on the sink side keyed by
// batch ID where the sink supports it; IsSettled exists so recovery can ask
// the sink before resubmitting a batch whose acknowledgement was lost.
type SettlementSink interface {
	Submit(ctx context.Context, batch *Batch) (SinkReceipt, error)
	IsSettled(ctx context.Context, batchID string) (bool, SinkReceipt, error)
	Name() string
}

// ResultArchiver writes terminal results to cold storage for audit.
type ResultArchiver interface {
	Archive(ctx context.Context, results []SubmissionResult) (string, error)
}
