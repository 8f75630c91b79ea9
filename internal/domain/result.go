package domain

import "time"

// SubmissionResult is the durable record of what happened to a batch. It is
// written at most once per terminal status transition, keyed by BatchID, and
// retained indefinitely for audit. Legs are stored alongside the outcome so
// a failed batch can be resubmitted or split without re-netting.
type SubmissionResult struct {
	BatchID       string      `json:"batch_id"`
	ParentID      string      `json:"parent_id,omitempty"`
	Status        BatchStatus `json:"status"`
	SinkReference string      `json:"sink_reference,omitempty"`
	SinkSequence  uint64      `json:"sink_sequence,omitempty"`
	Legs          []Leg       `json:"legs"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	ConfirmedAt   *time.Time  `json:"confirmed_at,omitempty"`
	LatencyMs     int64       `json:"latency_ms"`
	Error         string      `json:"error,omitempty"`
}

// DeadLetter records a failed batch that recovery declined to resubmit.
// Dead-lettered batches require operator attention; they are never retried
// automatically.
type DeadLetter struct {
	BatchID   string    `json:"batch_id"`
	Reason    string    `json:"reason"`
	LegCount  int       `json:"leg_count"`
	CreatedAt time.Time `json:"created_at"`
}

// SinkReceipt is the sink's acknowledgement of a durably applied batch.
type SinkReceipt struct {
	Reference string // transaction hash or synthetic reference
	Sequence  uint64 // confirmed block number or sequence
}
