package domain

import "time"

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchOpen      BatchStatus = "open"      // accumulating legs
	BatchClosed    BatchStatus = "closed"    // trigger fired, legs frozen
	BatchSubmitted BatchStatus = "submitted" // handed to the sink, outcome pending
	BatchConfirmed BatchStatus = "confirmed" // durably applied by the sink (terminal)
	BatchFailed    BatchStatus = "failed"    // rejected or unresolved (terminal)
)

// Terminal reports whether the status ends the batch lifecycle.
func (s BatchStatus) Terminal() bool {
	return s == BatchConfirmed || s == BatchFailed
}

// Batch is a bounded set of legs settled together in one atomic sink call.
// It is created empty when an accumulation window opens, gains legs as trades
// are netted in, and freezes the instant a trigger closes it. A failed batch
// may spawn child batches via split; ParentID links a child to its origin.
type Batch struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parent_id,omitempty"`
	Legs      []Leg       `json:"legs"`
	CreatedAt time.Time   `json:"created_at"`
	Status    BatchStatus `json:"status"`
}
