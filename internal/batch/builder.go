// Package batch owns the accumulation window: the batch being built, the
// trigger policy that closes it, and the live pipeline metrics.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearmesh/settler/internal/domain"
)

// batchBaseGas is the fixed cost-estimate overhead of a submission before
// any legs are added.
const batchBaseGas uint64 = 100_000

// TriggerReason names the condition that closed a window.
type TriggerReason string

const (
	TriggerSize TriggerReason = "size"
	TriggerTime TriggerReason = "time"
	TriggerCost TriggerReason = "cost"
)

// Config holds the trigger policy for the Builder.
type Config struct {
	MaxLegs       int
	TimeWindow    time.Duration
	CostCeiling   uint64
	GasPerLeg     uint64
	HighWaterLegs int
}

// Builder maintains the open accumulation window. Every newly netted leg is
// appended to the current batch; CheckTriggers closes the batch the instant
// the size, time, or cost condition holds. One mutex guards all window
// state, giving the at-most-one-mutator discipline the buffer requires: the
// ingestion loop appends, the trigger check closes, never concurrently.
type Builder struct {
	mu       sync.Mutex
	cur      *domain.Batch
	openedAt time.Time
	carry    []domain.Leg // excess legs from a truncated close, head of the next window

	cfg    Config
	logger *slog.Logger
}

// NewBuilder creates a Builder with an open, empty window.
func NewBuilder(cfg Config, logger *slog.Logger) *Builder {
	b := &Builder{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "builder")),
	}
	b.openWindow(time.Now())
	return b
}

// openWindow starts a fresh batch seeded with any carried-over legs.
// Caller holds b.mu (or is the constructor).
func (b *Builder) openWindow(now time.Time) {
	legs := b.carry
	b.carry = nil
	if legs == nil {
		legs = make([]domain.Leg, 0, b.cfg.MaxLegs)
	}
	// Carried legs keep their token/parties/amount but are renonced so
	// nonces stay unique within the new batch.
	for i := range legs {
		legs[i].Nonce = uint64(i)
	}
	b.cur = &domain.Batch{
		ID:        uuid.NewString(),
		Legs:      legs,
		CreatedAt: now,
		Status:    domain.BatchOpen,
	}
	b.openedAt = now
}

// Append adds netted legs to the open window.
func (b *Builder) Append(legs []domain.Leg) {
	if len(legs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Legs = append(b.cur.Legs, legs...)
}

// NextNonce returns the nonce the next appended leg should carry to stay
// unique within the open batch.
func (b *Builder) NextNonce() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.cur.Legs))
}

// estimateGas is the execution-cost estimate for n legs.
func (b *Builder) estimateGas(n int) uint64 {
	return batchBaseGas + b.cfg.GasPerLeg*uint64(n)
}

// CheckTriggers evaluates the three close conditions and, if any holds,
// closes the current window and returns the closed batch; otherwise it
// returns nil. On close the batch is truncated to MaxLegs (excess legs carry
// over unmodified into the next window) and a fresh window opens
// immediately, so ingestion is never blocked by submission.
func (b *Builder) CheckTriggers(now time.Time) *domain.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.cur.Legs)

	var reason TriggerReason
	switch {
	case n >= b.cfg.MaxLegs:
		reason = TriggerSize
	case n > 0 && now.Sub(b.openedAt) >= b.cfg.TimeWindow:
		reason = TriggerTime
	case b.estimateGas(n) >= b.cfg.CostCeiling && n > 0:
		reason = TriggerCost
	default:
		return nil
	}

	closed := b.cur
	if n > b.cfg.MaxLegs {
		b.carry = closed.Legs[b.cfg.MaxLegs:]
		closed.Legs = closed.Legs[:b.cfg.MaxLegs]
	}
	closed.Status = domain.BatchClosed

	b.openWindow(now)

	b.logger.Info("window closed",
		slog.String("batch_id", closed.ID),
		slog.String("trigger", string(reason)),
		slog.Int("legs", len(closed.Legs)),
		slog.Int("carry", len(b.cur.Legs)),
	)
	return closed
}

// PendingLegs returns the number of buffered-but-unbatched legs (the open
// window plus carry-over).
func (b *Builder) PendingLegs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cur.Legs) + len(b.carry)
}

// Backpressure reports whether pending legs exceed the high-water mark.
// Upstream admission control observes this to slow ingestion.
func (b *Builder) Backpressure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cur.Legs)+len(b.carry) > b.cfg.HighWaterLegs
}

// WindowAge returns how long the current window has been open.
func (b *Builder) WindowAge(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.openedAt)
}
