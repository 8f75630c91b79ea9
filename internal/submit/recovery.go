package submit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clearmesh/settler/internal/domain"
	"github.com/clearmesh/settler/internal/notify"
)

// RecoverAction is the operator- or policy-chosen remediation for a failed
// batch.
type RecoverAction string

const (
	// ActionResubmit submits the batch again, unchanged.
	ActionResubmit RecoverAction = "resubmit"
	// ActionSplit halves the batch into two child batches and submits both.
	ActionSplit RecoverAction = "split"
	// ActionDeadLetter routes the batch to the dead-letter store.
	ActionDeadLetter RecoverAction = "deadletter"
)

// Recover remediates a batch in failed status. It always queries sink-side
// state for the batch ID first: if the original call actually succeeded and
// only its acknowledgement was lost, the result is corrected to confirmed
// and no resubmission happens, avoiding a duplicate ledger effect.
func (s *Submitter) Recover(ctx context.Context, batchID string, action RecoverAction) (*domain.SubmissionResult, error) {
	res, err := s.results.Get(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("submit: recover %s: %w", batchID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("submit: recover %s: %w", batchID, domain.ErrNotFound)
	}
	if res.Status != domain.BatchFailed {
		return nil, fmt.Errorf("submit: recover %s in status %s: %w", batchID, res.Status, domain.ErrNotRecoverable)
	}

	settled, receipt, err := s.sink.IsSettled(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("submit: recover %s: query sink state: %w", batchID, err)
	}
	if settled {
		b := &domain.Batch{
			ID:       res.BatchID,
			ParentID: res.ParentID,
			Legs:     res.Legs,
			Status:   domain.BatchSubmitted,
		}
		if err := s.confirm(ctx, b, receipt, res.SubmittedAt, 0); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "recovery found batch already settled",
			slog.String("batch_id", batchID),
		)
		return s.results.Get(ctx, batchID)
	}

	switch action {
	case ActionResubmit:
		b := rebuild(res.BatchID, res.ParentID, res.Legs)
		if err := s.Submit(ctx, b); err != nil {
			return nil, err
		}
		return s.results.Get(ctx, batchID)

	case ActionSplit:
		return s.split(ctx, res)

	case ActionDeadLetter:
		return s.deadLetter(ctx, res, "operator routed to dead letter")

	default:
		return nil, fmt.Errorf("submit: recover %s: unknown action %q", batchID, action)
	}
}

// split halves a failed batch into two child batches, submits both, and
// dead-letters the parent so it is never resubmitted whole.
func (s *Submitter) split(ctx context.Context, res *domain.SubmissionResult) (*domain.SubmissionResult, error) {
	if len(res.Legs) < 2 {
		return nil, fmt.Errorf("submit: split %s with %d legs: %w",
			res.BatchID, len(res.Legs), domain.ErrNotRecoverable)
	}

	mid := len(res.Legs) / 2
	children := []*domain.Batch{
		rebuild(uuid.NewString(), res.BatchID, res.Legs[:mid]),
		rebuild(uuid.NewString(), res.BatchID, res.Legs[mid:]),
	}

	if _, err := s.deadLetter(ctx, res,
		fmt.Sprintf("split into %s and %s", children[0].ID, children[1].ID)); err != nil {
		return nil, err
	}

	for _, child := range children {
		if err := s.Submit(ctx, child); err != nil {
			s.logger.ErrorContext(ctx, "split child submission failed",
				slog.String("parent_id", res.BatchID),
				slog.String("batch_id", child.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.results.Get(ctx, res.BatchID)
}

// deadLetter records a failed batch as requiring operator attention.
func (s *Submitter) deadLetter(ctx context.Context, res *domain.SubmissionResult, reason string) (*domain.SubmissionResult, error) {
	dl := domain.DeadLetter{
		BatchID:   res.BatchID,
		Reason:    reason,
		LegCount:  len(res.Legs),
		CreatedAt: time.Now(),
	}
	if err := s.deadLetters.Insert(ctx, dl); err != nil {
		return nil, fmt.Errorf("submit: dead-letter %s: %w", res.BatchID, err)
	}

	s.logger.WarnContext(ctx, "batch dead-lettered",
		slog.String("batch_id", res.BatchID),
		slog.String("reason", reason),
	)
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, notify.EventBatchDeadLettered,
			"Batch dead-lettered",
			fmt.Sprintf("batch %s (%d legs): %s", res.BatchID, len(res.Legs), reason),
		)
	}
	return res, nil
}

// rebuild reconstructs a closed batch from stored legs. Nonces are restamped
// so they are unique within the rebuilt batch.
func rebuild(id, parentID string, legs []domain.Leg) *domain.Batch {
	out := make([]domain.Leg, len(legs))
	copy(out, legs)
	for i := range out {
		out[i].Nonce = uint64(i)
	}
	return &domain.Batch{
		ID:        id,
		ParentID:  parentID,
		Legs:      out,
		CreatedAt: time.Now(),
		Status:    domain.BatchClosed,
	}
}
