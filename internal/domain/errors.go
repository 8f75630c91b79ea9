package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrMissingTradeID     = errors.New("trade id is required")
	ErrMissingParty       = errors.New("buyer and seller are required")
	ErrMissingToken       = errors.New("base and quote tokens are required")
	ErrNonPositiveAmount  = errors.New("amounts must be positive")
	ErrBatchNotClosed     = errors.New("batch is not closed")
	ErrSubmissionInFlight = errors.New("submission already in flight for batch")
	ErrSinkRejected       = errors.New("sink rejected batch")
	ErrUnknownOutcome     = errors.New("submission outcome unknown")
	ErrNotRecoverable     = errors.New("batch is not in a recoverable state")
)
