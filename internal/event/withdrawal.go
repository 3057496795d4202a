package event

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawQueueRequested registers shares for withdrawal at a future
// round's finalized price.
type WithdrawQueueRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   string    `json:"account"`
	Shares    int64     `json:"shares"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *WithdrawQueueRequested) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawQueueRequested) CommandType() CommandType {
	return CommandTypeWithdrawQueueRequested
}

func (w *WithdrawQueueRequested) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawCompleteRequested completes the account's outstanding queued
// withdrawal once its target round has closed.
type WithdrawCompleteRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	Account   string    `json:"account"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *WithdrawCompleteRequested) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawCompleteRequested) CommandType() CommandType {
	return CommandTypeWithdrawCompleteRequested
}

func (w *WithdrawCompleteRequested) SourceSequence() int64 {
	return w.Sequence
}
