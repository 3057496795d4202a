package vault

import "errors"

// Typed failures identify which invariant an operation violated. Every error
// aborts the whole operation: the vault never commits a partial mutation.
var (
	// ErrRoundNotClosed: a withdrawal's target round has no finalized price yet.
	ErrRoundNotClosed = errors.New("vault: round not closed")

	// ErrNothingQueued: the participant has no outstanding withdrawal request.
	ErrNothingQueued = errors.New("vault: nothing queued")

	// ErrWithdrawalConflict: a withdrawal for a different round is already
	// outstanding; it must be completed before queueing for a later round.
	ErrWithdrawalConflict = errors.New("vault: existing withdrawal for a different round")

	// ErrCapExceeded: the deposit would push the pool above its cap.
	ErrCapExceeded = errors.New("vault: deposit cap exceeded")

	// ErrBelowMinimum: the deposit is below the configured floor.
	ErrBelowMinimum = errors.New("vault: deposit below minimum")

	// ErrRoundMismatch: a close-of-round command targeted a round that is
	// not the currently open one (duplicate or stale trigger).
	ErrRoundMismatch = errors.New("vault: close targets a round that is not open")

	// ErrInsufficientShares: queueing more shares than the participant holds
	// unqueued.
	ErrInsufficientShares = errors.New("vault: insufficient unqueued shares")

	// ErrInvalidAmount: zero or negative asset amount or share count.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
)
