package query

import "time"

// RoundResponse represents a closed round for API queries.
type RoundResponse struct {
	Round                uint64    `json:"round"`
	PricePerShare        int64     `json:"price_per_share"`
	TotalBalance         int64     `json:"total_balance"`
	LockedAmount         int64     `json:"locked_amount"`
	QueuedWithdrawAmount int64     `json:"queued_withdraw_amount"`
	PendingAtClose       int64     `json:"pending_at_close"`
	PerformanceFee       int64     `json:"performance_fee"`
	ManagementFee        int64     `json:"management_fee"`
	TotalFee             int64     `json:"total_fee"`
	EpochsElapsed        int64     `json:"epochs_elapsed"`
	ClosedAt             time.Time `json:"closed_at"`
	AsOfSequence         int64     `json:"as_of_sequence"`
}

// PriceResponse represents a finalized per-round share price.
type PriceResponse struct {
	Round        uint64 `json:"round"`
	Price        int64  `json:"price"`
	Finalized    bool   `json:"finalized"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// WithdrawalResponse represents an open withdrawal request for API queries.
type WithdrawalResponse struct {
	Account      string `json:"account"`
	Round        uint64 `json:"round"`
	Shares       int64  `json:"shares"`
	Claimable    bool   `json:"claimable"` // target round closed, price finalized
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OperationHistoryEntry represents an applied command for API queries.
type OperationHistoryEntry struct {
	Sequence       int64     `json:"sequence"`
	CommandType    string    `json:"command_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload"`
	Result         []byte    `json:"result"`
	Timestamp      time.Time `json:"timestamp"`
	SourceSequence int64     `json:"source_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool     `json:"is_healthy"`
	RoundGaps          []uint64 `json:"round_gaps,omitempty"`
	MissingPriceRounds []uint64 `json:"missing_price_rounds,omitempty"`
	NegativeLockRounds []uint64 `json:"negative_lock_rounds,omitempty"`
}
