package vault

import (
	"time"
)

// RoundState is the singleton round ledger. It is mutated only while the
// vault's lock is held, and only by close-of-round and the deposit/withdraw
// operations.
type RoundState struct {
	// Round is the currently open round index. Strictly increases by
	// exactly one per close-of-round.
	Round uint64

	// LockedAmount is the capital committed to the strategy this round.
	LockedAmount int64

	// LastLockedAmount is the round-start locked balance, used only as the
	// performance-fee baseline at the next close.
	LastLockedAmount int64

	// TotalPending is the sum of deposits made during the open round, not
	// yet priced. Reset to zero exactly once per close-of-round.
	TotalPending int64

	// QueuedWithdrawShares are shares queued for withdrawal in rounds that
	// have already closed (excludes the open round's requests).
	QueuedWithdrawShares int64

	EpochStart time.Time
	EpochEnd   time.Time
}

// Withdrawal is a participant's outstanding share-redemption request, bound
// to complete at its target round's finalized price. At most one outstanding
// record exists per participant.
type Withdrawal struct {
	Account string
	Round   uint64
	Shares  int64
}

// RoundRecord is the durable row written for a closed round.
type RoundRecord struct {
	Round                uint64
	PricePerShare        int64
	TotalBalance         int64
	LockedAmount         int64
	QueuedWithdrawAmount int64
	PendingAtClose       int64
	PerformanceFee       int64
	ManagementFee        int64
	TotalFee             int64
	EpochsElapsed        int64
	ClosedAt             time.Time
}

// Snapshot is the full serializable vault state, taken for recovery.
type Snapshot struct {
	State                RoundState        `json:"state"`
	CurrentPrice         int64             `json:"current_price"`
	Prices               map[uint64]int64  `json:"prices"`
	ShareBalances        map[string]int64  `json:"share_balances"`
	TotalShares          int64             `json:"total_shares"`
	Withdrawals          []Withdrawal      `json:"withdrawals"`
	QueuedSharesByRound  map[uint64]int64  `json:"queued_shares_by_round"`
	QueuedWithdrawAmount int64             `json:"queued_withdraw_amount"`
	AccruedFees          int64             `json:"accrued_fees"`
}
