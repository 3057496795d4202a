// Package rollover computes the transition from one vault round to the next.
// The computation is a pure function over the current round state and the
// externally-reported balance: callers persist the result, the engine never
// mutates anything. This keeps every fee and pricing decision checkable in
// one place and lets previewNextRoundBalances share the exact same math.
package rollover

import (
	"epochvault/internal/fees"
	"epochvault/internal/fixedpoint"
)

// State is the slice of round state the rollover math reads.
type State struct {
	Round            uint64
	FirstRound       uint64
	LastLockedAmount int64
	TotalPending     int64
}

// Params carries the round-close inputs supplied by collaborators.
type Params struct {
	Decimals fixedpoint.DecimalConfig

	// TotalBalance is the externally-reported mark of all pooled capital,
	// idle plus strategy-deployed.
	TotalBalance int64

	// TotalShareSupply is the current total share supply.
	TotalShareSupply int64

	// LastQueuedWithdrawAmount is the asset value already set aside for
	// withdrawals queued in rounds before the one now closing.
	LastQueuedWithdrawAmount int64

	// CurrentQueuedWithdrawShares are shares queued specifically in the
	// round now closing; they are priced at the new round's price.
	CurrentQueuedWithdrawShares int64

	// OutstandingQueuedShares are shares queued in rounds before the one
	// now closing (already covered by LastQueuedWithdrawAmount).
	OutstandingQueuedShares int64

	PerformanceRate int64 // scaled by fees.RateScale
	ManagementRate  int64 // annualized, scaled by fees.RateScale
	EpochsPerYear   int64
	EpochsElapsed   int64
}

// Result is the ephemeral outcome of closing a round.
type Result struct {
	NewLockedAmount      int64
	QueuedWithdrawAmount int64
	NewPricePerShare     int64
	PerformanceFee       int64
	ManagementFee        int64
	TotalFee             int64
}

// Rollover closes the round described by state against the reported balance.
//
// Previously-queued withdrawals are excluded from the fee base: that capital
// is already earmarked to leave and must not be charged again. The new price
// is computed over the shares and value that remain in circulation after
// honoring prior withdrawal obligations, so withdrawals queued in the closing
// round cannot distort the price everyone else receives.
func Rollover(state State, params Params) (Result, error) {
	mgmtRate := fees.EffectiveManagementRate(params.ManagementRate, params.EpochsPerYear, params.EpochsElapsed)

	// On the very first round the whole balance is fresh pending capital
	// that was never at risk; use it as the base so the performance fee is
	// zero and the management fee only touches genuinely-at-risk capital.
	var balanceForFees int64
	if state.Round == state.FirstRound {
		balanceForFees = state.TotalPending
	} else {
		b, err := fixedpoint.CheckedSub(params.TotalBalance, params.LastQueuedWithdrawAmount)
		if err != nil {
			return Result{}, err
		}
		balanceForFees = b
	}

	breakdown, err := fees.Compute(balanceForFees, state.LastLockedAmount, state.TotalPending, params.PerformanceRate, mgmtRate)
	if err != nil {
		return Result{}, err
	}

	balanceAfterFee, err := fixedpoint.CheckedSub(params.TotalBalance, breakdown.TotalFee)
	if err != nil {
		return Result{}, err
	}

	circulatingShares, err := fixedpoint.CheckedSub(params.TotalShareSupply, params.OutstandingQueuedShares)
	if err != nil {
		return Result{}, err
	}
	circulatingValue, err := fixedpoint.CheckedSub(balanceAfterFee, params.LastQueuedWithdrawAmount)
	if err != nil {
		return Result{}, err
	}

	newPrice, err := fixedpoint.PricePerShare(circulatingShares, circulatingValue, params.Decimals)
	if err != nil {
		return Result{}, err
	}

	// Finalizing a zero price while shares are still circulating would make
	// every later conversion against this round fail. Reject the close; the
	// collaborator can re-report a corrected mark.
	if newPrice == 0 && circulatingShares > 0 {
		return Result{}, fixedpoint.ErrInvalidPrice
	}

	// Withdrawals queued in the closing round are priced at the new price,
	// then added to the running set-aside total.
	newlyQueued, err := fixedpoint.SharesToAsset(params.CurrentQueuedWithdrawShares, newPrice, params.Decimals)
	if err != nil {
		return Result{}, err
	}
	queuedWithdrawAmount, err := fixedpoint.CheckedAdd(params.LastQueuedWithdrawAmount, newlyQueued)
	if err != nil {
		return Result{}, err
	}

	newLockedAmount, err := fixedpoint.CheckedSub(balanceAfterFee, queuedWithdrawAmount)
	if err != nil {
		return Result{}, err
	}

	return Result{
		NewLockedAmount:      newLockedAmount,
		QueuedWithdrawAmount: queuedWithdrawAmount,
		NewPricePerShare:     newPrice,
		PerformanceFee:       breakdown.PerformanceFee,
		ManagementFee:        breakdown.ManagementFee,
		TotalFee:             breakdown.TotalFee,
	}, nil
}
