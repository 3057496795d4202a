package fees

import (
	"epochvault/internal/fixedpoint"
)

// Fee rates are percentages scaled by RateScale: 10% = 10 * RateScale.
const RateScale int64 = 1_000_000

// Breakdown is the fee split computed for one round.
type Breakdown struct {
	PerformanceFee int64
	ManagementFee  int64
	TotalFee       int64
}

// EffectiveManagementRate pro-rates an annualized management rate to the
// number of epochs actually elapsed since the last rollover. A delayed
// rollover bills for every skipped epoch; epochsElapsed is floored to 1 so
// an early close never bills zero.
func EffectiveManagementRate(annualRate int64, epochsPerYear, epochsElapsed int64) int64 {
	if epochsPerYear <= 0 {
		return 0
	}
	if epochsElapsed < 1 {
		epochsElapsed = 1
	}
	return annualRate * epochsElapsed / epochsPerYear
}

// Compute calculates performance and management fees for a round.
//
// The fee base excludes pendingAmount: deposits made during the round were
// never at risk, so they neither earn a performance fee nor carry a
// management charge. Performance fee is charged only on net profit above
// lastLockedAmount; a loss round charges zero (no clawback). Management fee
// is a straight pro-rata charge on the base regardless of profit or loss.
func Compute(currentBalance, lastLockedAmount, pendingAmount, performanceRate, managementRate int64) (Breakdown, error) {
	base := currentBalance - pendingAmount
	if base < 0 {
		base = 0
	}

	var perfFee int64
	if base > lastLockedAmount {
		profit := base - lastLockedAmount
		fee, err := fixedpoint.PctOf(profit, performanceRate, RateScale)
		if err != nil {
			return Breakdown{}, err
		}
		perfFee = fee
	}

	mgmtFee, err := fixedpoint.PctOf(base, managementRate, RateScale)
	if err != nil {
		return Breakdown{}, err
	}

	total, err := fixedpoint.CheckedAdd(perfFee, mgmtFee)
	if err != nil {
		return Breakdown{}, err
	}

	return Breakdown{
		PerformanceFee: perfFee,
		ManagementFee:  mgmtFee,
		TotalFee:       total,
	}, nil
}
