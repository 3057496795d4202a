package rollover_test

import (
	"errors"
	"testing"

	"epochvault/internal/fees"
	"epochvault/internal/fixedpoint"
	"epochvault/internal/rollover"
)

var cfg6 = fixedpoint.NewDecimalConfig(6)

// 10% performance, 2% per-epoch management (annual rate over one epoch/year
// so the effective rate is exactly the configured one).
func params(totalBalance, shares int64) rollover.Params {
	return rollover.Params{
		Decimals:         cfg6,
		TotalBalance:     totalBalance,
		TotalShareSupply: shares,
		PerformanceRate:  10 * fees.RateScale,
		ManagementRate:   2 * fees.RateScale,
		EpochsPerYear:    1,
		EpochsElapsed:    1,
	}
}

func TestRollover_ProfitRoundRaisesPrice(t *testing.T) {
	state := rollover.State{
		Round:            2,
		FirstRound:       1,
		LastLockedAmount: 1_000_000,
		TotalPending:     0,
	}

	res, err := rollover.Rollover(state, params(1_100_000, 1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.PerformanceFee != 10_000 {
		t.Errorf("performance fee: got %d, want 10_000", res.PerformanceFee)
	}
	if res.ManagementFee != 22_000 {
		t.Errorf("management fee: got %d, want 22_000", res.ManagementFee)
	}
	if res.TotalFee != 32_000 {
		t.Errorf("total fee: got %d, want 32_000", res.TotalFee)
	}

	// (1_100_000 - 32_000) * 10^6 / 1_000_000 shares.
	if res.NewPricePerShare != 1_068_000 {
		t.Errorf("price: got %d, want 1_068_000", res.NewPricePerShare)
	}
	if res.NewPricePerShare <= cfg6.Scale {
		t.Errorf("profit round must raise price above parity, got %d", res.NewPricePerShare)
	}
	if res.NewLockedAmount != 1_068_000 {
		t.Errorf("locked: got %d, want 1_068_000", res.NewLockedAmount)
	}
}

func TestRollover_FirstRoundChargesNoPerformanceFee(t *testing.T) {
	state := rollover.State{
		Round:            1,
		FirstRound:       1,
		LastLockedAmount: 0,
		TotalPending:     1_000_000,
	}

	for _, totalBalance := range []int64{1_000_000, 1_500_000, 9_999_999} {
		res, err := rollover.Rollover(state, params(totalBalance, 1_000_000))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.PerformanceFee != 0 {
			t.Errorf("totalBalance=%d: performance fee got %d, want 0", totalBalance, res.PerformanceFee)
		}
		if res.ManagementFee != 0 {
			t.Errorf("totalBalance=%d: management fee got %d, want 0 (all capital pending)", totalBalance, res.ManagementFee)
		}
	}
}

func TestRollover_PreviouslyQueuedExcludedFromFeeBase(t *testing.T) {
	// 200_000 of the pool is already set aside for withdrawals priced in
	// earlier rounds; fees must not touch it, and it stays out of the
	// circulating price.
	state := rollover.State{
		Round:            3,
		FirstRound:       1,
		LastLockedAmount: 800_000,
		TotalPending:     0,
	}
	p := params(1_100_000, 1_000_000)
	p.LastQueuedWithdrawAmount = 200_000
	p.OutstandingQueuedShares = 200_000

	res, err := rollover.Rollover(state, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fee base is 900_000: profit 100_000 over the 800_000 baseline.
	if res.PerformanceFee != 10_000 {
		t.Errorf("performance fee: got %d, want 10_000", res.PerformanceFee)
	}
	if res.ManagementFee != 18_000 {
		t.Errorf("management fee: got %d, want 18_000", res.ManagementFee)
	}

	// Price over circulating shares/value only:
	// (1_100_000 - 28_000 - 200_000) * 10^6 / (1_000_000 - 200_000).
	if res.NewPricePerShare != 1_090_000 {
		t.Errorf("price: got %d, want 1_090_000", res.NewPricePerShare)
	}

	// Nothing newly queued, so the set-aside carries through unchanged.
	if res.QueuedWithdrawAmount != 200_000 {
		t.Errorf("queued amount: got %d, want 200_000", res.QueuedWithdrawAmount)
	}
	if res.NewLockedAmount != 872_000 {
		t.Errorf("locked: got %d, want 872_000", res.NewLockedAmount)
	}
}

func TestRollover_NewlyQueuedPricedAtNewPrice(t *testing.T) {
	state := rollover.State{
		Round:            2,
		FirstRound:       1,
		LastLockedAmount: 1_000_000,
		TotalPending:     0,
	}
	p := params(1_100_000, 1_000_000)
	p.CurrentQueuedWithdrawShares = 100_000

	res, err := rollover.Rollover(state, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shares queued in the closing round leave at the newly-set price,
	// and do not distort that price for everyone else.
	if res.NewPricePerShare != 1_068_000 {
		t.Errorf("price: got %d, want 1_068_000", res.NewPricePerShare)
	}
	want := int64(100_000) * 1_068_000 / 1_000_000
	if res.QueuedWithdrawAmount != want {
		t.Errorf("queued amount: got %d, want %d", res.QueuedWithdrawAmount, want)
	}
	if res.NewLockedAmount != 1_068_000-want {
		t.Errorf("locked: got %d, want %d", res.NewLockedAmount, 1_068_000-want)
	}
}

func TestRollover_ZeroPriceOverCirculatingSharesRejected(t *testing.T) {
	// A reported balance of zero while shares are still circulating would
	// finalize a price of zero and wedge every later conversion. The close
	// must fail instead so a corrected mark can be reported.
	state := rollover.State{
		Round:            2,
		FirstRound:       1,
		LastLockedAmount: 1_000_000,
		TotalPending:     0,
	}

	_, err := rollover.Rollover(state, params(0, 1_000_000))
	if !errors.Is(err, fixedpoint.ErrInvalidPrice) {
		t.Fatalf("error: got %v, want %v", err, fixedpoint.ErrInvalidPrice)
	}

	// With no shares outstanding a zero balance is a clean slate, not an
	// error: the price resets to parity.
	res, err := rollover.Rollover(state, params(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NewPricePerShare != cfg6.Scale {
		t.Errorf("price: got %d, want parity %d", res.NewPricePerShare, cfg6.Scale)
	}
}

func TestRollover_DelayedCloseBillsSkippedEpochs(t *testing.T) {
	state := rollover.State{
		Round:            2,
		FirstRound:       1,
		LastLockedAmount: 1_000_000,
		TotalPending:     0,
	}
	p := params(1_000_000, 1_000_000)
	p.EpochsElapsed = 3

	res, err := rollover.Rollover(state, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 2% per epoch, three epochs elapsed: 6% of 1_000_000.
	if res.ManagementFee != 60_000 {
		t.Errorf("management fee: got %d, want 60_000", res.ManagementFee)
	}
}
