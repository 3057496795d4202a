package fees_test

import (
	"testing"

	"epochvault/internal/fees"
)

// 10% and 2%, scaled by RateScale.
const (
	perf10pct = 10 * fees.RateScale
	mgmt2pct  = 2 * fees.RateScale
)

func TestCompute_ProfitRound(t *testing.T) {
	// Base 1_100_000 against a 1_000_000 baseline: 100_000 profit.
	b, err := fees.Compute(1_100_000, 1_000_000, 0, perf10pct, mgmt2pct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.PerformanceFee != 10_000 {
		t.Errorf("performance fee: got %d, want 10_000", b.PerformanceFee)
	}
	if b.ManagementFee != 22_000 {
		t.Errorf("management fee: got %d, want 22_000", b.ManagementFee)
	}
	if b.TotalFee != 32_000 {
		t.Errorf("total fee: got %d, want 32_000", b.TotalFee)
	}
}

func TestCompute_LossRoundChargesNoPerformanceFee(t *testing.T) {
	cases := []struct {
		name       string
		balance    int64
		lastLocked int64
	}{
		{"loss", 900_000, 1_000_000},
		{"flat", 1_000_000, 1_000_000},
		{"zero balance", 0, 1_000_000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := fees.Compute(tc.balance, tc.lastLocked, 0, perf10pct, mgmt2pct)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.PerformanceFee != 0 {
				t.Errorf("performance fee: got %d, want 0", b.PerformanceFee)
			}
		})
	}
}

func TestCompute_PendingExcludedFromBase(t *testing.T) {
	// 500_000 of the balance is fresh deposits that were never at risk:
	// neither fee touches it.
	b, err := fees.Compute(1_600_000, 1_000_000, 500_000, perf10pct, mgmt2pct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.PerformanceFee != 10_000 {
		t.Errorf("performance fee: got %d, want 10_000", b.PerformanceFee)
	}
	if b.ManagementFee != 22_000 {
		t.Errorf("management fee: got %d, want 22_000", b.ManagementFee)
	}
}

func TestCompute_PendingExceedsBalance(t *testing.T) {
	// Base clamps at zero rather than going negative.
	b, err := fees.Compute(100_000, 0, 500_000, perf10pct, mgmt2pct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.PerformanceFee != 0 || b.ManagementFee != 0 || b.TotalFee != 0 {
		t.Errorf("fees on clamped base: got %+v, want all zero", b)
	}
}

func TestCompute_ManagementChargedOnLoss(t *testing.T) {
	b, err := fees.Compute(900_000, 1_000_000, 0, perf10pct, mgmt2pct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ManagementFee != 18_000 {
		t.Errorf("management fee: got %d, want 18_000", b.ManagementFee)
	}
	if b.TotalFee != 18_000 {
		t.Errorf("total fee: got %d, want 18_000", b.TotalFee)
	}
}

func TestEffectiveManagementRate(t *testing.T) {
	annual := 52 * fees.RateScale // 52% so one weekly epoch is exactly 1%

	if got := fees.EffectiveManagementRate(annual, 52, 1); got != fees.RateScale {
		t.Errorf("one epoch: got %d, want %d", got, fees.RateScale)
	}

	// Delayed rollover bills every skipped epoch.
	if got := fees.EffectiveManagementRate(annual, 52, 3); got != 3*fees.RateScale {
		t.Errorf("three epochs: got %d, want %d", got, 3*fees.RateScale)
	}

	// Floored to one epoch: an early close never bills zero.
	if got := fees.EffectiveManagementRate(annual, 52, 0); got != fees.RateScale {
		t.Errorf("zero epochs: got %d, want %d", got, fees.RateScale)
	}

	if got := fees.EffectiveManagementRate(annual, 0, 1); got != 0 {
		t.Errorf("zero epochs per year: got %d, want 0", got)
	}
}
