package vault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"epochvault/internal/fees"
	"epochvault/internal/fixedpoint"
	"epochvault/internal/vault"
)

// ============================================================================
// Test helpers
// ============================================================================

type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingTransferor struct {
	calls []transferCall
	err   error
}

type transferCall struct {
	To     string
	Amount int64
}

func (rt *recordingTransferor) Transfer(_ context.Context, to string, amount int64) error {
	if rt.err != nil {
		return rt.err
	}
	rt.calls = append(rt.calls, transferCall{To: to, Amount: amount})
	return nil
}

type failingStore struct {
	err error
}

func (fs *failingStore) CommitRoundClose(_ context.Context, _ vault.RoundRecord, _ *vault.Snapshot) error {
	return fs.err
}

func testConfig() vault.Config {
	return vault.Config{
		Decimals:      fixedpoint.NewDecimalConfig(6),
		InitialRound:  1,
		EpochsPerYear: 52,
		EpochDuration: 7 * 24 * time.Hour,
		FeeRecipient:  "acct-treasury",
	}
}

func newTestVault(cfg vault.Config, clock *testClock, opts ...vault.Option) *vault.Vault {
	opts = append([]vault.Option{vault.WithClock(clock.Now)}, opts...)
	return vault.New(cfg, zerolog.Nop(), opts...)
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_MintsAtParity(t *testing.T) {
	v := newTestVault(testConfig(), newTestClock())

	shares, err := v.Deposit("acct-alice", 1_000_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares != 1_000_000 {
		t.Errorf("shares: got %d, want 1_000_000", shares)
	}
	if v.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("balance: got %d, want 1_000_000", v.ShareBalance("acct-alice"))
	}
	if v.State().TotalPending != 1_000_000 {
		t.Errorf("pending: got %d, want 1_000_000", v.State().TotalPending)
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	v := newTestVault(testConfig(), newTestClock())

	if _, err := v.Deposit("acct-alice", 0); err != vault.ErrInvalidAmount {
		t.Errorf("zero: got %v, want ErrInvalidAmount", err)
	}
	if _, err := v.Deposit("acct-alice", -5); err != vault.ErrInvalidAmount {
		t.Errorf("negative: got %v, want ErrInvalidAmount", err)
	}
}

func TestDeposit_BelowMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.MinDeposit = 100_000
	v := newTestVault(cfg, newTestClock())

	if _, err := v.Deposit("acct-alice", 99_999); err != vault.ErrBelowMinimum {
		t.Errorf("got %v, want ErrBelowMinimum", err)
	}
	if _, err := v.Deposit("acct-alice", 100_000); err != nil {
		t.Errorf("at minimum: got %v, want nil", err)
	}
}

func TestDeposit_CapExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Cap = 1_500_000
	v := newTestVault(cfg, newTestClock())

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if _, err := v.Deposit("acct-bob", 600_000); err != vault.ErrCapExceeded {
		t.Errorf("got %v, want ErrCapExceeded", err)
	}
	// A rejected deposit mutates nothing.
	if v.State().TotalPending != 1_000_000 {
		t.Errorf("pending after rejection: got %d, want 1_000_000", v.State().TotalPending)
	}
	if v.ShareBalance("acct-bob") != 0 {
		t.Errorf("bob balance after rejection: got %d, want 0", v.ShareBalance("acct-bob"))
	}
}

// ============================================================================
// Test: CloseRound
// ============================================================================

func TestCloseRound_AdvancesByOneAndResetsPending(t *testing.T) {
	clock := newTestClock()
	v := newTestVault(testConfig(), clock)
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	res, err := v.CloseRound(ctx, 1, 1_000_000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	st := v.State()
	if st.Round != 2 {
		t.Errorf("round: got %d, want 2", st.Round)
	}
	if st.TotalPending != 0 {
		t.Errorf("pending after close: got %d, want 0", st.TotalPending)
	}
	if st.LockedAmount != res.NewLockedAmount {
		t.Errorf("locked: got %d, want %d", st.LockedAmount, res.NewLockedAmount)
	}

	price, ok := v.PriceForRound(1)
	if !ok {
		t.Fatal("round 1 should have a finalized price")
	}
	if price != 1_000_000 {
		t.Errorf("price: got %d, want 1_000_000 (parity)", price)
	}
}

func TestCloseRound_RoundMismatchRejected(t *testing.T) {
	v := newTestVault(testConfig(), newTestClock())
	ctx := context.Background()

	if _, err := v.CloseRound(ctx, 2, 1_000_000); err != vault.ErrRoundMismatch {
		t.Errorf("future round: got %v, want ErrRoundMismatch", err)
	}

	if _, err := v.CloseRound(ctx, 1, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Re-closing the same round is a duplicate trigger.
	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != vault.ErrRoundMismatch {
		t.Errorf("duplicate close: got %v, want ErrRoundMismatch", err)
	}
}

func TestCloseRound_NegativeBalanceRejected(t *testing.T) {
	v := newTestVault(testConfig(), newTestClock())

	if _, err := v.CloseRound(context.Background(), 1, -1); err != fixedpoint.ErrNegative {
		t.Errorf("got %v, want ErrNegative", err)
	}
}

func TestCloseRound_ZeroBalanceWithSharesOutstandingRejected(t *testing.T) {
	clock := newTestClock()
	v := newTestVault(testConfig(), clock)
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Closing at a reported balance of zero would finalize a price of zero
	// and make every conversion against this round fail from then on.
	if _, err := v.CloseRound(ctx, 1, 0); !errors.Is(err, fixedpoint.ErrInvalidPrice) {
		t.Fatalf("got %v, want ErrInvalidPrice", err)
	}

	// The close did not happen: round still open, no price finalized, and
	// the vault accepts a corrected mark.
	st := v.State()
	if st.Round != 1 {
		t.Errorf("round: got %d, want 1", st.Round)
	}
	if _, ok := v.PriceForRound(1); ok {
		t.Error("round 1 must not have a price after a rejected close")
	}

	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != nil {
		t.Fatalf("corrected close: %v", err)
	}
	if price, _ := v.PriceForRound(1); price != 1_000_000 {
		t.Errorf("price: got %d, want 1_000_000 (parity)", price)
	}
}

func TestCloseRound_StoreFailureAbortsWholeOperation(t *testing.T) {
	clock := newTestClock()
	commitErr := errors.New("postgres down")
	v := newTestVault(testConfig(), clock, vault.WithStore(&failingStore{err: commitErr}))
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := v.CloseRound(ctx, 1, 1_000_000); !errors.Is(err, commitErr) {
		t.Fatalf("got %v, want commit error", err)
	}

	// Nothing committed: round still open, pending intact, no price.
	st := v.State()
	if st.Round != 1 {
		t.Errorf("round: got %d, want 1", st.Round)
	}
	if st.TotalPending != 1_000_000 {
		t.Errorf("pending: got %d, want 1_000_000", st.TotalPending)
	}
	if _, ok := v.PriceForRound(1); ok {
		t.Error("round 1 must not have a price after an aborted close")
	}
}

func TestCloseRound_ProfitRoundFees(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.PerformanceRate = 10 * fees.RateScale
	v := newTestVault(cfg, clock)
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// First round: all capital pending, zero fees.
	res, err := v.CloseRound(ctx, 1, 1_000_000)
	if err != nil {
		t.Fatalf("close round 1: %v", err)
	}
	if res.TotalFee != 0 {
		t.Errorf("first-round fee: got %d, want 0", res.TotalFee)
	}

	// Second round closes with 10% profit.
	clock.Advance(7 * 24 * time.Hour)
	res, err = v.CloseRound(ctx, 2, 1_100_000)
	if err != nil {
		t.Fatalf("close round 2: %v", err)
	}
	if res.PerformanceFee != 10_000 {
		t.Errorf("performance fee: got %d, want 10_000", res.PerformanceFee)
	}
	if res.NewPricePerShare != 1_090_000 {
		t.Errorf("price: got %d, want 1_090_000", res.NewPricePerShare)
	}
}

// ============================================================================
// Test: withdrawal lifecycle
// ============================================================================

func TestWithdrawal_CompleteBeforeCloseFails(t *testing.T) {
	cfg := testConfig()
	cfg.WithdrawalFeeRate = 1 * fees.RateScale
	clock := newTestClock()
	transferor := &recordingTransferor{}
	v := newTestVault(cfg, clock, vault.WithTransferor(transferor))
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	round, queued, err := v.QueueWithdraw("acct-alice", 500_000)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if round != 1 || queued != 500_000 {
		t.Errorf("queue: got round=%d shares=%d, want 1/500_000", round, queued)
	}

	// The target round has no finalized price yet.
	if _, err := v.CompleteWithdraw(ctx, "acct-alice"); err != vault.ErrRoundNotClosed {
		t.Fatalf("early complete: got %v, want ErrRoundNotClosed", err)
	}

	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	paid, err := v.CompleteWithdraw(ctx, "acct-alice")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 500_000 shares at the round-1 parity price, minus the 1% fee.
	if paid != 495_000 {
		t.Errorf("paid: got %d, want 495_000", paid)
	}
	if len(transferor.calls) != 1 || transferor.calls[0].To != "acct-alice" || transferor.calls[0].Amount != 495_000 {
		t.Errorf("transfer calls: got %+v", transferor.calls)
	}
	if v.ShareBalance("acct-alice") != 500_000 {
		t.Errorf("remaining shares: got %d, want 500_000", v.ShareBalance("acct-alice"))
	}
	if v.TotalShares() != 500_000 {
		t.Errorf("supply: got %d, want 500_000", v.TotalShares())
	}

	// No second payout.
	if _, err := v.CompleteWithdraw(ctx, "acct-alice"); err != vault.ErrNothingQueued {
		t.Errorf("repeat complete: got %v, want ErrNothingQueued", err)
	}
}

func TestWithdrawal_SameRoundAccumulatesDifferentRoundConflicts(t *testing.T) {
	clock := newTestClock()
	v := newTestVault(testConfig(), clock)
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, _, err := v.QueueWithdraw("acct-alice", 100_000); err != nil {
		t.Fatalf("first queue: %v", err)
	}
	round, queued, err := v.QueueWithdraw("acct-alice", 200_000)
	if err != nil {
		t.Fatalf("second queue: %v", err)
	}
	if round != 1 || queued != 300_000 {
		t.Errorf("accumulated: got round=%d shares=%d, want 1/300_000", round, queued)
	}

	// Advance the round; the outstanding request now targets a closed
	// round, so a new request for the open round must be rejected.
	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := v.QueueWithdraw("acct-alice", 100_000); err != vault.ErrWithdrawalConflict {
		t.Errorf("conflicting queue: got %v, want ErrWithdrawalConflict", err)
	}
}

func TestWithdrawal_InsufficientUnqueuedShares(t *testing.T) {
	v := newTestVault(testConfig(), newTestClock())

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.QueueWithdraw("acct-alice", 900_000); err != nil {
		t.Fatalf("queue: %v", err)
	}
	// Only 100_000 unqueued shares remain.
	if _, _, err := v.QueueWithdraw("acct-alice", 200_000); err != vault.ErrInsufficientShares {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

func TestWithdrawal_LateWindowTargetsNextRound(t *testing.T) {
	cfg := testConfig()
	cfg.LateWithdrawalWindow = 24 * time.Hour
	clock := newTestClock()
	v := newTestVault(cfg, clock)

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Well before the window: targets the open round.
	round, _, err := v.QueueWithdraw("acct-alice", 100_000)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if round != 1 {
		t.Errorf("early queue: got round %d, want 1", round)
	}

	// Inside the final 24h of the epoch the rebalance is already underway,
	// so new exits roll to the next round. The outstanding round-1 request
	// makes that a conflict for this account.
	clock.Advance(7*24*time.Hour - 12*time.Hour)
	if _, _, err := v.QueueWithdraw("acct-alice", 100_000); err != vault.ErrWithdrawalConflict {
		t.Errorf("late queue with outstanding request: got %v, want ErrWithdrawalConflict", err)
	}

	if _, err := v.Deposit("acct-bob", 1_000_000); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}
	round, _, err = v.QueueWithdraw("acct-bob", 100_000)
	if err != nil {
		t.Fatalf("queue bob: %v", err)
	}
	if round != 2 {
		t.Errorf("late queue: got round %d, want 2", round)
	}
}

func TestWithdrawal_TransferFailureRevertsWhole(t *testing.T) {
	clock := newTestClock()
	transferor := &recordingTransferor{err: errors.New("transfer bridge down")}
	v := newTestVault(testConfig(), clock, vault.WithTransferor(transferor))
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.QueueWithdraw("acct-alice", 500_000); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := v.CompleteWithdraw(ctx, "acct-alice"); err == nil {
		t.Fatal("complete should fail when the transfer fails")
	}

	// Fully reverted: shares unburned, request still outstanding.
	if v.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("balance: got %d, want 1_000_000", v.ShareBalance("acct-alice"))
	}
	if v.TotalShares() != 1_000_000 {
		t.Errorf("supply: got %d, want 1_000_000", v.TotalShares())
	}
	w, ok := v.PendingWithdrawal("acct-alice")
	if !ok || w.Shares != 500_000 {
		t.Errorf("pending withdrawal: got %+v ok=%v, want 500_000 shares", w, ok)
	}

	// Retry after the bridge recovers.
	transferor.err = nil
	paid, err := v.CompleteWithdraw(ctx, "acct-alice")
	if err != nil {
		t.Fatalf("retry complete: %v", err)
	}
	if paid != 500_000 {
		t.Errorf("paid: got %d, want 500_000", paid)
	}
}

// ============================================================================
// Test: fee payout
// ============================================================================

func TestFeePayout_FailureAccruesAndRetries(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.PerformanceRate = 10 * fees.RateScale
	transferor := &recordingTransferor{err: errors.New("transfer bridge down")}
	v := newTestVault(cfg, clock, vault.WithTransferor(transferor))
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.CloseRound(ctx, 1, 1_000_000); err != nil {
		t.Fatalf("close round 1: %v", err)
	}

	clock.Advance(7 * 24 * time.Hour)
	res, err := v.CloseRound(ctx, 2, 1_100_000)
	if err != nil {
		t.Fatalf("close round 2: %v", err)
	}
	if res.TotalFee != 10_000 {
		t.Fatalf("total fee: got %d, want 10_000", res.TotalFee)
	}

	// The close committed despite the failed payout; the fee is retained.
	if v.State().Round != 3 {
		t.Errorf("round: got %d, want 3", v.State().Round)
	}
	if v.AccruedFees() != 10_000 {
		t.Errorf("accrued: got %d, want 10_000", v.AccruedFees())
	}

	transferor.err = nil
	if err := v.PayAccruedFees(ctx); err != nil {
		t.Fatalf("retry payout: %v", err)
	}
	if v.AccruedFees() != 0 {
		t.Errorf("accrued after retry: got %d, want 0", v.AccruedFees())
	}
	last := transferor.calls[len(transferor.calls)-1]
	if last.To != "acct-treasury" || last.Amount != 10_000 {
		t.Errorf("fee transfer: got %+v", last)
	}
}

// ============================================================================
// Test: preview
// ============================================================================

func TestPreviewNextRoundBalances_IdempotentAndNonMutating(t *testing.T) {
	clock := newTestClock()
	v := newTestVault(testConfig(), clock)

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.QueueWithdraw("acct-alice", 250_000); err != nil {
		t.Fatalf("queue: %v", err)
	}

	locked1, queued1, err := v.PreviewNextRoundBalances(1_000_000)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	locked2, queued2, err := v.PreviewNextRoundBalances(1_000_000)
	if err != nil {
		t.Fatalf("second preview: %v", err)
	}
	if locked1 != locked2 || queued1 != queued2 {
		t.Errorf("preview not idempotent: (%d,%d) vs (%d,%d)", locked1, queued1, locked2, queued2)
	}

	st := v.State()
	if st.Round != 1 || st.TotalPending != 1_000_000 {
		t.Errorf("preview mutated state: %+v", st)
	}

	// The preview matches what the close then actually commits.
	res, err := v.CloseRound(context.Background(), 1, 1_000_000)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.NewLockedAmount != locked1 || res.QueuedWithdrawAmount != queued1 {
		t.Errorf("close diverged from preview: got (%d,%d), want (%d,%d)",
			res.NewLockedAmount, res.QueuedWithdrawAmount, locked1, queued1)
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.PerformanceRate = 10 * fees.RateScale
	v := newTestVault(cfg, clock)
	ctx := context.Background()

	if _, err := v.Deposit("acct-alice", 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := v.Deposit("acct-bob", 500_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := v.QueueWithdraw("acct-bob", 200_000); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := v.CloseRound(ctx, 1, 1_500_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	snap := v.Snapshot()

	restored := newTestVault(cfg, clock)
	restored.Restore(snap)

	if restored.State() != v.State() {
		t.Errorf("state mismatch: got %+v, want %+v", restored.State(), v.State())
	}
	if restored.CurrentPrice() != v.CurrentPrice() {
		t.Errorf("price mismatch: got %d, want %d", restored.CurrentPrice(), v.CurrentPrice())
	}
	if restored.TotalShares() != v.TotalShares() {
		t.Errorf("supply mismatch: got %d, want %d", restored.TotalShares(), v.TotalShares())
	}
	if restored.ShareBalance("acct-alice") != v.ShareBalance("acct-alice") {
		t.Errorf("alice balance mismatch")
	}
	if restored.QueuedWithdrawAmount() != v.QueuedWithdrawAmount() {
		t.Errorf("queued amount mismatch: got %d, want %d",
			restored.QueuedWithdrawAmount(), v.QueuedWithdrawAmount())
	}
	w1, ok1 := v.PendingWithdrawal("acct-bob")
	w2, ok2 := restored.PendingWithdrawal("acct-bob")
	if ok1 != ok2 || w1 != w2 {
		t.Errorf("withdrawal mismatch: %+v vs %+v", w1, w2)
	}

	// Restored vault keeps operating identically.
	p1, priced1 := v.PriceForRound(1)
	p2, priced2 := restored.PriceForRound(1)
	if !priced1 || !priced2 || p1 != p2 {
		t.Errorf("round-1 price mismatch: (%d,%v) vs (%d,%v)", p1, priced1, p2, priced2)
	}
}
