// Package vault implements the epoch-accounting core of a pooled-capital
// vault: a shared pool of deposited value tracked across discrete rounds,
// converted to and from proportional ownership shares, rolled over once per
// round with fees charged and the round's share price finalized.
package vault

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"epochvault/internal/fees"
	"epochvault/internal/fixedpoint"
	"epochvault/internal/rollover"
)

// Transferor moves asset value out of the pool (fee payment, withdrawal
// payout). Implementations guarantee full success or a reported failure,
// never a partial transfer.
type Transferor interface {
	Transfer(ctx context.Context, to string, amount int64) error
}

// Store durably commits the bookkeeping of a closed round in one atomic
// multi-field write. The commit must succeed before any fee transfer is
// attempted.
type Store interface {
	CommitRoundClose(ctx context.Context, rec RoundRecord, snap *Snapshot) error
}

// Config carries the externally-configured vault parameters. Fee rates are
// set by the operator, never derived by the core.
type Config struct {
	Decimals             fixedpoint.DecimalConfig
	InitialRound         uint64
	PerformanceRate      int64 // scaled by fees.RateScale
	ManagementRate       int64 // annualized, scaled by fees.RateScale
	EpochsPerYear        int64
	EpochDuration        time.Duration
	WithdrawalFeeRate    int64 // scaled by fees.RateScale
	Cap                  int64 // 0 disables the cap
	MinDeposit           int64
	LateWithdrawalWindow time.Duration
	FeeRecipient         string
}

// Vault is the single sequential state machine. Every public operation runs
// under one exclusive lock from first state read to last state write;
// external collaborators are called only after internal ledger state for the
// operation is finalized.
type Vault struct {
	mu sync.Mutex

	cfg        Config
	log        zerolog.Logger
	store      Store
	transferor Transferor
	now        func() time.Time

	state        RoundState
	currentPrice int64            // provisional minting price for the open round
	prices       map[uint64]int64 // finalized price per closed round

	shareBalances map[string]int64
	totalShares   int64

	withdrawals         map[string]*Withdrawal
	queuedSharesByRound map[uint64]int64

	// queuedWithdrawAmount is the asset value set aside for withdrawals
	// priced in already-closed rounds.
	queuedWithdrawAmount int64

	// accruedFees are computed fees not yet transferred to the recipient.
	// Fee payout is decoupled from the round advance and retryable.
	accruedFees int64
}

// Option customizes vault construction.
type Option func(*Vault)

// WithClock substitutes the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithStore attaches the durable round-close store.
func WithStore(store Store) Option {
	return func(v *Vault) { v.store = store }
}

// WithTransferor attaches the external transfer collaborator.
func WithTransferor(t Transferor) Option {
	return func(v *Vault) { v.transferor = t }
}

// AttachTransferor wires the transfer collaborator after construction.
// Recovery replays the operation log with none attached, so replayed
// commands settle the ledger without re-issuing transfers.
func (v *Vault) AttachTransferor(t Transferor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transferor = t
}

// New creates a vault at the configured initial round. The opening price is
// parity: one unit of value per share until the first close sets a real one.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Vault {
	v := &Vault{
		cfg:                 cfg,
		log:                 log.With().Str("component", "vault").Logger(),
		now:                 time.Now,
		currentPrice:        cfg.Decimals.Scale,
		prices:              make(map[uint64]int64),
		shareBalances:       make(map[string]int64),
		withdrawals:         make(map[string]*Withdrawal),
		queuedSharesByRound: make(map[uint64]int64),
	}
	for _, opt := range opts {
		opt(v)
	}
	start := v.now()
	v.state = RoundState{
		Round:      cfg.InitialRound,
		EpochStart: start,
		EpochEnd:   start.Add(cfg.EpochDuration),
	}
	return v
}

// Deposit adds value to the open round's pending balance and mints shares
// immediately at the round's currently-recorded provisional price. The
// minted shares are final; the underlying value stays pending until the
// round closes.
func (v *Vault) Deposit(account string, amount int64) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if amount < v.cfg.MinDeposit {
		return 0, ErrBelowMinimum
	}

	newPending, err := fixedpoint.CheckedAdd(v.state.TotalPending, amount)
	if err != nil {
		return 0, err
	}
	if v.cfg.Cap > 0 {
		pool, err := fixedpoint.CheckedAdd(v.state.LockedAmount, newPending)
		if err != nil {
			return 0, err
		}
		if pool > v.cfg.Cap {
			return 0, ErrCapExceeded
		}
	}

	shares, err := fixedpoint.AssetToShares(amount, v.currentPrice, v.cfg.Decimals)
	if err != nil {
		return 0, err
	}
	newBalance, err := fixedpoint.CheckedAdd(v.shareBalances[account], shares)
	if err != nil {
		return 0, err
	}
	newSupply, err := fixedpoint.CheckedAdd(v.totalShares, shares)
	if err != nil {
		return 0, err
	}

	v.state.TotalPending = newPending
	v.shareBalances[account] = newBalance
	v.totalShares = newSupply

	v.log.Info().
		Str("account", account).
		Int64("amount", amount).
		Int64("shares", shares).
		Uint64("round", v.state.Round).
		Msg("deposit accepted")

	return shares, nil
}

// QueueWithdraw registers shares for withdrawal at a future round's
// finalized price. The target is the open round, or the next one when a
// late-withdrawal period is active (a rebalance already underway cannot
// absorb new exits until the next boundary). Requests in the same pending
// round accumulate; a request for a different round while one is
// outstanding is rejected. Returns the target round and the account's
// accumulated queued shares.
func (v *Vault) QueueWithdraw(account string, shares int64) (uint64, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if shares <= 0 {
		return 0, 0, ErrInvalidAmount
	}

	target := v.state.Round
	if v.cfg.LateWithdrawalWindow > 0 && !v.now().Before(v.state.EpochEnd.Add(-v.cfg.LateWithdrawalWindow)) {
		target = v.state.Round + 1
	}

	existing := v.withdrawals[account]
	alreadyQueued := int64(0)
	if existing != nil && existing.Shares > 0 {
		if existing.Round != target {
			return 0, 0, ErrWithdrawalConflict
		}
		alreadyQueued = existing.Shares
	}

	spendable := v.shareBalances[account] - alreadyQueued
	if shares > spendable {
		return 0, 0, ErrInsufficientShares
	}

	newShares, err := fixedpoint.CheckedAdd(alreadyQueued, shares)
	if err != nil {
		return 0, 0, err
	}
	newTally, err := fixedpoint.CheckedAdd(v.queuedSharesByRound[target], shares)
	if err != nil {
		return 0, 0, err
	}

	v.withdrawals[account] = &Withdrawal{Account: account, Round: target, Shares: newShares}
	v.queuedSharesByRound[target] = newTally

	v.log.Info().
		Str("account", account).
		Int64("shares", shares).
		Uint64("target_round", target).
		Msg("withdrawal queued")

	return target, newShares, nil
}

// CompleteWithdraw pays out a queued withdrawal at its target round's
// finalized price, minus the configured withdrawal fee, and burns the
// shares. The external transfer happens only after the ledger is finalized;
// a reported transfer failure reverts the operation whole.
func (v *Vault) CompleteWithdraw(ctx context.Context, account string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w := v.withdrawals[account]
	if w == nil || w.Shares == 0 {
		return 0, ErrNothingQueued
	}
	if v.state.Round <= w.Round {
		return 0, ErrRoundNotClosed
	}
	price, ok := v.prices[w.Round]
	if !ok {
		return 0, ErrRoundNotClosed
	}

	payout, err := fixedpoint.SharesToAsset(w.Shares, price, v.cfg.Decimals)
	if err != nil {
		return 0, err
	}
	fee, err := fixedpoint.PctOf(payout, v.cfg.WithdrawalFeeRate, fees.RateScale)
	if err != nil {
		return 0, err
	}
	paid := payout - fee

	prev := *w
	prevBalance := v.shareBalances[account]
	prevSupply := v.totalShares
	prevQueuedShares := v.state.QueuedWithdrawShares
	prevQueuedAmount := v.queuedWithdrawAmount
	prevAccrued := v.accruedFees

	v.shareBalances[account] = prevBalance - w.Shares
	if v.shareBalances[account] == 0 {
		delete(v.shareBalances, account)
	}
	v.totalShares = prevSupply - w.Shares
	v.state.QueuedWithdrawShares = prevQueuedShares - w.Shares
	v.queuedWithdrawAmount = prevQueuedAmount - payout
	v.accruedFees = prevAccrued + fee
	delete(v.withdrawals, account)

	if v.transferor != nil {
		if err := v.transferor.Transfer(ctx, account, paid); err != nil {
			// Full revert: the collaborator reported failure, so nothing
			// left the pool and the ledger must not record a payout.
			restored := prev
			v.withdrawals[account] = &restored
			v.shareBalances[account] = prevBalance
			v.totalShares = prevSupply
			v.state.QueuedWithdrawShares = prevQueuedShares
			v.queuedWithdrawAmount = prevQueuedAmount
			v.accruedFees = prevAccrued
			return 0, err
		}
	}

	v.log.Info().
		Str("account", account).
		Uint64("round", prev.Round).
		Int64("shares", prev.Shares).
		Int64("paid", paid).
		Int64("fee", fee).
		Msg("withdrawal completed")

	return paid, nil
}

// CloseRound performs the rollover: computes fees, finalizes the closing
// round's share price, sets aside newly queued withdrawals, locks the rest
// for the next round, and advances the round index by exactly one.
//
// round names the round being closed and guards against duplicate triggers.
// totalBalance is the externally-reported mark of all pooled capital.
//
// Ordering: all bookkeeping is committed durably first; the fee transfer is
// a decoupled, retryable step that can never leave the round half-advanced.
func (v *Vault) CloseRound(ctx context.Context, round uint64, totalBalance int64) (rollover.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if round != v.state.Round {
		return rollover.Result{}, ErrRoundMismatch
	}
	if totalBalance < 0 {
		return rollover.Result{}, fixedpoint.ErrNegative
	}

	now := v.now()
	result, epochsElapsed, err := v.computeRollover(totalBalance, now)
	if err != nil {
		return rollover.Result{}, err
	}

	closing := v.state.Round
	rec := RoundRecord{
		Round:                closing,
		PricePerShare:        result.NewPricePerShare,
		TotalBalance:         totalBalance,
		LockedAmount:         result.NewLockedAmount,
		QueuedWithdrawAmount: result.QueuedWithdrawAmount,
		PendingAtClose:       v.state.TotalPending,
		PerformanceFee:       result.PerformanceFee,
		ManagementFee:        result.ManagementFee,
		TotalFee:             result.TotalFee,
		EpochsElapsed:        epochsElapsed,
		ClosedAt:             now,
	}

	// Stage the advance, commit durably, and only then make it visible.
	// A failed commit aborts with no state mutation at all.
	next := v.state
	next.LockedAmount = result.NewLockedAmount
	next.LastLockedAmount = result.NewLockedAmount
	next.TotalPending = 0
	next.QueuedWithdrawShares = v.state.QueuedWithdrawShares + v.queuedSharesByRound[closing]
	next.Round = closing + 1
	next.EpochStart = now
	next.EpochEnd = now.Add(v.cfg.EpochDuration)

	if v.store != nil {
		snap := v.snapshotLocked()
		snap.State = next
		snap.CurrentPrice = result.NewPricePerShare
		snap.Prices[closing] = result.NewPricePerShare
		snap.QueuedWithdrawAmount = result.QueuedWithdrawAmount
		snap.AccruedFees = v.accruedFees + result.TotalFee
		delete(snap.QueuedSharesByRound, closing)
		if err := v.store.CommitRoundClose(ctx, rec, snap); err != nil {
			return rollover.Result{}, err
		}
	}

	v.state = next
	v.prices[closing] = result.NewPricePerShare
	v.currentPrice = result.NewPricePerShare
	v.queuedWithdrawAmount = result.QueuedWithdrawAmount
	delete(v.queuedSharesByRound, closing)
	v.accruedFees += result.TotalFee

	v.log.Info().
		Uint64("closed_round", closing).
		Int64("price_per_share", result.NewPricePerShare).
		Int64("new_locked", result.NewLockedAmount).
		Int64("queued_withdraw_amount", result.QueuedWithdrawAmount).
		Int64("total_fee", result.TotalFee).
		Int64("epochs_elapsed", epochsElapsed).
		Msg("round closed")

	// Fee payout after the advance is durable. Failure keeps the fee
	// accrued for retry; the round stays closed either way.
	if err := v.payAccruedFeesLocked(ctx); err != nil {
		v.log.Warn().Err(err).Int64("accrued", v.accruedFees).Msg("fee transfer failed, retained for retry")
	}

	return result, nil
}

// PreviewNextRoundBalances projects the next round's locked and queued
// balances from the reported total, using the same rollover math with no
// mutation. Repeated calls return identical results.
func (v *Vault) PreviewNextRoundBalances(totalBalance int64) (int64, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	result, _, err := v.computeRollover(totalBalance, v.now())
	if err != nil {
		return 0, 0, err
	}
	return result.NewLockedAmount, result.QueuedWithdrawAmount, nil
}

func (v *Vault) computeRollover(totalBalance int64, now time.Time) (rollover.Result, int64, error) {
	epochsElapsed := int64(1)
	if v.cfg.EpochDuration > 0 {
		if n := int64(now.Sub(v.state.EpochStart) / v.cfg.EpochDuration); n > 1 {
			epochsElapsed = n
		}
	}

	result, err := rollover.Rollover(
		rollover.State{
			Round:            v.state.Round,
			FirstRound:       v.cfg.InitialRound,
			LastLockedAmount: v.state.LastLockedAmount,
			TotalPending:     v.state.TotalPending,
		},
		rollover.Params{
			Decimals:                    v.cfg.Decimals,
			TotalBalance:                totalBalance,
			TotalShareSupply:            v.totalShares,
			LastQueuedWithdrawAmount:    v.queuedWithdrawAmount,
			CurrentQueuedWithdrawShares: v.queuedSharesByRound[v.state.Round],
			OutstandingQueuedShares:     v.state.QueuedWithdrawShares,
			PerformanceRate:             v.cfg.PerformanceRate,
			ManagementRate:              v.cfg.ManagementRate,
			EpochsPerYear:               v.cfg.EpochsPerYear,
			EpochsElapsed:               epochsElapsed,
		},
	)
	if err != nil {
		return rollover.Result{}, 0, err
	}
	return result, epochsElapsed, nil
}

// PayAccruedFees retries the fee transfer for fees accrued by earlier
// closes whose payout failed.
func (v *Vault) PayAccruedFees(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.payAccruedFeesLocked(ctx)
}

func (v *Vault) payAccruedFeesLocked(ctx context.Context) error {
	if v.accruedFees == 0 || v.transferor == nil {
		return nil
	}
	if err := v.transferor.Transfer(ctx, v.cfg.FeeRecipient, v.accruedFees); err != nil {
		return err
	}
	v.log.Info().Int64("amount", v.accruedFees).Str("recipient", v.cfg.FeeRecipient).Msg("fees paid")
	v.accruedFees = 0
	return nil
}

// PriceForRound returns the finalized price for a closed round. ok is false
// while the round is still open or unknown.
func (v *Vault) PriceForRound(round uint64) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.prices[round]
	return price, ok
}

// State returns a copy of the round ledger.
func (v *Vault) State() RoundState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// CurrentPrice returns the open round's provisional minting price.
func (v *Vault) CurrentPrice() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentPrice
}

// TotalShares returns the total share supply.
func (v *Vault) TotalShares() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalShares
}

// ShareBalance returns a participant's share balance (queued included until
// completion burns them).
func (v *Vault) ShareBalance(account string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shareBalances[account]
}

// PendingWithdrawal returns a copy of the participant's outstanding request.
func (v *Vault) PendingWithdrawal(account string) (Withdrawal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := v.withdrawals[account]
	if w == nil {
		return Withdrawal{}, false
	}
	return *w, true
}

// AccruedFees returns fees awaiting transfer to the recipient.
func (v *Vault) AccruedFees() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accruedFees
}

// QueuedWithdrawAmount returns the asset value set aside for priced
// withdrawals.
func (v *Vault) QueuedWithdrawAmount() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queuedWithdrawAmount
}

// Snapshot captures the full vault state for recovery.
func (v *Vault) Snapshot() *Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

func (v *Vault) snapshotLocked() *Snapshot {
	prices := make(map[uint64]int64, len(v.prices))
	for k, val := range v.prices {
		prices[k] = val
	}
	balances := make(map[string]int64, len(v.shareBalances))
	for k, val := range v.shareBalances {
		balances[k] = val
	}
	withdrawals := make([]Withdrawal, 0, len(v.withdrawals))
	for _, w := range v.withdrawals {
		withdrawals = append(withdrawals, *w)
	}
	queued := make(map[uint64]int64, len(v.queuedSharesByRound))
	for k, val := range v.queuedSharesByRound {
		queued[k] = val
	}
	return &Snapshot{
		State:                v.state,
		CurrentPrice:         v.currentPrice,
		Prices:               prices,
		ShareBalances:        balances,
		TotalShares:          v.totalShares,
		Withdrawals:          withdrawals,
		QueuedSharesByRound:  queued,
		QueuedWithdrawAmount: v.queuedWithdrawAmount,
		AccruedFees:          v.accruedFees,
	}
}

// Restore replaces the vault's state from a snapshot (warm restart).
func (v *Vault) Restore(snap *Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = snap.State
	v.currentPrice = snap.CurrentPrice
	v.totalShares = snap.TotalShares
	v.queuedWithdrawAmount = snap.QueuedWithdrawAmount
	v.accruedFees = snap.AccruedFees

	v.prices = make(map[uint64]int64, len(snap.Prices))
	for k, val := range snap.Prices {
		v.prices[k] = val
	}
	v.shareBalances = make(map[string]int64, len(snap.ShareBalances))
	for k, val := range snap.ShareBalances {
		v.shareBalances[k] = val
	}
	v.withdrawals = make(map[string]*Withdrawal, len(snap.Withdrawals))
	for i := range snap.Withdrawals {
		w := snap.Withdrawals[i]
		v.withdrawals[w.Account] = &w
	}
	v.queuedSharesByRound = make(map[uint64]int64, len(snap.QueuedSharesByRound))
	for k, val := range snap.QueuedSharesByRound {
		v.queuedSharesByRound[k] = val
	}
}
