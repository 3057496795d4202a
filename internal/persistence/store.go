package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"epochvault/internal/vault"
)

// RoundStore implements vault.Store: the synchronous, atomic commit of a
// closed round. The round row, the finalized price, the withdrawal
// projection, and the post-close state blob are written in one transaction.
// The round is not considered closed until this commits, and the fee
// transfer happens only afterwards.
type RoundStore struct {
	db *sql.DB
}

func NewRoundStore(db *sql.DB) *RoundStore {
	return &RoundStore{db: db}
}

var _ vault.Store = (*RoundStore)(nil)

// CommitRoundClose durably writes all bookkeeping for a closed round.
// Conflicts update in place so a replayed close is idempotent.
func (s *RoundStore) CommitRoundClose(ctx context.Context, rec vault.RoundRecord, snap *vault.Snapshot) error {
	stateBlob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal vault state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin round close tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault.rounds
			(round, price_per_share, total_balance, locked_amount, queued_withdraw_amount,
			 pending_at_close, performance_fee, management_fee, total_fee, epochs_elapsed, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (round) DO UPDATE SET
			price_per_share = EXCLUDED.price_per_share,
			total_balance = EXCLUDED.total_balance,
			locked_amount = EXCLUDED.locked_amount,
			queued_withdraw_amount = EXCLUDED.queued_withdraw_amount,
			pending_at_close = EXCLUDED.pending_at_close,
			performance_fee = EXCLUDED.performance_fee,
			management_fee = EXCLUDED.management_fee,
			total_fee = EXCLUDED.total_fee,
			epochs_elapsed = EXCLUDED.epochs_elapsed,
			closed_at = EXCLUDED.closed_at
	`, rec.Round, rec.PricePerShare, rec.TotalBalance, rec.LockedAmount,
		rec.QueuedWithdrawAmount, rec.PendingAtClose, rec.PerformanceFee,
		rec.ManagementFee, rec.TotalFee, rec.EpochsElapsed, rec.ClosedAt,
	); err != nil {
		return fmt.Errorf("write round row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault.price_per_share (round, price)
		VALUES ($1, $2)
		ON CONFLICT (round) DO UPDATE SET price = EXCLUDED.price
	`, rec.Round, rec.PricePerShare); err != nil {
		return fmt.Errorf("write price row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vault.withdrawals`); err != nil {
		return fmt.Errorf("clear withdrawal projection: %w", err)
	}
	for _, w := range snap.Withdrawals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault.withdrawals (account, round, shares)
			VALUES ($1, $2, $3)
		`, w.Account, w.Round, w.Shares); err != nil {
			return fmt.Errorf("write withdrawal projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault.state (id, data)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
	`, stateBlob); err != nil {
		return fmt.Errorf("write state blob: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit round close: %w", err)
	}
	return nil
}

// LoadState loads the latest committed post-close state blob, or nil when
// no round has closed yet.
func (s *RoundStore) LoadState(ctx context.Context) (*vault.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM vault.state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vault state: %w", err)
	}

	var snap vault.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal vault state: %w", err)
	}
	return &snap, nil
}
