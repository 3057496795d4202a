package query

import (
	"context"
	"database/sql"
	"fmt"
)

// QueryService provides read-only access to the round and withdrawal
// projection tables. Queries are served over HTTP/JSON, reading from
// PostgreSQL. All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetRound returns the durable record of a closed round, or nil when the
// round has not closed yet.
func (qs *QueryService) GetRound(ctx context.Context, round uint64) (*RoundResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r RoundResponse
	r.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT round, price_per_share, total_balance, locked_amount,
		       queued_withdraw_amount, pending_at_close, performance_fee,
		       management_fee, total_fee, epochs_elapsed, closed_at
		FROM vault.rounds
		WHERE round = $1
	`, round).Scan(
		&r.Round, &r.PricePerShare, &r.TotalBalance, &r.LockedAmount,
		&r.QueuedWithdrawAmount, &r.PendingAtClose, &r.PerformanceFee,
		&r.ManagementFee, &r.TotalFee, &r.EpochsElapsed, &r.ClosedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRounds returns closed rounds newest first, with cursor-based
// pagination on the round number.
func (qs *QueryService) ListRounds(
	ctx context.Context,
	limit int,
	beforeRound *uint64,
) ([]RoundResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT round, price_per_share, total_balance, locked_amount,
		       queued_withdraw_amount, pending_at_close, performance_fee,
		       management_fee, total_fee, epochs_elapsed, closed_at
		FROM vault.rounds
	`
	args := []interface{}{}
	argIdx := 1

	if beforeRound != nil {
		query += fmt.Sprintf(" WHERE round < $%d", argIdx)
		args = append(args, *beforeRound)
		argIdx++
	}

	query += " ORDER BY round DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []RoundResponse
	for rows.Next() {
		var r RoundResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.Round, &r.PricePerShare, &r.TotalBalance, &r.LockedAmount,
			&r.QueuedWithdrawAmount, &r.PendingAtClose, &r.PerformanceFee,
			&r.ManagementFee, &r.TotalFee, &r.EpochsElapsed, &r.ClosedAt,
		); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}

	return rounds, rows.Err()
}

// GetPriceForRound returns the finalized share price for a round.
// Finalized is false when the round has not closed yet.
func (qs *QueryService) GetPriceForRound(ctx context.Context, round uint64) (*PriceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &PriceResponse{Round: round, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT price FROM vault.price_per_share WHERE round = $1
	`, round).Scan(&resp.Price)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Finalized = true
	return resp, nil
}

// GetWithdrawals returns an account's open withdrawal requests. A request
// is claimable once its target round has a finalized price.
func (qs *QueryService) GetWithdrawals(ctx context.Context, account string) ([]WithdrawalResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT w.account, w.round, w.shares, (p.round IS NOT NULL) AS claimable
		FROM vault.withdrawals w
		LEFT JOIN vault.price_per_share p ON p.round = w.round
		WHERE w.account = $1
		ORDER BY w.round
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WithdrawalResponse
	for rows.Next() {
		var w WithdrawalResponse
		w.AsOfSequence = asOfSeq
		if err := rows.Scan(&w.Account, &w.Round, &w.Shares, &w.Claimable); err != nil {
			return nil, err
		}
		results = append(results, w)
	}

	return results, rows.Err()
}

// GetOperationHistory returns applied commands with cursor-based pagination.
func (qs *QueryService) GetOperationHistory(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]OperationHistoryEntry, error) {
	query := `
		SELECT sequence, command_type, idempotency_key, payload, result,
		       timestamp, source_sequence
		FROM vault.operations
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationHistoryEntry
	for rows.Next() {
		var e OperationHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey,
			&e.Payload, &e.Result, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks round continuity and pricing invariants over the
// projection tables.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Rounds must close in order with no gaps.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT r1.round
		FROM vault.rounds r1
		LEFT JOIN vault.rounds r2 ON r2.round = r1.round - 1
		WHERE r2.round IS NULL
		  AND r1.round > (SELECT MIN(round) FROM vault.rounds)
		ORDER BY r1.round
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var round uint64
		if err := rows.Scan(&round); err != nil {
			return nil, err
		}
		report.RoundGaps = append(report.RoundGaps, round)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every closed round must carry a finalized price.
	priceRows, err := qs.db.QueryContext(ctx, `
		SELECT r.round
		FROM vault.rounds r
		LEFT JOIN vault.price_per_share p ON p.round = r.round
		WHERE p.round IS NULL
		ORDER BY r.round
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer priceRows.Close()

	for priceRows.Next() {
		var round uint64
		if err := priceRows.Scan(&round); err != nil {
			return nil, err
		}
		report.MissingPriceRounds = append(report.MissingPriceRounds, round)
	}
	if err := priceRows.Err(); err != nil {
		return nil, err
	}

	// Locked amounts never go negative.
	lockRows, err := qs.db.QueryContext(ctx, `
		SELECT round FROM vault.rounds WHERE locked_amount < 0 ORDER BY round LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer lockRows.Close()

	for lockRows.Next() {
		var round uint64
		if err := lockRows.Scan(&round); err != nil {
			return nil, err
		}
		report.NegativeLockRounds = append(report.NegativeLockRounds, round)
	}
	if err := lockRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.RoundGaps) == 0 &&
		len(report.MissingPriceRounds) == 0 &&
		len(report.NegativeLockRounds) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM vault.operations
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
