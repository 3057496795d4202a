package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"epochvault/internal/vault"
)

// Update mirrors the data the projection worker needs from an applied
// command. The orchestrator bridges between core.Output and this.
type Update struct {
	Sequence    int64
	CommandType string
	Account     string
	TargetRound uint64
	// Accumulated queued shares after the command, for WithdrawQueueRequested.
	QueuedShares int64
}

// Worker keeps the withdrawal projection current between round closes.
// Round closes rewrite the projection wholesale inside the close
// transaction; this worker covers the queue and complete commands that
// land in between. The update channel is non-blocking with drop: if the
// projection falls behind, it can be rebuilt from the durable state blob.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Update
	log       zerolog.Logger
}

func NewWorker(db *sql.DB, inputChan <-chan Update, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		log:       log.With().Str("component", "projection_worker").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.apply(ctx, update); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", update.Sequence).Msg("projection update failed")
				// Continue. Projections are eventually consistent and can
				// be rebuilt from the state blob.
			}
		}
	}
}

func (pw *Worker) apply(ctx context.Context, update Update) error {
	switch update.CommandType {
	case "WithdrawQueueRequested":
		// QueuedShares is the post-command total, so the upsert is
		// idempotent under redelivery.
		_, err := pw.db.ExecContext(ctx, `
			INSERT INTO vault.withdrawals (account, round, shares)
			VALUES ($1, $2, $3)
			ON CONFLICT (account, round) DO UPDATE SET shares = $3
		`, update.Account, update.TargetRound, update.QueuedShares)
		if err != nil {
			return fmt.Errorf("upsert withdrawal: %w", err)
		}

	case "WithdrawCompleteRequested":
		_, err := pw.db.ExecContext(ctx, `
			DELETE FROM vault.withdrawals WHERE account = $1
		`, update.Account)
		if err != nil {
			return fmt.Errorf("delete withdrawal: %w", err)
		}
	}

	return nil
}

// RebuildWithdrawals rebuilds the withdrawal projection from the durable
// post-close state blob.
func RebuildWithdrawals(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT data FROM vault.state WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load state blob: %w", err)
	}

	var snap vault.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal state blob: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE vault.withdrawals`); err != nil {
		return fmt.Errorf("truncate withdrawals: %w", err)
	}

	for _, w := range snap.Withdrawals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault.withdrawals (account, round, shares)
			VALUES ($1, $2, $3)
		`, w.Account, w.Round, w.Shares); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int("withdrawals", len(snap.Withdrawals)).Msg("withdrawal projection rebuilt")
	return nil
}
