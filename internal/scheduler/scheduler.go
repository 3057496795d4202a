package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"epochvault/internal/ingestion"
	"epochvault/internal/vault"
)

// Scheduler triggers close-of-round at each epoch boundary and retries fee
// payouts that failed at close. Both tasks go through the ordinary command
// and ledger paths; the scheduler never mutates vault state itself.
type Scheduler struct {
	cron   *cron.Cron
	vault  *vault.Vault
	ingest *ingestion.AdminIngestService
	ctx    context.Context
	log    zerolog.Logger
}

func NewScheduler(ctx context.Context, v *vault.Vault, ingest *ingestion.AdminIngestService, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		vault:  v,
		ingest: ingest,
		ctx:    ctx,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterAll registers the close-of-round and fee-retry tasks. An empty
// cron spec disables the corresponding task.
func (s *Scheduler) RegisterAll(roundCloseCron, feeRetryCron string) error {
	if roundCloseCron != "" {
		if _, err := s.cron.AddFunc(roundCloseCron, s.roundCloseTask); err != nil {
			return fmt.Errorf("register round close task: %w", err)
		}
	}
	if feeRetryCron != "" {
		if _, err := s.cron.AddFunc(feeRetryCron, s.feeRetryTask); err != nil {
			return fmt.Errorf("register fee retry task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the cron scheduler gracefully.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("scheduler stopped")
}

// RunRoundCloseNow triggers the close task immediately (manual trigger).
func (s *Scheduler) RunRoundCloseNow() {
	s.roundCloseTask()
}

func (s *Scheduler) roundCloseTask() {
	round := s.vault.State().Round
	s.log.Info().Uint64("round", round).Msg("triggering round close")

	// The balance is left to the latest valuation report; the core rejects
	// the close if none has arrived yet.
	if err := s.ingest.InjectRoundClose(s.ctx, round, -1); err != nil {
		s.log.Error().Err(err).Uint64("round", round).Msg("round close injection failed")
	}
}

func (s *Scheduler) feeRetryTask() {
	if s.vault.AccruedFees() == 0 {
		return
	}
	if err := s.vault.PayAccruedFees(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("fee payout retry failed")
	}
}
