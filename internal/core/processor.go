package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"epochvault/internal/event"
	"epochvault/internal/observability"
	"epochvault/internal/vault"
)

// ErrNoValuation signals a close-of-round with no reported mark to price
// the pool against.
var ErrNoValuation = errors.New("core: no valuation reported for close")

// Processor is the command pipeline in front of the vault. Commands are
// deduplicated, sequence-validated, applied to the vault, and emitted to the
// persistence and publish channels. One goroutine feeds ProcessCommand; the
// mutex exists because snapshots and the query handlers read processor state
// from other goroutines.
type Processor struct {
	mu sync.Mutex

	sequence          int64
	vault             *vault.Vault
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	// Latest externally-reported mark of the pooled capital.
	lastValuation    int64
	hasValuation     bool
	valuationApplied time.Time

	// Optional pinned clock, advanced to each command's timestamp before
	// the vault is touched.
	clock *CommandClock

	persistChan chan<- Output
	publishChan chan<- Output
}

// SetClock attaches the pinned clock the vault was built against.
func (p *Processor) SetClock(clock *CommandClock) {
	p.clock = clock
}

func (p *Processor) pinClock(t time.Time) {
	if p.clock != nil && !t.IsZero() {
		p.clock.Set(t)
	}
}

// Output is one applied command plus its result, ready for the operation
// log and the outbound publisher.
type Output struct {
	Envelope *event.CommandEnvelope
	Result   []byte // JSON-encoded Result
}

// Result records what a command did, for the op log and downstream
// consumers.
type Result struct {
	SharesMinted         int64  `json:"shares_minted,omitempty"`
	TargetRound          uint64 `json:"target_round,omitempty"`
	QueuedShares         int64  `json:"queued_shares,omitempty"`
	AmountPaid           int64  `json:"amount_paid,omitempty"`
	ClosedRound          uint64 `json:"closed_round,omitempty"`
	NewPricePerShare     int64  `json:"new_price_per_share,omitempty"`
	NewLockedAmount      int64  `json:"new_locked_amount,omitempty"`
	QueuedWithdrawAmount int64  `json:"queued_withdraw_amount,omitempty"`
	PerformanceFee       int64  `json:"performance_fee,omitempty"`
	TotalFee             int64  `json:"total_fee,omitempty"`
	TotalValue           int64  `json:"total_value,omitempty"`
}

func NewProcessor(
	startSequence int64,
	v *vault.Vault,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
) *Processor {
	return &Processor{
		sequence:          startSequence,
		vault:             v,
		idempotency:       NewIdempotencyChecker(lruCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// ProcessCommand runs the full pipeline for one command: dedup, ordering,
// vault application, envelope emission. A failed command mutates nothing.
func (p *Processor) ProcessCommand(ctx context.Context, cmd event.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	cmdType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	isDuplicate := p.idempotency.IsDuplicate(cmdType, idempotencyKey)

	// Valuation reports tolerate sequence gaps: a missed mark is superseded
	// by the next one. Everything else is strictly ordered per producer
	// stream. Operator-injected commands carry no producer sequence (-1)
	// and bypass ordering; idempotency still applies.
	if val, ok := cmd.(*event.ValuationReported); ok {
		if !p.sequenceValidator.ValidateValuationSequence(val.Sequence) {
			if p.metrics != nil {
				p.metrics.OpsRejected.WithLabelValues(cmdType, "stale").Inc()
			}
			return nil
		}
	} else if cmd.SourceSequence() >= 0 {
		if err := p.sequenceValidator.ValidateSequence(partitionFor(cmd), cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if p.metrics != nil {
			p.metrics.OpsRejected.WithLabelValues(cmdType, "duplicate").Inc()
		}
		return nil
	}

	result, ts, err := p.dispatch(ctx, cmd)
	if err != nil {
		if p.metrics != nil {
			p.metrics.OpsRejected.WithLabelValues(cmdType, "invalid").Inc()
		}
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal command result: %w", err)
	}

	output := Output{
		Envelope: &event.CommandEnvelope{
			Sequence:       p.sequence,
			IdempotencyKey: idempotencyKey,
			CommandType:    cmd.CommandType(),
			Timestamp:      ts,
			SourceSequence: cmd.SourceSequence(),
			Payload:        payload,
		},
		Result: resultBytes,
	}
	p.sequence++

	// Persistence is a blocking send: if the persistence worker falls
	// behind, the processor stalls rather than lose an operation.
	select {
	case p.persistChan <- output:
	default:
		if p.metrics != nil {
			p.metrics.PersistBackpressure.Inc()
		}
		p.persistChan <- output
	}

	// Publishing is best-effort: downstream consumers can read the op log.
	select {
	case p.publishChan <- output:
	default:
	}

	p.idempotency.MarkProcessed(cmdType, idempotencyKey)

	if p.metrics != nil {
		p.metrics.OpsApplied.WithLabelValues(cmdType).Inc()
		p.metrics.OpDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		p.metrics.Sequence.Set(float64(p.sequence))
		if result.ClosedRound > 0 {
			p.metrics.RoundsClosed.Inc()
			p.metrics.PerformanceFeesTotal.Add(float64(result.PerformanceFee))
			p.metrics.ManagementFeesTotal.Add(float64(result.TotalFee - result.PerformanceFee))
		}
		p.observeVault()
	}

	return nil
}

func (p *Processor) dispatch(ctx context.Context, cmd event.Command) (Result, time.Time, error) {
	switch c := cmd.(type) {
	case *event.DepositRequested:
		p.pinClock(c.Timestamp)
		shares, err := p.vault.Deposit(c.Account, c.Amount)
		if err != nil {
			return Result{}, time.Time{}, err
		}
		return Result{SharesMinted: shares}, c.Timestamp, nil

	case *event.WithdrawQueueRequested:
		p.pinClock(c.Timestamp)
		targetRound, queuedShares, err := p.vault.QueueWithdraw(c.Account, c.Shares)
		if err != nil {
			return Result{}, time.Time{}, err
		}
		return Result{TargetRound: targetRound, QueuedShares: queuedShares}, c.Timestamp, nil

	case *event.WithdrawCompleteRequested:
		p.pinClock(c.Timestamp)
		paid, err := p.vault.CompleteWithdraw(ctx, c.Account)
		if err != nil {
			return Result{}, time.Time{}, err
		}
		return Result{AmountPaid: paid}, c.Timestamp, nil

	case *event.RoundCloseRequested:
		p.pinClock(c.Timestamp)
		totalBalance := c.TotalBalance
		if totalBalance < 0 {
			if !p.hasValuation {
				return Result{}, time.Time{}, ErrNoValuation
			}
			totalBalance = p.lastValuation
		}
		res, err := p.vault.CloseRound(ctx, c.Round, totalBalance)
		if err != nil {
			return Result{}, time.Time{}, err
		}
		return Result{
			ClosedRound:          c.Round,
			NewPricePerShare:     res.NewPricePerShare,
			NewLockedAmount:      res.NewLockedAmount,
			QueuedWithdrawAmount: res.QueuedWithdrawAmount,
			PerformanceFee:       res.PerformanceFee,
			TotalFee:             res.TotalFee,
		}, c.Timestamp, nil

	case *event.ValuationReported:
		if c.TotalValue < 0 {
			return Result{}, time.Time{}, fmt.Errorf("negative valuation: %d", c.TotalValue)
		}
		p.lastValuation = c.TotalValue
		p.hasValuation = true
		p.valuationApplied = c.Timestamp
		return Result{TotalValue: c.TotalValue}, c.Timestamp, nil

	default:
		return Result{}, time.Time{}, fmt.Errorf("unknown command type: %T", cmd)
	}
}

func (p *Processor) observeVault() {
	st := p.vault.State()
	p.metrics.CurrentRound.Set(float64(st.Round))
	p.metrics.LockedAmount.Set(float64(st.LockedAmount))
	p.metrics.TotalPending.Set(float64(st.TotalPending))
	p.metrics.QueuedWithdrawShares.Set(float64(st.QueuedWithdrawShares))
	p.metrics.PricePerShare.Set(float64(p.vault.CurrentPrice()))
	p.metrics.TotalShares.Set(float64(p.vault.TotalShares()))
	p.metrics.AccruedFees.Set(float64(p.vault.AccruedFees()))
}

// partitionFor maps a command to its producer stream: each inbound stream
// numbers its own commands independently.
func partitionFor(cmd event.Command) string {
	switch cmd.(type) {
	case *event.DepositRequested:
		return "deposits"
	case *event.WithdrawQueueRequested, *event.WithdrawCompleteRequested:
		return "withdrawals"
	case *event.RoundCloseRequested:
		return "rounds"
	default:
		return "global"
	}
}

// LastValuation returns the latest reported mark, if any.
func (p *Processor) LastValuation() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastValuation, p.hasValuation
}

// GetSequence returns the next sequence the processor will assign.
func (p *Processor) GetSequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// --- Snapshot Restore & Startup ---

// SnapshotState is the serializable processor + vault state for recovery.
type SnapshotState struct {
	Sequence        int64
	Vault           *vault.Snapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
	LastValuation   int64
	HasValuation    bool
}

// CreateSnapshotState captures the current in-memory state for persistence.
// It holds the processor lock for the full copy so the snapshot is never a
// torn read of a command in flight.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return &SnapshotState{
		Sequence:        p.sequence - 1, // last assigned
		Vault:           p.vault.Snapshot(),
		SequenceState:   p.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: p.idempotency.lru.GetAllKeys(),
		LastValuation:   p.lastValuation,
		HasValuation:    p.hasValuation,
	}
}

// RestoreFromSnapshot restores processor and vault state on warm restart.
// Operations after the snapshot sequence are replayed from the op log.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sequence = snap.Sequence + 1
	if snap.Vault != nil {
		p.vault.Restore(snap.Vault)
	}
	for partition, next := range snap.SequenceState {
		p.sequenceValidator.SetExpectedSequence(partition, next)
	}
	p.lastValuation = snap.LastValuation
	p.hasValuation = snap.HasValuation
}

// WarmLRU loads recent idempotency keys into the LRU cache so replayed or
// redelivered commands are rejected without a DB lookup.
func (p *Processor) WarmLRU(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotency.lru.WarmFromKeys(keys)
}
