package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"epochvault/internal/core"
	"epochvault/internal/event"
	"epochvault/internal/fixedpoint"
	"epochvault/internal/vault"
)

// ============================================================================
// Test helpers
// ============================================================================

type fixture struct {
	proc        *core.Processor
	vault       *vault.Vault
	clock       *core.CommandClock
	persistChan chan core.Output
	publishChan chan core.Output
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := core.NewCommandClock()
	v := vault.New(vault.Config{
		Decimals:      fixedpoint.NewDecimalConfig(6),
		InitialRound:  1,
		EpochsPerYear: 52,
		EpochDuration: 7 * 24 * time.Hour,
		FeeRecipient:  "acct-treasury",
	}, zerolog.Nop(), vault.WithClock(clock.Now))

	persistChan := make(chan core.Output, 64)
	publishChan := make(chan core.Output, 64)
	proc := core.NewProcessor(0, v, persistChan, publishChan, nil, 1024, nil)
	proc.SetClock(clock)

	return &fixture{
		proc:        proc,
		vault:       v,
		clock:       clock,
		persistChan: persistChan,
		publishChan: publishChan,
	}
}

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func deposit(seq int64, account string, amount int64) *event.DepositRequested {
	return &event.DepositRequested{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: baseTime(),
	}
}

func drain(ch chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: pipeline
// ============================================================================

func TestProcessCommand_AppliesAndEmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, deposit(1, "acct-alice", 1_000_000)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.vault.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("balance: got %d, want 1_000_000", f.vault.ShareBalance("acct-alice"))
	}

	outputs := drain(f.persistChan)
	if len(outputs) != 1 {
		t.Fatalf("persist outputs: got %d, want 1", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("sequence: got %d, want 0", env.Sequence)
	}
	if env.CommandType != event.CommandTypeDepositRequested {
		t.Errorf("type: got %v", env.CommandType)
	}
	if env.SourceSequence != 1 {
		t.Errorf("source sequence: got %d, want 1", env.SourceSequence)
	}

	var res core.Result
	if err := json.Unmarshal(outputs[0].Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.SharesMinted != 1_000_000 {
		t.Errorf("shares minted: got %d, want 1_000_000", res.SharesMinted)
	}

	// The stored payload decodes back to the same command.
	cmd, err := event.UnmarshalCommand(env.CommandType, env.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	dep, ok := cmd.(*event.DepositRequested)
	if !ok || dep.Account != "acct-alice" || dep.Amount != 1_000_000 {
		t.Errorf("decoded payload: got %+v", cmd)
	}

	// Published too.
	if got := len(drain(f.publishChan)); got != 1 {
		t.Errorf("publish outputs: got %d, want 1", got)
	}
}

func TestProcessCommand_RejectedCommandEmitsNothing(t *testing.T) {
	f := newFixture(t)

	err := f.proc.ProcessCommand(context.Background(), deposit(1, "acct-alice", -5))
	if err == nil {
		t.Fatal("negative deposit should fail")
	}
	if got := len(drain(f.persistChan)); got != 0 {
		t.Errorf("persist outputs after rejection: got %d, want 0", got)
	}
	if f.proc.GetSequence() != 0 {
		t.Errorf("sequence advanced on rejection: got %d", f.proc.GetSequence())
	}
}

// ============================================================================
// Test: idempotency
// ============================================================================

func TestProcessCommand_DuplicateSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := deposit(1, "acct-alice", 1_000_000)
	if err := f.proc.ProcessCommand(ctx, cmd); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Redelivery of the exact same command.
	if err := f.proc.ProcessCommand(ctx, cmd); err != nil {
		t.Fatalf("duplicate should be silently skipped, got %v", err)
	}

	if f.vault.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("duplicate applied twice: balance %d", f.vault.ShareBalance("acct-alice"))
	}
	if got := len(drain(f.persistChan)); got != 1 {
		t.Errorf("persist outputs: got %d, want 1", got)
	}
}

// ============================================================================
// Test: sequence validation
// ============================================================================

func TestProcessCommand_StrictOrderingPerStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First command sets the stream baseline at any offset.
	if err := f.proc.ProcessCommand(ctx, deposit(100, "acct-alice", 1_000)); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if err := f.proc.ProcessCommand(ctx, deposit(101, "acct-alice", 1_000)); err != nil {
		t.Fatalf("next: %v", err)
	}

	// Gap.
	if err := f.proc.ProcessCommand(ctx, deposit(103, "acct-alice", 1_000)); err == nil {
		t.Error("gap should be rejected")
	}
	// Out-of-order new command.
	if err := f.proc.ProcessCommand(ctx, deposit(101, "acct-alice", 1_000)); err == nil {
		t.Error("out-of-order new command should be rejected")
	}
	// The expected one still goes through.
	if err := f.proc.ProcessCommand(ctx, deposit(102, "acct-alice", 1_000)); err != nil {
		t.Errorf("in-order: %v", err)
	}
}

func TestProcessCommand_StreamsValidatedIndependently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, deposit(100, "acct-alice", 1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// The withdrawals stream numbers its own commands; its baseline is
	// independent of the deposits stream.
	queue := &event.WithdrawQueueRequested{
		RequestID: uuid.New(),
		Account:   "acct-alice",
		Shares:    100_000,
		Sequence:  7,
		Timestamp: baseTime(),
	}
	if err := f.proc.ProcessCommand(ctx, queue); err != nil {
		t.Errorf("withdraw queue on own stream: %v", err)
	}
}

func TestProcessCommand_UnsequencedBypassesOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, deposit(100, "acct-alice", 1_000)); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Operator-injected commands carry no producer sequence.
	admin := deposit(-1, "acct-bob", 2_000)
	if err := f.proc.ProcessCommand(ctx, admin); err != nil {
		t.Fatalf("unsequenced: %v", err)
	}

	// The stream's expectation is untouched.
	if err := f.proc.ProcessCommand(ctx, deposit(101, "acct-alice", 1_000)); err != nil {
		t.Errorf("in-order after unsequenced: %v", err)
	}
}

// ============================================================================
// Test: valuations
// ============================================================================

func valuation(seq, total int64) *event.ValuationReported {
	return &event.ValuationReported{
		ReportID:   uuid.New(),
		TotalValue: total,
		Sequence:   seq,
		Timestamp:  baseTime(),
	}
}

func TestProcessCommand_ValuationGapsToleratedStaleSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, valuation(10, 1_000_000)); err != nil {
		t.Fatalf("first report: %v", err)
	}
	// Gap is fine: the missed mark is superseded.
	if err := f.proc.ProcessCommand(ctx, valuation(14, 1_200_000)); err != nil {
		t.Fatalf("gapped report: %v", err)
	}
	if got, ok := f.proc.LastValuation(); !ok || got != 1_200_000 {
		t.Errorf("last valuation: got (%d, %v), want 1_200_000", got, ok)
	}

	// Stale report is skipped without error and must not win.
	if err := f.proc.ProcessCommand(ctx, valuation(12, 900_000)); err != nil {
		t.Fatalf("stale report should not error: %v", err)
	}
	if got, _ := f.proc.LastValuation(); got != 1_200_000 {
		t.Errorf("stale report applied: got %d", got)
	}
}

// ============================================================================
// Test: close-of-round via the processor
// ============================================================================

func roundClose(seq int64, round uint64, totalBalance int64, ts time.Time) *event.RoundCloseRequested {
	return &event.RoundCloseRequested{
		RequestID:    uuid.New(),
		Round:        round,
		TotalBalance: totalBalance,
		Sequence:     seq,
		Timestamp:    ts,
	}
}

func TestProcessCommand_CloseWithoutBalanceUsesLastValuation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, deposit(1, "acct-alice", 1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// No mark reported yet: a sentinel close has nothing to price against.
	err := f.proc.ProcessCommand(ctx, roundClose(1, 1, -1, baseTime()))
	if !errors.Is(err, core.ErrNoValuation) {
		t.Fatalf("got %v, want ErrNoValuation", err)
	}

	if err := f.proc.ProcessCommand(ctx, valuation(1, 1_000_000)); err != nil {
		t.Fatalf("valuation: %v", err)
	}
	if err := f.proc.ProcessCommand(ctx, roundClose(2, 1, -1, baseTime())); err != nil {
		t.Fatalf("close: %v", err)
	}

	if f.vault.State().Round != 2 {
		t.Errorf("round: got %d, want 2", f.vault.State().Round)
	}
	if price, ok := f.vault.PriceForRound(1); !ok || price != 1_000_000 {
		t.Errorf("round-1 price: got (%d, %v), want 1_000_000", price, ok)
	}
}

func TestProcessCommand_ClockPinnedToCommandTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.proc.ProcessCommand(ctx, deposit(1, "acct-alice", 1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	closeAt := baseTime().Add(7 * 24 * time.Hour)
	if err := f.proc.ProcessCommand(ctx, roundClose(1, 1, 1_000_000, closeAt)); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The new epoch starts at the command's timestamp, not wall time, so
	// replaying the op log reproduces the same boundaries.
	st := f.vault.State()
	if !st.EpochStart.Equal(closeAt) {
		t.Errorf("epoch start: got %v, want %v", st.EpochStart, closeAt)
	}
	if !st.EpochEnd.Equal(closeAt.Add(7 * 24 * time.Hour)) {
		t.Errorf("epoch end: got %v, want %v", st.EpochEnd, closeAt.Add(7*24*time.Hour))
	}
}

// ============================================================================
// Test: concurrent snapshot and query reads
// ============================================================================

// Snapshots and the query handlers read processor state from goroutines other
// than the command loop. A capture taken mid-command must never be torn: the
// idempotency key count always matches the snapshot's sequence.
func TestProcessCommand_ConcurrentSnapshotReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const commands = 500

	// Keep the output channels drained so the command loop never blocks.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-f.persistChan:
			case <-f.publishChan:
			case <-done:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := f.proc.CreateSnapshotState()
			if got := int64(len(snap.IdempotencyKeys)); got != snap.Sequence+1 {
				t.Errorf("torn snapshot: %d keys at sequence %d", got, snap.Sequence)
				return
			}
			f.proc.GetSequence()
			f.proc.LastValuation()
		}
	}()

	for i := 0; i < commands; i++ {
		if err := f.proc.ProcessCommand(ctx, deposit(int64(100+i), "acct-alice", 1_000)); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	wg.Wait()
	close(done)

	snap := f.proc.CreateSnapshotState()
	if snap.Sequence != commands-1 {
		t.Errorf("final snapshot sequence: got %d, want %d", snap.Sequence, commands-1)
	}
	if f.vault.ShareBalance("acct-alice") != commands*1_000 {
		t.Errorf("final balance: got %d", f.vault.ShareBalance("acct-alice"))
	}
}

// ============================================================================
// Test: snapshot + restore
// ============================================================================

func TestSnapshotRestore_DuplicatesStillRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := deposit(1, "acct-alice", 1_000_000)
	if err := f.proc.ProcessCommand(ctx, cmd); err != nil {
		t.Fatalf("process: %v", err)
	}

	snap := f.proc.CreateSnapshotState()
	if snap.Sequence != 0 {
		t.Errorf("snapshot sequence: got %d, want 0", snap.Sequence)
	}

	// Fresh processor restored from the snapshot.
	f2 := newFixture(t)
	f2.proc.RestoreFromSnapshot(snap)
	f2.proc.WarmLRU(snap.IdempotencyKeys)

	if f2.proc.GetSequence() != 1 {
		t.Errorf("restored sequence: got %d, want 1", f2.proc.GetSequence())
	}
	if f2.vault.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("restored balance: got %d", f2.vault.ShareBalance("acct-alice"))
	}

	// The same command redelivered after restart is a duplicate.
	if err := f2.proc.ProcessCommand(ctx, cmd); err != nil {
		t.Fatalf("duplicate after restore: %v", err)
	}
	if f2.vault.ShareBalance("acct-alice") != 1_000_000 {
		t.Errorf("duplicate applied after restore: balance %d", f2.vault.ShareBalance("acct-alice"))
	}
	if got := len(drain(f2.persistChan)); got != 0 {
		t.Errorf("persist outputs after duplicate: got %d, want 0", got)
	}
}
