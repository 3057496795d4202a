package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"epochvault/internal/event"
)

// AdminIngestService provides manual command injection, bypassing NATS.
// It backs the admin HTTP surface and the close-of-round scheduler; it is
// not for high-throughput ingestion (use NATS for that).
type AdminIngestService struct {
	commandChan chan<- event.Command
}

// unsequenced marks operator-injected commands, which carry no producer
// sequence and bypass strict ordering checks. Valuations keep a timestamp
// sequence so stale admin marks lose to newer stream reports.
const unsequenced int64 = -1

func NewAdminIngestService(commandChan chan<- event.Command) *AdminIngestService {
	return &AdminIngestService{commandChan: commandChan}
}

// InjectDeposit manually injects a DepositRequested command.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	account string,
	amount int64,
) error {
	if account == "" {
		return fmt.Errorf("account must not be empty")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	cmd := &event.DepositRequested{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    amount,
		Sequence:  unsequenced,
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectWithdrawQueue manually injects a WithdrawQueueRequested command.
func (s *AdminIngestService) InjectWithdrawQueue(
	ctx context.Context,
	account string,
	shares int64,
) error {
	if account == "" {
		return fmt.Errorf("account must not be empty")
	}
	if shares <= 0 {
		return fmt.Errorf("shares must be positive")
	}

	cmd := &event.WithdrawQueueRequested{
		RequestID: uuid.New(),
		Account:   account,
		Shares:    shares,
		Sequence:  unsequenced,
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectWithdrawComplete manually injects a WithdrawCompleteRequested command.
func (s *AdminIngestService) InjectWithdrawComplete(
	ctx context.Context,
	account string,
) error {
	if account == "" {
		return fmt.Errorf("account must not be empty")
	}

	cmd := &event.WithdrawCompleteRequested{
		RequestID: uuid.New(),
		Account:   account,
		Sequence:  unsequenced,
		Timestamp: time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectRoundClose injects a RoundCloseRequested command. A negative
// totalBalance means "use the latest reported valuation".
func (s *AdminIngestService) InjectRoundClose(
	ctx context.Context,
	round uint64,
	totalBalance int64,
) error {
	cmd := &event.RoundCloseRequested{
		RequestID:    uuid.New(),
		Round:        round,
		TotalBalance: totalBalance,
		Sequence:     unsequenced,
		Timestamp:    time.Now(),
	}

	return s.send(ctx, cmd)
}

// InjectValuation manually injects a ValuationReported command.
func (s *AdminIngestService) InjectValuation(
	ctx context.Context,
	totalValue int64,
) error {
	if totalValue < 0 {
		return fmt.Errorf("total value must not be negative")
	}

	cmd := &event.ValuationReported{
		ReportID:   uuid.New(),
		TotalValue: totalValue,
		Sequence:   time.Now().UnixMicro(),
		Timestamp:  time.Now(),
	}

	return s.send(ctx, cmd)
}

func (s *AdminIngestService) send(ctx context.Context, cmd event.Command) error {
	select {
	case s.commandChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
