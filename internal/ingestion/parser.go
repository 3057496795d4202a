package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"epochvault/internal/event"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed event.Command. The ingestion shell validates, parses, and
// converts raw messages before sending to the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "DepositRequested":
		return parseDepositRequested(raw.Data)
	case "WithdrawQueueRequested":
		return parseWithdrawQueueRequested(raw.Data)
	case "WithdrawCompleteRequested":
		return parseWithdrawCompleteRequested(raw.Data)
	case "RoundCloseRequested":
		return parseRoundCloseRequested(raw.Data)
	case "ValuationReported":
		return parseValuationReported(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositRequested(data []byte) (*event.DepositRequested, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositRequested: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	if j.Account == "" {
		return nil, fmt.Errorf("parse DepositRequested: empty account")
	}

	return &event.DepositRequested{
		DepositID: depositID,
		Account:   j.Account,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawQueueJSON struct {
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Shares      int64  `json:"shares"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawQueueRequested(data []byte) (*event.WithdrawQueueRequested, error) {
	var j withdrawQueueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawQueueRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.Account == "" {
		return nil, fmt.Errorf("parse WithdrawQueueRequested: empty account")
	}

	return &event.WithdrawQueueRequested{
		RequestID: requestID,
		Account:   j.Account,
		Shares:    j.Shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawCompleteJSON struct {
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawCompleteRequested(data []byte) (*event.WithdrawCompleteRequested, error) {
	var j withdrawCompleteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCompleteRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.Account == "" {
		return nil, fmt.Errorf("parse WithdrawCompleteRequested: empty account")
	}

	return &event.WithdrawCompleteRequested{
		RequestID: requestID,
		Account:   j.Account,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type roundCloseJSON struct {
	RequestID   string `json:"request_id"`
	Round       uint64 `json:"round"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`

	// Optional explicit mark. Omitted or null means "use latest valuation".
	TotalBalance *int64 `json:"total_balance,omitempty"`
}

func parseRoundCloseRequested(data []byte) (*event.RoundCloseRequested, error) {
	var j roundCloseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RoundCloseRequested: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	totalBalance := int64(-1)
	if j.TotalBalance != nil {
		if *j.TotalBalance < 0 {
			return nil, fmt.Errorf("parse RoundCloseRequested: negative total_balance")
		}
		totalBalance = *j.TotalBalance
	}

	return &event.RoundCloseRequested{
		RequestID:    requestID,
		Round:        j.Round,
		TotalBalance: totalBalance,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type valuationJSON struct {
	ReportID    string `json:"report_id"`
	TotalValue  int64  `json:"total_value"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseValuationReported(data []byte) (*event.ValuationReported, error) {
	var j valuationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ValuationReported: %w", err)
	}

	reportID, err := uuid.Parse(j.ReportID)
	if err != nil {
		return nil, fmt.Errorf("parse report_id: %w", err)
	}
	if j.TotalValue < 0 {
		return nil, fmt.Errorf("parse ValuationReported: negative total_value")
	}

	return &event.ValuationReported{
		ReportID:   reportID,
		TotalValue: j.TotalValue,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}
