package event

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDepositRequested
	CommandTypeWithdrawQueueRequested
	CommandTypeWithdrawCompleteRequested
	CommandTypeRoundCloseRequested
	CommandTypeValuationReported
)

// CommandEnvelope wraps every applied command in the operation log
type CommandEnvelope struct {
	// Monotonic sequence assigned by the processor
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command payload
	Payload []byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeDepositRequested:
		return "DepositRequested"
	case CommandTypeWithdrawQueueRequested:
		return "WithdrawQueueRequested"
	case CommandTypeWithdrawCompleteRequested:
		return "WithdrawCompleteRequested"
	case CommandTypeRoundCloseRequested:
		return "RoundCloseRequested"
	case CommandTypeValuationReported:
		return "ValuationReported"
	default:
		return "Unknown"
	}
}
