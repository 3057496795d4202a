package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositRequested adds value to the open round's pending balance for a
// beneficiary account.
type DepositRequested struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Account   string    `json:"account"`
	Amount    int64     `json:"amount"` // fixed-point, asset decimals
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DepositRequested) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositRequested) CommandType() CommandType {
	return CommandTypeDepositRequested
}

func (d *DepositRequested) SourceSequence() int64 {
	return d.Sequence
}
