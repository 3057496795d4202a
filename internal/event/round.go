package event

import (
	"time"

	"github.com/google/uuid"
)

// RoundCloseRequested is the privileged close-of-round trigger. Round names
// the round being closed, which doubles as the idempotency guard: a second
// trigger for an already-closed round is rejected.
//
// TotalBalance optionally carries an explicit mark of the pooled capital;
// when negative, the latest ValuationReported figure is used instead.
type RoundCloseRequested struct {
	RequestID    uuid.UUID `json:"request_id"`
	Round        uint64    `json:"round"`
	TotalBalance int64     `json:"total_balance"`
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

func (r *RoundCloseRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RoundCloseRequested) CommandType() CommandType {
	return CommandTypeRoundCloseRequested
}

func (r *RoundCloseRequested) SourceSequence() int64 {
	return r.Sequence
}

// ValuationReported is the strategy/valuation layer's mark of all pooled
// capital, idle plus strategy-deployed. The latest report feeds the next
// close-of-round.
type ValuationReported struct {
	ReportID   uuid.UUID `json:"report_id"`
	TotalValue int64     `json:"total_value"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (v *ValuationReported) IdempotencyKey() string {
	return v.ReportID.String()
}

func (v *ValuationReported) CommandType() CommandType {
	return CommandTypeValuationReported
}

func (v *ValuationReported) SourceSequence() int64 {
	return v.Sequence
}
