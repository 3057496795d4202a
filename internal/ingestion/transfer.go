package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// TransferSubject is the request/reply subject the custody service answers
// transfer instructions on.
const TransferSubject = "vault.transfers.execute"

// NATSTransferor issues transfer instructions to the custody service over
// NATS request/reply. A reply with status "ok" means the transfer was
// accepted; anything else is reported back to the caller so it can revert
// or retain the staged change.
type NATSTransferor struct {
	nc      *nats.Conn
	timeout time.Duration
	log     zerolog.Logger
}

type transferRequest struct {
	TransferID string `json:"transfer_id"`
	Recipient  string `json:"recipient"`
	Amount     int64  `json:"amount"`
}

type transferReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewNATSTransferor(nc *nats.Conn, timeout time.Duration, log zerolog.Logger) *NATSTransferor {
	return &NATSTransferor{
		nc:      nc,
		timeout: timeout,
		log:     log.With().Str("component", "transferor").Logger(),
	}
}

// Transfer sends a transfer instruction and waits for the custody reply.
func (t *NATSTransferor) Transfer(ctx context.Context, recipient string, amount int64) error {
	req := transferRequest{
		TransferID: uuid.New().String(),
		Recipient:  recipient,
		Amount:     amount,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(ctx, TransferSubject, data)
	if err != nil {
		return fmt.Errorf("transfer request: %w", err)
	}

	var reply transferReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("parse transfer reply: %w", err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("transfer rejected: %s", reply.Error)
	}

	t.log.Debug().Str("recipient", recipient).Int64("amount", amount).Msg("transfer accepted")
	return nil
}
