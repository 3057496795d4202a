package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Outbound events are published after the core has accepted the
// command. Subjects follow the pattern: vault.ledger.events.{command_type}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableCommand
	log       zerolog.Logger
}

// PublishableCommand is an applied command ready for outbound publishing.
type PublishableCommand struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableCommand, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, cmd); err != nil {
				op.log.Warn().Err(err).Int64("sequence", cmd.Sequence).Msg("outbound publish failed")
				// Non-fatal: downstream consumers can query the operation log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, cmd PublishableCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	subject := fmt.Sprintf("vault.ledger.events.%s", cmd.CommandType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_LEDGER_EVENTS",
		Subjects:  []string{"vault.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Msg("ensured outbound stream VAULT_LEDGER_EVENTS")
	return nil
}
