package venue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nats-io/nats.go/jetstream"

	"BasisVault/internal/core"
)

// OutboundPublisher broadcasts committed events for downstream
// consumers (accounting, dashboards, alerting). Publishing is best
// effort: a consumer that needs a complete history reads the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
	log       zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.Output, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

type outboundEventJSON struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         *string         `json:"pool_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      []byte          `json:"state_hash"`
	TimestampUs    int64           `json:"timestamp_us"`
}

// publish sends to basis.events.{event_type} or, for pool-scoped
// events, basis.events.{event_type}.{pool_id}.
func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	env := out.Envelope

	data, err := json.Marshal(outboundEventJSON{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		TimestampUs:    env.Timestamp.UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("basis.events.%s", env.EventType)
	if env.PoolID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.PoolID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}
