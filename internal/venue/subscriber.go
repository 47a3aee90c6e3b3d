package venue

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"BasisVault/internal/observability"
	"BasisVault/internal/position"
)

// ReportSink consumes venue execution reports. Implemented by the
// engine; redelivered reports are dropped there via the report id.
type ReportSink interface {
	HandleExecutionReport(ctx context.Context, market string, rep position.ExecutionReport, ts time.Time) error
}

// PriceSink consumes mark price ticks. Stale ticks are dropped inside.
type PriceSink interface {
	UpdatePrice(token string, price sdkmath.LegacyDec, sequence int64, ts time.Time) error
}

const (
	reportSubject = "basis.venue.reports.>"
	priceSubject  = "basis.prices.>"
)

// Subscriber feeds venue execution reports and price ticks from
// JetStream into the engine. Consumers use explicit ACK with bounded
// redelivery; the engine's idempotency layer absorbs duplicates.
type Subscriber struct {
	js        jetstream.JetStream
	reports   ReportSink
	prices    PriceSink
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, reports ReportSink, prices PriceSink, metrics *observability.Metrics, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		reports: reports,
		prices:  prices,
		metrics: metrics,
		log:     log.With().Str("component", "venue_subscriber").Logger(),
	}
}

// Start creates the durable consumers and begins delivery. Call Stop
// to drain.
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.consume(ctx, "BASIS_VENUE", "vault-venue-reports", reportSubject, s.handleReport); err != nil {
		return err
	}
	if err := s.consume(ctx, "BASIS_PRICES", "vault-prices", priceSubject, s.handlePrice); err != nil {
		return err
	}
	return nil
}

func (s *Subscriber) consume(ctx context.Context, stream, durable, subject string, handler func(context.Context, jetstream.Msg) error) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		start := time.Now()
		if err := handler(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("message handling failed")
			msg.Nak()
			return
		}
		msg.Ack()
		if s.metrics != nil {
			s.metrics.NATSPullLatency.WithLabelValues(subject).Observe(time.Since(start).Seconds())
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	s.consumers = append(s.consumers, cc)
	s.log.Info().Str("subject", subject).Str("consumer", durable).Msg("subscribed")
	return nil
}

func (s *Subscriber) handleReport(ctx context.Context, msg jetstream.Msg) error {
	market, rep, ts, err := ParseExecutionReport(msg.Data())
	if err != nil {
		// Malformed payloads never parse; returning nil acks the
		// message and stops redelivery.
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping unparseable report")
		return nil
	}
	return s.reports.HandleExecutionReport(ctx, market, rep, ts)
}

func (s *Subscriber) handlePrice(_ context.Context, msg jetstream.Msg) error {
	tick, err := ParsePriceTick(msg.Data())
	if err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping unparseable price tick")
		return nil
	}
	return s.prices.UpdatePrice(tick.Token, tick.Price, tick.Sequence, tick.Timestamp)
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("venue subscribers stopped")
}
