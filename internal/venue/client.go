package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"BasisVault/internal/position"
)

// NATSVenueClient submits adjustment requests to the position venue
// over JetStream. The venue answers asynchronously with execution
// reports on the report subject.
type NATSVenueClient struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewNATSVenueClient(js jetstream.JetStream, log zerolog.Logger) *NATSVenueClient {
	return &NATSVenueClient{
		js:  js,
		log: log.With().Str("component", "venue_client").Logger(),
	}
}

// SubmitAdjustment publishes one adjustment request to
// basis.venue.requests.{market}. JetStream's at-least-once delivery
// plus the venue's request-id dedup make retries safe.
func (c *NATSVenueClient) SubmitAdjustment(ctx context.Context, req position.VenueRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal venue request: %w", err)
	}

	subject := fmt.Sprintf("basis.venue.requests.%s", req.Market)
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish venue request: %w", err)
	}

	c.log.Debug().
		Str("request_id", req.RequestID.String()).
		Str("market", req.Market).
		Bool("is_increase", req.IsIncrease).
		Msg("adjustment submitted")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use file storage with a 72h retention window; the
// durable event log in Postgres is the system of record.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "BASIS_VENUE",
			Subjects:  []string{"basis.venue.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "BASIS_PRICES",
			Subjects:  []string{"basis.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "BASIS_EVENTS",
			Subjects:  []string{"basis.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}
