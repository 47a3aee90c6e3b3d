package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"BasisVault/internal/core"
	"BasisVault/internal/event"
)

// ProjectionWorker maintains the queryable withdraw-request table from
// committed events. The engine's projection channel is non-blocking
// with drop, so this table is best effort and can always be rebuilt
// from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	lastSeq   int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		log:       log.With().Str("component", "projection_worker").Logger(),
	}
}

// Run consumes committed events until ctx is cancelled or the channel
// closes. A failed update is logged and skipped; the rebuild path
// recovers any gap.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.apply(ctx, out.Envelope); err != nil {
				pw.log.Warn().
					Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Str("event_type", out.Envelope.EventType.String()).
					Msg("projection update failed")
			}

			pw.lastSeq = out.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, env *event.Envelope) error {
	switch env.EventType {
	case event.EventTypeWithdrawRequested, event.EventTypeClaimed:
	default:
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch env.EventType {
	case event.EventTypeWithdrawRequested:
		var e event.WithdrawRequested
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return fmt.Errorf("decode withdraw request: %w", err)
		}
		if err := pw.upsertRequest(ctx, tx, env.Sequence, &e); err != nil {
			return fmt.Errorf("withdraw request projection: %w", err)
		}

	case event.EventTypeClaimed:
		var e event.Claimed
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return fmt.Errorf("decode claim: %w", err)
		}
		if err := pw.markClaimed(ctx, tx, env.Sequence, &e); err != nil {
			return fmt.Errorf("claim projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('withdraw_requests', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) upsertRequest(ctx context.Context, tx *sql.Tx, seq int64, e *event.WithdrawRequested) error {
	// A fully synchronous exit carries no request key and has no queue
	// entry to track.
	if e.RequestKey == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault.withdraw_requests
			(request_key, pool_id, owner, receiver, track, shares_burned,
			 immediate_assets, queued_assets, status, requested_at, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', $9, $10)
		ON CONFLICT (request_key) DO NOTHING
	`, e.RequestKey, e.Pool, e.Owner, e.Receiver, e.Track,
		e.SharesBurned, e.ImmediateAssets, e.QueuedAssets, e.Timestamp, seq)
	return err
}

func (pw *ProjectionWorker) markClaimed(ctx context.Context, tx *sql.Tx, seq int64, e *event.Claimed) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE vault.withdraw_requests
		SET status = 'claimed', payout = $2, claimed_at = $3, updated_sequence = $4
		WHERE request_key = $1
	`, e.RequestKey, e.Payout, e.Timestamp, seq)
	return err
}

// RebuildWithdrawRequests reconstructs the projection table from the
// event log. Used when the projection channel dropped events or after
// a schema reset.
func RebuildWithdrawRequests(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`TRUNCATE vault.withdraw_requests`,
		`DELETE FROM vault.projection_watermark WHERE worker_id = 'withdraw_requests'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projection: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO vault.withdraw_requests
			(request_key, pool_id, owner, receiver, track, shares_burned,
			 immediate_assets, queued_assets, status, requested_at, updated_sequence)
		SELECT
			payload->>'request_key',
			payload->>'pool_id',
			payload->>'owner',
			payload->>'receiver',
			payload->>'track',
			(payload->>'shares_burned')::NUMERIC,
			(payload->>'immediate_assets')::NUMERIC,
			(payload->>'queued_assets')::NUMERIC,
			'queued',
			(payload->>'timestamp')::TIMESTAMPTZ,
			sequence
		FROM vault.events
		WHERE event_type = 'WithdrawRequested'
		  AND COALESCE(payload->>'request_key', '') <> ''
		ON CONFLICT (request_key) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild requests: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE vault.withdraw_requests wr
		SET status = 'claimed',
		    payout = (c.payload->>'payout')::NUMERIC,
		    claimed_at = (c.payload->>'timestamp')::TIMESTAMPTZ,
		    updated_sequence = c.sequence
		FROM vault.events c
		WHERE c.event_type = 'Claimed'
		  AND c.payload->>'request_key' = wr.request_key
	`); err != nil {
		return fmt.Errorf("rebuild claims: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO vault.projection_watermark (worker_id, last_sequence, updated_at)
		SELECT 'withdraw_requests', COALESCE(MAX(sequence), 0), NOW() FROM vault.events
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	return nil
}
