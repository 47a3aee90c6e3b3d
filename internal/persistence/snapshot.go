package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"BasisVault/internal/core"
)

// SnapshotData is the serializable form of a warm-restart image:
// every vault's ledger, controller and position state, the price feed
// watermarks, the idempotency keys for LRU warming, and the hash chain
// position.
type SnapshotData struct {
	Sequence        int64                            `json:"sequence"`
	StateHash       []byte                           `json:"state_hash"`
	Vaults          map[string]core.InstanceSnapshot `json:"vaults"`
	PriceSequences  map[string]int64                 `json:"price_sequences"`
	IdempotencyKeys []string                         `json:"idempotency_keys"`
	CreatedAt       time.Time                        `json:"created_at"`
}

// NewSnapshotData converts an engine snapshot into its durable form.
func NewSnapshotData(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	stateHash := make([]byte, len(snap.StateHash))
	copy(stateHash, snap.StateHash[:])

	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       stateHash,
		Vaults:          snap.Vaults,
		PriceSequences:  snap.PriceSequences,
		IdempotencyKeys: snap.DedupKeys,
		CreatedAt:       createdAt,
	}
}

// EngineState converts the durable form back for Engine.RestoreFromSnapshot.
func (s *SnapshotData) EngineState() (*core.SnapshotState, error) {
	var stateHash [32]byte
	if len(s.StateHash) != len(stateHash) {
		return nil, fmt.Errorf("snapshot state hash is %d bytes, want %d", len(s.StateHash), len(stateHash))
	}
	copy(stateHash[:], s.StateHash)

	return &core.SnapshotState{
		Sequence:       s.Sequence,
		StateHash:      stateHash,
		Vaults:         s.Vaults,
		PriceSequences: s.PriceSequences,
		DedupKeys:      s.IdempotencyKeys,
	}, nil
}

// SnapshotManager stores and loads snapshots and serves event replay
// for warm restarts.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. A snapshot is saved unverified and
// only used for restarts once MarkVerified flips it.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil
// for a cold start. The caller replays events from Sequence+1 forward.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as usable after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM vault.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or
// zero for an empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
