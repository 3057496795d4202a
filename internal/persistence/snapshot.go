package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"epochvault/internal/vault"
)

// SnapshotManager creates and loads processor state snapshots for warm
// restarts: load the latest snapshot, then replay operations from
// snapshot.sequence+1 to the log head.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the full in-memory state at a point in the op sequence.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	Vault           *vault.Snapshot  `json:"vault"`
	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	LastValuation   int64            `json:"last_valuation"`
	HasValuation    bool             `json:"has_valuation"`
	CreatedAt       time.Time        `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are taken after every
// close-of-round and every N operations.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, snap.Sequence, data, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no snapshot yet, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM vault.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM vault.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	return err
}
