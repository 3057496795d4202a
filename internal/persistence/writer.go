package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationLogWriter writes applied commands to the vault.operations log
// using multi-row INSERT. Writes are idempotent: replays and worker retries
// conflict on sequence and are dropped.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in vault.operations
type OperationRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Payload        []byte // JSON-encoded command
	Result         []byte // JSON-encoded result
	Timestamp      time.Time
	SourceSequence int64
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteOperationBatch writes a batch of operations inside the given tx.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO vault.operations
		(sequence, command_type, idempotency_key, payload, result, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*7)

	for i, op := range ops {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			op.Sequence, op.CommandType, op.IdempotencyKey,
			op.Payload, op.Result, op.Timestamp, op.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ReadOperationsFrom streams operations with sequence >= from, in order,
// for startup replay.
func (w *OperationLogWriter) ReadOperationsFrom(ctx context.Context, from int64) ([]OperationRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, payload, result, timestamp, source_sequence
		FROM vault.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
	`, from)
	if err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var op OperationRow
		if err := rows.Scan(
			&op.Sequence, &op.CommandType, &op.IdempotencyKey,
			&op.Payload, &op.Result, &op.Timestamp, &op.SourceSequence,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarshalPayload serializes a command payload to JSON for storage.
func MarshalPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
