package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetAll returns every cached record of the given entity type, ordered by ID.
func (s *Store) GetAll(ctx context.Context, entityType string) ([]Record, error) {
	query := `
	SELECT entity_type, id, payload, updated_at
	FROM snapshots
	WHERE entity_type = ?
	ORDER BY id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", entityType, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetRecord returns a single cached record, or sql.ErrNoRows if absent.
func (s *Store) GetRecord(ctx context.Context, entityType, id string) (*Record, error) {
	query := `
	SELECT entity_type, id, payload, updated_at
	FROM snapshots
	WHERE entity_type = ? AND id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, entityType, id)

	var rec Record
	var payload, updatedAt string
	if err := row.Scan(&rec.EntityType, &rec.ID, &payload, &updatedAt); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}

// PutSnapshot upserts the given records for one entity type in a single
// transaction. Each record replaces any cached copy wholesale; there is no
// field-level merge. Conflict resolution between local and pulled copies is
// the sync engine's job, before it calls here.
func (s *Store) PutSnapshot(ctx context.Context, entityType string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO snapshots (entity_type, id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`

	for _, rec := range records {
		rec.EntityType = entityType
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record: %w", err)
		}
		_, err := tx.ExecContext(ctx, query,
			entityType,
			rec.ID,
			string(rec.Payload),
			rec.UpdatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert snapshot %s/%s: %w", entityType, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return nil
}

// DeleteRecord removes one cached record. Returns nil if the record doesn't
// exist (idempotent).
func (s *Store) DeleteRecord(ctx context.Context, entityType, id string) error {
	query := `DELETE FROM snapshots WHERE entity_type = ? AND id = ?`
	if _, err := s.conn.ExecContext(ctx, query, entityType, id); err != nil {
		return fmt.Errorf("failed to delete snapshot %s/%s: %w", entityType, id, err)
	}
	return nil
}

// scanRecords is a helper to scan multiple records from query results.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record

	for rows.Next() {
		var rec Record
		var payload, updatedAt string

		if err := rows.Scan(&rec.EntityType, &rec.ID, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)

		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			rec.UpdatedAt = t
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
