package store

import (
	"context"
	"fmt"
	"time"
)

// AddAttachment registers a spooled file for upload. Re-registering the
// same ID or the same file path is a no-op, so the spool watcher can fire
// duplicate events safely.
func (s *Store) AddAttachment(ctx context.Context, a Attachment) error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.FilePath == "" || a.FileName == "" {
		return fmt.Errorf("file_path and file_name are required")
	}

	query := `
	INSERT INTO attachments (id, work_order_id, entity_type, entity_id, file_path, file_name, synced, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT DO NOTHING
	`

	_, err := s.conn.ExecContext(ctx, query,
		a.ID,
		a.WorkOrderID,
		a.EntityType,
		a.EntityID,
		a.FilePath,
		a.FileName,
		a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to add attachment %s: %w", a.ID, err)
	}

	return nil
}

// UnsyncedAttachments returns attachments still awaiting upload, oldest first.
func (s *Store) UnsyncedAttachments(ctx context.Context) ([]Attachment, error) {
	query := `
	SELECT id, work_order_id, entity_type, entity_id, file_path, file_name, synced, created_at
	FROM attachments
	WHERE synced = 0
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		var synced int

		if err := rows.Scan(&a.ID, &a.WorkOrderID, &a.EntityType, &a.EntityID,
			&a.FilePath, &a.FileName, &synced, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}

		a.Synced = synced != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = t
		}

		attachments = append(attachments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}

// MarkAttachmentSynced flags an attachment as uploaded.
func (s *Store) MarkAttachmentSynced(ctx context.Context, id string) error {
	query := `UPDATE attachments SET synced = 1 WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark attachment %s synced: %w", id, err)
	}
	return nil
}
