package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Enqueue appends a mutation to the tail of the outbound queue.
//
// The queue is append-only for new writes; replay order is insertion order.
func (s *Store) Enqueue(ctx context.Context, m Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	query := `
	INSERT INTO mutation_queue (id, method, url, body, created_at, retries, last_error)
	VALUES (?, ?, ?, ?, ?, 0, NULL)
	`

	var body any
	if m.Body != nil {
		body = string(m.Body)
	}

	_, err := s.conn.ExecContext(ctx, query,
		m.ID,
		m.Method,
		m.URL,
		body,
		m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", m.ID, err)
	}

	return nil
}

// Dequeue removes one mutation by ID, called only after the server confirms
// acceptance or the user explicitly drops it. Returns nil if the mutation
// doesn't exist (idempotent).
func (s *Store) Dequeue(ctx context.Context, id string) error {
	query := `DELETE FROM mutation_queue WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to dequeue mutation %s: %w", id, err)
	}
	return nil
}

// ListQueue returns all queued mutations in FIFO order.
func (s *Store) ListQueue(ctx context.Context) ([]Mutation, error) {
	query := `
	SELECT id, method, url, body, created_at, retries, last_error
	FROM mutation_queue
	ORDER BY seq ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var mutations []Mutation
	for rows.Next() {
		var m Mutation
		var body, lastError sql.NullString
		var createdAt string

		if err := rows.Scan(&m.ID, &m.Method, &m.URL, &body, &createdAt, &m.Retries, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		if body.Valid {
			m.Body = []byte(body.String)
		}
		if lastError.Valid {
			m.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}

		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}

	return mutations, nil
}

// UpdateQueueEntry applies a patch to one queued mutation. Only the sync
// engine (retry bookkeeping) and the CLI retry command call this.
func (s *Store) UpdateQueueEntry(ctx context.Context, id string, patch QueuePatch) error {
	if patch.Retries == nil && patch.LastError == nil {
		return nil
	}

	query := "UPDATE mutation_queue SET "
	var args []any

	if patch.Retries != nil {
		query += "retries = ?"
		args = append(args, *patch.Retries)
	}
	if patch.LastError != nil {
		if len(args) > 0 {
			query += ", "
		}
		query += "last_error = ?"
		if *patch.LastError == "" {
			args = append(args, nil)
		} else {
			args = append(args, *patch.LastError)
		}
	}

	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("queue entry %s not found", id)
	}

	return nil
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutation_queue").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}

// StalledCount returns the number of mutations whose retry budget is spent.
// Stalled mutations stay queued awaiting manual resolution; they are never
// deleted automatically.
func (s *Store) StalledCount(ctx context.Context, maxRetries int) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutation_queue WHERE retries >= ?", maxRetries).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stalled mutations: %w", err)
	}
	return count, nil
}
