package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Metadata keys. Singleton values living for the application session and
// across restarts.
const (
	metaLastSyncAt = "last_sync_at"
	metaPullCursor = "pull_cursor"
)

// LastSyncAt returns the timestamp of the last successful full sync, or the
// zero time if no sync has completed yet.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	return s.metaTime(ctx, metaLastSyncAt)
}

// SetLastSyncAt records the completion time of a successful sync cycle.
func (s *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, metaLastSyncAt, t.Format(time.RFC3339Nano))
}

// PullCursor returns the incremental pull cursor: the server timestamp the
// next pull should use as its "since" parameter. Zero time on first sync.
func (s *Store) PullCursor(ctx context.Context) (time.Time, error) {
	return s.metaTime(ctx, metaPullCursor)
}

// SetPullCursor advances the incremental pull cursor.
func (s *Store) SetPullCursor(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, metaPullCursor, t.Format(time.RFC3339Nano))
}

func (s *Store) metaTime(ctx context.Context, key string) (time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read meta %s: %w", key, err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse meta %s: %w", key, err)
	}
	return t, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}
