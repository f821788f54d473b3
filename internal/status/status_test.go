package status

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalibrium/fieldsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSnapshotCounts(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	for _, id := range []string{"M1", "M2"} {
		m := store.Mutation{
			ID:        id,
			Method:    "POST",
			URL:       "/expenses",
			Body:      json.RawMessage(`{}`),
			CreatedAt: time.Now(),
		}
		if err := st.Enqueue(ctx, m); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
	}
	five := 5
	if err := st.UpdateQueueEntry(ctx, "M2", store.QueuePatch{Retries: &five}); err != nil {
		t.Fatalf("failed to stall: %v", err)
	}

	last := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.SetLastSyncAt(ctx, last); err != nil {
		t.Fatalf("failed to set last sync: %v", err)
	}

	tr := New(st, Config{})
	tr.SetOnline(false)

	s, err := tr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if s.PendingCount != 2 {
		t.Errorf("expected 2 pending, got %d", s.PendingCount)
	}
	if s.StalledCount != 1 {
		t.Errorf("expected 1 stalled, got %d", s.StalledCount)
	}
	if !s.LastSyncAt.Equal(last) {
		t.Errorf("expected last sync %v, got %v", last, s.LastSyncAt)
	}
	if s.IsOnline {
		t.Error("expected offline")
	}
	if s.IsSyncing {
		t.Error("expected not syncing")
	}
}

func TestSnapshotNeverSynced(t *testing.T) {
	st := setupTestStore(t)
	tr := New(st, Config{})

	s, err := tr.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !s.LastSyncAt.IsZero() {
		t.Errorf("expected zero last sync, got %v", s.LastSyncAt)
	}
}

func TestRequestSyncThrottle(t *testing.T) {
	st := setupTestStore(t)

	var calls int
	tr := New(st, Config{
		Sync:            func(string) { calls++ },
		MinSyncInterval: time.Minute,
	})

	// Never synced: the first request goes through.
	if !tr.RequestSync("online") {
		t.Fatal("first request should not be throttled")
	}
	if calls != 1 {
		t.Fatalf("expected 1 sync call, got %d", calls)
	}

	// A cycle just completed: event-driven requests are suppressed.
	tr.MarkCompleted(time.Now())
	for _, reason := range []string{"online", "message:expense_created", "reconnect"} {
		if tr.RequestSync(reason) {
			t.Errorf("request (%s) inside throttle window should be suppressed", reason)
		}
	}
	if calls != 1 {
		t.Errorf("throttled requests must not sync, got %d calls", calls)
	}

	// Outside the window the next request runs again.
	tr.MarkCompleted(time.Now().Add(-2 * time.Minute))
	if tr.RequestSync("online") {
		// MarkCompleted keeps the most recent completion, so the
		// earlier timestamp does not rewind the window.
		t.Error("older completion must not reopen the throttle window")
	}
}

func TestMarkCompletedKeepsLatest(t *testing.T) {
	st := setupTestStore(t)

	var calls int
	tr := New(st, Config{
		Sync:            func(string) { calls++ },
		MinSyncInterval: 50 * time.Millisecond,
	})

	tr.MarkCompleted(time.Now())
	time.Sleep(60 * time.Millisecond)

	if !tr.RequestSync("timer-catchup") {
		t.Error("request after the window elapsed should run")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestIsSyncingPassthrough(t *testing.T) {
	st := setupTestStore(t)

	syncing := true
	tr := New(st, Config{IsSyncing: func() bool { return syncing }})

	s, _ := tr.Snapshot(context.Background())
	if !s.IsSyncing {
		t.Error("expected syncing true")
	}

	syncing = false
	s, _ = tr.Snapshot(context.Background())
	if s.IsSyncing {
		t.Error("expected syncing false")
	}
}
