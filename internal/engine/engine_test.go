package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalibrium/fieldsync/internal/api"
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

// syncServer is a scriptable stand-in for the server's sync surface.
type syncServer struct {
	mu         sync.Mutex
	pulls      map[string]string // entity type -> JSON array body
	pullStatus int
	batchCalls int32
	batchDelay time.Duration
	batch      func(items []api.BatchItem) api.BatchResult
	lastBatch  []api.BatchItem
}

func newSyncServer() *syncServer {
	return &syncServer{
		pulls: make(map[string]string),
		batch: func(items []api.BatchItem) api.BatchResult {
			return api.BatchResult{Processed: len(items)}
		},
	}
}

func (s *syncServer) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/batch", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.batchCalls, 1)
		if s.batchDelay > 0 {
			time.Sleep(s.batchDelay)
		}
		var body struct {
			Mutations []api.BatchItem `json:"mutations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		s.mu.Lock()
		s.lastBatch = body.Mutations
		result := s.batch(body.Mutations)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/sync/attachment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/sync/", func(w http.ResponseWriter, r *http.Request) {
		if s.pullStatus != 0 {
			w.WriteHeader(s.pullStatus)
			return
		}
		entity := strings.TrimPrefix(r.URL.Path, "/sync/")
		s.mu.Lock()
		body, ok := s.pulls[entity]
		s.mu.Unlock()
		if !ok {
			body = "[]"
		}
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func newTestEngine(t *testing.T, st *store.Store, srv *syncServer) *Engine {
	t.Helper()

	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	client := api.New(api.Config{BaseURL: ts.URL})
	return New(st, client, Config{Entities: []string{"work_orders"}})
}

func enqueue(t *testing.T, st *store.Store, id string) {
	t.Helper()

	m := store.Mutation{
		ID:        id,
		Method:    "POST",
		URL:       "/expenses",
		Body:      json.RawMessage(`{"id":"` + id + `","amount":10}`),
		CreatedAt: time.Now(),
	}
	if err := st.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

func TestFullSyncHappyPath(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()
	srv.pulls["work_orders"] = `[{"id":"WO1","status":"open","updated_at":"2026-08-30T08:00:00Z"}]`

	// Device offline: user logged an expense, queued with a local ID.
	enqueue(t, st, "01EXPENSE")

	eng := newTestEngine(t, st, srv)

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	if result.Processed != 1 {
		t.Errorf("expected 1 processed mutation, got %d", result.Processed)
	}
	if result.Pulled != 1 {
		t.Errorf("expected 1 pulled record, got %d", result.Pulled)
	}

	pending, _ := st.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("queue should be empty after acceptance, got %d", pending)
	}

	last, _ := st.LastSyncAt(ctx)
	if last.IsZero() {
		t.Error("lastSyncAt should advance after a successful pull")
	}
}

func TestFullSyncBatchItemError(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()
	srv.batch = func(items []api.BatchItem) api.BatchResult {
		return api.BatchResult{
			Processed: 0,
			Errors:    []api.ItemError{{ID: "01BAD", Message: "amount must be positive"}},
		}
	}

	enqueue(t, st, "01BAD")
	eng := newTestEngine(t, st, srv)

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].ID != "01BAD" {
		t.Fatalf("expected mutation error surfaced, got %+v", result.Errors)
	}

	queued, _ := st.ListQueue(ctx)
	if len(queued) != 1 {
		t.Fatalf("rejected mutation must stay queued, got %d", len(queued))
	}
	if queued[0].Retries != 1 {
		t.Errorf("expected retries = 1, got %d", queued[0].Retries)
	}
	if queued[0].LastError != "amount must be positive" {
		t.Errorf("expected last_error set, got %q", queued[0].LastError)
	}

	// Server accepts it on a later cycle; the queue clears.
	srv.mu.Lock()
	srv.batch = func(items []api.BatchItem) api.BatchResult {
		return api.BatchResult{Processed: len(items)}
	}
	srv.mu.Unlock()

	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	pending, _ := st.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("accepted mutation should be dequeued, got %d pending", pending)
	}
}

func TestFullSyncSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()
	srv.batchDelay = 150 * time.Millisecond

	enqueue(t, st, "01SLOW")
	eng := newTestEngine(t, st, srv)

	started := make(chan struct{})
	var firstResult Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		firstResult, _ = eng.FullSync(ctx)
	}()

	<-started
	time.Sleep(50 * time.Millisecond) // let the first cycle reach the slow batch call

	if !eng.IsSyncing() {
		t.Error("IsSyncing should be true during a cycle")
	}

	second, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("concurrent sync failed: %v", err)
	}
	if !second.Skipped {
		t.Error("concurrent FullSync should coalesce into the running cycle")
	}

	wg.Wait()

	if firstResult.Skipped {
		t.Error("first cycle should have run")
	}
	if eng.IsSyncing() {
		t.Error("IsSyncing should be false after the cycle")
	}
	if n := atomic.LoadInt32(&srv.batchCalls); n != 1 {
		t.Errorf("expected exactly 1 batch call, got %d", n)
	}
}

func TestConflictResolutionLastWriteWins(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	local := store.Record{ID: "WO1", Payload: json.RawMessage(`{"value":"local"}`), UpdatedAt: t1}
	older := store.Record{ID: "WO1", Payload: json.RawMessage(`{"value":"remote"}`), UpdatedAt: t1.Add(-time.Second)}
	newer := store.Record{ID: "WO1", Payload: json.RawMessage(`{"value":"remote"}`), UpdatedAt: t1.Add(time.Second)}
	tied := store.Record{ID: "WO1", Payload: json.RawMessage(`{"value":"remote"}`), UpdatedAt: t1}

	if !Wins(local, older) {
		t.Error("local with newer timestamp must win")
	}
	if Wins(local, newer) {
		t.Error("remote with newer timestamp must win")
	}
	if !Wins(local, tied) {
		t.Error("exact tie must go to the local copy")
	}
}

func TestPullAppliesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()

	// Local WO1 is newer than the server's copy; WO2 is older.
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	locals := []store.Record{
		{ID: "WO1", Payload: json.RawMessage(`{"value":"local"}`), UpdatedAt: now},
		{ID: "WO2", Payload: json.RawMessage(`{"value":"local"}`), UpdatedAt: now.Add(-time.Hour)},
	}
	if err := st.PutSnapshot(ctx, "work_orders", locals); err != nil {
		t.Fatalf("failed to seed snapshots: %v", err)
	}

	srv.pulls["work_orders"] = `[
		{"id":"WO1","value":"remote","updated_at":"2026-08-30T11:00:00Z"},
		{"id":"WO2","value":"remote","updated_at":"2026-08-30T12:00:00Z"}
	]`

	eng := newTestEngine(t, st, srv)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	wo1, _ := st.GetRecord(ctx, "work_orders", "WO1")
	if !strings.Contains(string(wo1.Payload), "local") {
		t.Errorf("newer local record must survive the pull: %s", wo1.Payload)
	}

	wo2, _ := st.GetRecord(ctx, "work_orders", "WO2")
	if !strings.Contains(string(wo2.Payload), "remote") {
		t.Errorf("newer remote record must overwrite: %s", wo2.Payload)
	}
}

func TestStalledMutationExcludedFromBatch(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()

	enqueue(t, st, "01STALLED")
	enqueue(t, st, "01FRESH")

	five := 5
	if err := st.UpdateQueueEntry(ctx, "01STALLED", store.QueuePatch{Retries: &five}); err != nil {
		t.Fatalf("failed to stall mutation: %v", err)
	}

	eng := newTestEngine(t, st, srv)
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	srv.mu.Lock()
	sent := srv.lastBatch
	srv.mu.Unlock()

	if len(sent) != 1 {
		t.Fatalf("expected only the fresh mutation in the batch, got %d items", len(sent))
	}
	var data api.BatchItemData
	if err := json.Unmarshal(sent[0].Data, &data); err != nil {
		t.Fatalf("bad batch item: %v", err)
	}
	if data.ID != "01FRESH" {
		t.Errorf("stalled mutation leaked into the batch: %s", data.ID)
	}

	// The stalled mutation stays queued, never silently dropped.
	pending, _ := st.PendingCount(ctx)
	if pending != 1 {
		t.Errorf("expected stalled mutation retained, got %d pending", pending)
	}
}

func TestPullFailureDoesNotAdvanceLastSync(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()
	srv.pullStatus = http.StatusInternalServerError

	enqueue(t, st, "01PUSHME")
	eng := newTestEngine(t, st, srv)

	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if len(result.CycleErrors) == 0 {
		t.Error("pull failure should be reported in the summary")
	}

	// The push half still ran despite the failed pull.
	pending, _ := st.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("push half should run despite pull failure, got %d pending", pending)
	}

	last, _ := st.LastSyncAt(ctx)
	if !last.IsZero() {
		t.Error("lastSyncAt must not advance when the pull half failed")
	}
}

func TestAttachmentUpload(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()

	spool := t.TempDir()
	path := filepath.Join(spool, "sig.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	att := store.Attachment{
		ID:          "ATT1",
		WorkOrderID: "WO1",
		EntityType:  "signature",
		FilePath:    path,
		FileName:    "sig.png",
		CreatedAt:   time.Now(),
	}
	if err := st.AddAttachment(ctx, att); err != nil {
		t.Fatalf("failed to add attachment: %v", err)
	}

	eng := newTestEngine(t, st, srv)
	result, err := eng.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if result.Uploaded != 1 {
		t.Errorf("expected 1 uploaded attachment, got %d", result.Uploaded)
	}

	unsynced, _ := st.UnsyncedAttachments(ctx)
	if len(unsynced) != 0 {
		t.Errorf("attachment should be marked synced, got %d unsynced", len(unsynced))
	}

	// A second cycle must not upload it again.
	result, _ = eng.FullSync(ctx)
	if result.Uploaded != 0 {
		t.Errorf("synced attachment uploaded twice")
	}
}

func TestMissingAttachmentFileRetainedUnsynced(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()

	att := store.Attachment{
		ID:          "ATTGONE",
		WorkOrderID: "WO1",
		EntityType:  "photo",
		FilePath:    filepath.Join(t.TempDir(), "missing.jpg"),
		FileName:    "missing.jpg",
		CreatedAt:   time.Now(),
	}
	if err := st.AddAttachment(ctx, att); err != nil {
		t.Fatalf("failed to add attachment: %v", err)
	}

	eng := newTestEngine(t, st, srv)
	result, _ := eng.FullSync(ctx)

	if result.Uploaded != 0 {
		t.Errorf("unreadable attachment must not count as uploaded")
	}
	if len(result.CycleErrors) == 0 {
		t.Error("unreadable attachment should be reported")
	}

	unsynced, _ := st.UnsyncedAttachments(ctx)
	if len(unsynced) != 1 {
		t.Errorf("failed attachment must remain unsynced for the next cycle")
	}
}

func TestListenerNotificationAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	srv := newSyncServer()
	eng := newTestEngine(t, st, srv)

	var mu sync.Mutex
	var got []Result
	unsubscribe := eng.OnSyncComplete(func(r Result) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}

	unsubscribe()
	if _, err := eng.FullSync(ctx); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	mu.Lock()
	n = len(got)
	mu.Unlock()
	if n != 1 {
		t.Errorf("unsubscribed listener still notified")
	}
}
