package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalibrium/fieldsync/internal/api"
	"github.com/kalibrium/fieldsync/internal/engine"
	"github.com/kalibrium/fieldsync/internal/status"
	"github.com/kalibrium/fieldsync/internal/store"
)

// nopTransport lets the engine run without a server.
type nopTransport struct{}

func (nopTransport) Pull(ctx context.Context, entityType string, since time.Time) ([]store.Record, error) {
	return nil, nil
}

func (nopTransport) PushBatch(ctx context.Context, items []api.BatchItem) (*api.BatchResult, error) {
	return &api.BatchResult{Processed: len(items)}, nil
}

func (nopTransport) UploadAttachment(ctx context.Context, att store.Attachment, file io.Reader) error {
	return nil
}

func setupDaemon(t *testing.T, spool string) (*Daemon, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	quiet := log.New(io.Discard, "", 0)
	eng := engine.New(st, nopTransport{}, engine.Config{Logger: quiet})
	tracker := status.New(st, status.Config{Logger: quiet})

	d, err := New(st, eng, tracker, nil, &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		SpoolDir:         spool,
		Logger:           quiet,
	})
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	return d, st
}

func startDaemon(t *testing.T, d *Daemon) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Start(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return cancel
}

// waitAttachments polls until the expected number of attachments is
// registered or the deadline passes.
func waitAttachments(t *testing.T, st *store.Store, want int) []store.Attachment {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		atts, err := st.UnsyncedAttachments(context.Background())
		if err != nil {
			t.Fatalf("failed to list attachments: %v", err)
		}
		if len(atts) >= want {
			return atts
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d attachments", want)
	return nil
}

func TestSpoolFileRegistered(t *testing.T) {
	spool := t.TempDir()
	d, st := setupDaemon(t, spool)
	startDaemon(t, d)

	woDir := filepath.Join(spool, "WO100")
	if err := os.MkdirAll(woDir, 0755); err != nil {
		t.Fatalf("failed to create work-order dir: %v", err)
	}
	// Give the watcher a beat to pick up the new subdirectory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(woDir, "signature_customer.png"), []byte("png"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	atts := waitAttachments(t, st, 1)
	if atts[0].WorkOrderID != "WO100" {
		t.Errorf("expected work order WO100, got %s", atts[0].WorkOrderID)
	}
	if atts[0].EntityType != "signature" {
		t.Errorf("expected signature capture, got %s", atts[0].EntityType)
	}
	if atts[0].FileName != "signature_customer.png" {
		t.Errorf("unexpected file name %s", atts[0].FileName)
	}
}

func TestSpoolScansExistingFilesOnStart(t *testing.T) {
	spool := t.TempDir()
	woDir := filepath.Join(spool, "WO200")
	if err := os.MkdirAll(woDir, 0755); err != nil {
		t.Fatalf("failed to create work-order dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(woDir, "gauge.jpg"), []byte("jpg"), 0644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	d, st := setupDaemon(t, spool)
	startDaemon(t, d)

	atts := waitAttachments(t, st, 1)
	if atts[0].WorkOrderID != "WO200" || atts[0].EntityType != "photo" {
		t.Errorf("unexpected attachment: %+v", atts[0])
	}
}

func TestSpoolDuplicateEventsRegisterOnce(t *testing.T) {
	spool := t.TempDir()
	d, st := setupDaemon(t, spool)
	startDaemon(t, d)

	woDir := filepath.Join(spool, "WO300")
	if err := os.MkdirAll(woDir, 0755); err != nil {
		t.Fatalf("failed to create work-order dir: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(woDir, "photo.jpg")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("jpg"), 0644); err != nil {
			t.Fatalf("failed to write spool file: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	waitAttachments(t, st, 1)
	time.Sleep(100 * time.Millisecond)

	atts, _ := st.UnsyncedAttachments(context.Background())
	if len(atts) != 1 {
		t.Errorf("expected a single registration for repeated events, got %d", len(atts))
	}
}

func TestCaptureType(t *testing.T) {
	tests := map[string]string{
		"signature_customer.png": "signature",
		"sig.png":                "signature",
		"gauge.jpg":              "photo",
		"IMG_2041.jpeg":          "photo",
	}
	for name, want := range tests {
		if got := captureType(name); got != want {
			t.Errorf("captureType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNewValidatesArguments(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if _, err := New(nil, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(st, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}
