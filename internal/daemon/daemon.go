// Package daemon runs the long-lived sync process on the device.
//
// The daemon:
//  1. Performs an initial full sync on startup
//  2. Runs the periodic sync timer (the long interval; event-driven
//     requests go through the status tracker's throttle instead)
//  3. Watches the attachment spool directory and registers new captures
//  4. Keeps the realtime channel alive and feeds its invalidations into
//     the sync pipeline
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kalibrium/fieldsync/internal/engine"
	"github.com/kalibrium/fieldsync/internal/ident"
	"github.com/kalibrium/fieldsync/internal/realtime"
	"github.com/kalibrium/fieldsync/internal/status"
	"github.com/kalibrium/fieldsync/internal/store"
)

// Config holds daemon configuration.
type Config struct {
	// SyncInterval is the periodic full-sync cadence. Default 5 minutes.
	SyncInterval time.Duration

	// DebounceInterval batches rapid spool-file events. Default 500ms.
	DebounceInterval time.Duration

	// SpoolDir is the attachment spool root: spool/<work_order_id>/<file>.
	// Empty disables spool watching.
	SpoolDir string

	// Logger for daemon activity. Default stderr.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the sync engine, realtime channel, spool watcher and
// status tracker.
type Daemon struct {
	store   *store.Store
	engine  *engine.Engine
	tracker *status.Tracker
	manager *realtime.Manager // nil when realtime is disabled
	config  *Config

	watcher   *fsnotify.Watcher
	pending   map[string]time.Time // spool path -> event time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The manager may be nil to run without realtime.
func New(st *store.Store, eng *engine.Engine, tracker *status.Tracker, manager *realtime.Manager, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 5 * time.Minute
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:   st,
		engine:  eng,
		tracker: tracker,
		manager: manager,
		config:  config,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins daemon operation and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("starting daemon")

	if d.config.SpoolDir != "" {
		if err := d.startSpoolWatcher(); err != nil {
			return err
		}
	}

	if d.manager != nil {
		d.manager.Start()
	}

	// Initial cycle so a device coming back from the field reconciles
	// without waiting for the first tick.
	if _, err := d.engine.FullSync(d.ctx); err != nil {
		d.config.Logger.Printf("initial sync failed: %v", err)
	}

	d.wg.Add(1)
	go d.periodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("error closing watcher: %v", err)
		}
	}
	if d.manager != nil {
		d.manager.Stop()
	}

	d.wg.Wait()

	d.config.Logger.Println("daemon stopped")
	return nil
}

// periodicSync drives the long-interval timer. It calls the engine
// directly: the throttle only applies to event-driven sources.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.engine.FullSync(d.ctx); err != nil {
				d.config.Logger.Printf("periodic sync failed: %v", err)
			}
		}
	}
}

// startSpoolWatcher registers existing spool files and begins watching for
// new ones.
func (d *Daemon) startSpoolWatcher() error {
	if err := os.MkdirAll(d.config.SpoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	d.watcher = watcher

	if err := d.watcher.Add(d.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	// Pick up files and subdirectories that landed while the daemon was
	// down.
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(d.config.SpoolDir, entry.Name())
		if entry.IsDir() {
			if err := d.watcher.Add(path); err != nil {
				d.config.Logger.Printf("WARNING: failed to watch %s: %v", path, err)
				continue
			}
			d.scanSpoolSubdir(path)
		}
	}

	d.config.Logger.Printf("watching spool: %s", d.config.SpoolDir)

	d.wg.Add(2)
	go d.watchSpoolEvents()
	go d.processSpoolQueue()

	return nil
}

func (d *Daemon) scanSpoolSubdir(dir string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to scan %s: %v", dir, err)
		return
	}
	for _, f := range files {
		if !f.IsDir() {
			d.registerSpoolFile(filepath.Join(dir, f.Name()))
		}
	}
}

// watchSpoolEvents monitors filesystem events and queues new files.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}

			// New work-order subdirectory: watch it too.
			if info.IsDir() {
				if err := d.watcher.Add(event.Name); err != nil {
					d.config.Logger.Printf("WARNING: failed to watch %s: %v", event.Name, err)
				}
				continue
			}

			d.queueSpoolFile(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("spool watcher error: %v", err)
		}
	}
}

// queueSpoolFile adds a file to the debounce queue: captures are often
// written in several chunks and must settle before registration.
func (d *Daemon) queueSpoolFile(path string) {
	d.pendingMu.Lock()
	d.pending[path] = time.Now()
	d.pendingMu.Unlock()
}

// processSpoolQueue registers files whose events have settled.
func (d *Daemon) processSpoolQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processSettledFiles()
		}
	}
}

func (d *Daemon) processSettledFiles() {
	now := time.Now()

	d.pendingMu.Lock()
	var settled []string
	for path, queuedAt := range d.pending {
		if now.Sub(queuedAt) >= d.config.DebounceInterval {
			settled = append(settled, path)
			delete(d.pending, path)
		}
	}
	d.pendingMu.Unlock()

	if len(settled) == 0 {
		return
	}

	for _, path := range settled {
		d.registerSpoolFile(path)
	}

	// New captures shorten the wait until the next cycle.
	d.tracker.RequestSync("spool")
}

// registerSpoolFile records one capture in the attachment table. The spool
// layout is spool/<work_order_id>/<file>; files directly under the root
// have no work-order association and are skipped.
func (d *Daemon) registerSpoolFile(path string) {
	rel, err := filepath.Rel(d.config.SpoolDir, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		d.config.Logger.Printf("WARNING: ignoring spool file outside a work-order directory: %s", rel)
		return
	}

	att := store.Attachment{
		ID:          ident.New(),
		WorkOrderID: parts[0],
		EntityType:  captureType(parts[1]),
		FilePath:    path,
		FileName:    parts[1],
		CreatedAt:   time.Now().UTC(),
	}

	if err := d.store.AddAttachment(d.ctx, att); err != nil {
		d.config.Logger.Printf("failed to register attachment %s: %v", rel, err)
		return
	}

	d.config.Logger.Printf("registered attachment: %s", rel)
}

// captureType classifies a spooled file by name.
func captureType(name string) string {
	base := strings.ToLower(name)
	if strings.Contains(base, "signature") || strings.HasPrefix(base, "sig") {
		return "signature"
	}
	return "photo"
}
