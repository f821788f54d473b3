// Package status derives the read-only sync view consumed by the UI:
// pending and stalled mutation counts, last sync time, connectivity.
//
// It also gates event-driven sync requests behind a minimum-interval
// throttle so a connectivity flap cannot cause a sync storm. The throttle
// applies only to event-driven sources (realtime invalidations, online
// transitions); the periodic timer fires on its own longer interval and
// bypasses this gate.
package status

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kalibrium/fieldsync/internal/store"
)

// DefaultMinSyncInterval is the event-driven throttle window.
const DefaultMinSyncInterval = 15 * time.Second

// Status is the derived sync state at one instant.
type Status struct {
	// PendingCount is the number of queued mutations.
	PendingCount int `json:"pending_count" yaml:"pending_count"`

	// StalledCount is how many of those exhausted their retry budget and
	// await manual resolution.
	StalledCount int `json:"stalled_count" yaml:"stalled_count"`

	// LastSyncAt is the completion time of the last successful sync;
	// zero if the device has never synced.
	LastSyncAt time.Time `json:"last_sync_at" yaml:"last_sync_at"`

	// IsOnline is the last known connectivity.
	IsOnline bool `json:"is_online" yaml:"is_online"`

	// IsSyncing reports whether a cycle is running right now.
	IsSyncing bool `json:"is_syncing" yaml:"is_syncing"`
}

// Config holds tracker configuration.
type Config struct {
	// Sync runs a sync cycle. Called from RequestSync when the throttle
	// allows; invoked on the caller's goroutine.
	Sync func(reason string)

	// IsSyncing reports whether a cycle is running. Nil means never.
	IsSyncing func() bool

	// MaxRetries is the stalled-mutation threshold, matching the engine's.
	MaxRetries int

	// MinSyncInterval overrides the event-driven throttle window.
	MinSyncInterval time.Duration

	// Logger for throttle decisions. Default stderr.
	Logger *log.Logger
}

// Tracker recomputes the status view and throttles event-driven syncs.
type Tracker struct {
	store       *store.Store
	sync        func(string)
	isSyncing   func() bool
	maxRetries  int
	minInterval time.Duration
	logger      *log.Logger

	mu            sync.Mutex
	online        bool
	lastCompleted time.Time
}

// New creates a tracker over the given store.
func New(st *store.Store, config Config) *Tracker {
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.MinSyncInterval == 0 {
		config.MinSyncInterval = DefaultMinSyncInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	if config.Sync == nil {
		config.Sync = func(string) {}
	}
	if config.IsSyncing == nil {
		config.IsSyncing = func() bool { return false }
	}

	return &Tracker{
		store:       st,
		sync:        config.Sync,
		isSyncing:   config.IsSyncing,
		maxRetries:  config.MaxRetries,
		minInterval: config.MinSyncInterval,
		logger:      config.Logger,
		online:      true,
	}
}

// SetOnline records a connectivity transition.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

// MarkCompleted records a finished sync cycle for throttling. Wire it to
// the engine's OnSyncComplete.
func (t *Tracker) MarkCompleted(at time.Time) {
	t.mu.Lock()
	if at.After(t.lastCompleted) {
		t.lastCompleted = at
	}
	t.mu.Unlock()
}

// RequestSync triggers a sync on behalf of an event-driven source, unless
// one completed inside the throttle window. Reports whether the sync ran.
func (t *Tracker) RequestSync(reason string) bool {
	t.mu.Lock()
	since := time.Since(t.lastCompleted)
	throttled := since < t.minInterval
	t.mu.Unlock()

	if throttled {
		t.logger.Printf("sync request (%s) throttled, last completed %s ago", reason, since.Round(time.Millisecond))
		return false
	}

	t.sync(reason)
	return true
}

// Snapshot recomputes the derived view from the store.
func (t *Tracker) Snapshot(ctx context.Context) (Status, error) {
	pending, err := t.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	stalled, err := t.store.StalledCount(ctx, t.maxRetries)
	if err != nil {
		return Status{}, err
	}
	last, err := t.store.LastSyncAt(ctx)
	if err != nil {
		return Status{}, err
	}

	t.mu.Lock()
	online := t.online
	t.mu.Unlock()

	return Status{
		PendingCount: pending,
		StalledCount: stalled,
		LastSyncAt:   last,
		IsOnline:     online,
		IsSyncing:    t.isSyncing(),
	}, nil
}
