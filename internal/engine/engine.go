// Package engine orchestrates full synchronization cycles.
//
// A cycle pulls authoritative snapshots for each subscribed entity type,
// replays the ordered mutation queue through the server batch endpoint,
// uploads spooled attachments, resolves pull conflicts last-write-wins, and
// notifies registered listeners with a summary.
//
// Cycles are serialized by a single-flight guard: a FullSync call that
// finds a cycle already running returns immediately with a no-op result
// (coalesced, not queued). The guard is released unconditionally on
// completion or failure, so a crashed cycle cannot wedge the engine. There
// is no mid-cycle cancellation beyond the transport timeout.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalibrium/fieldsync/internal/api"
	"github.com/kalibrium/fieldsync/internal/queue"
	"github.com/kalibrium/fieldsync/internal/store"
)

// DefaultEntities are the entity types a technician device subscribes to.
var DefaultEntities = []string{"work_orders", "equipment", "checklists", "standard_weights"}

// DefaultMaxRetries is the retry budget before a mutation is considered
// stalled and excluded from replay batches. Stalled mutations stay queued
// awaiting manual resolution; they are never deleted automatically.
const DefaultMaxRetries = 5

// Transport is the server surface the engine needs. *api.Client satisfies it.
type Transport interface {
	Pull(ctx context.Context, entityType string, since time.Time) ([]store.Record, error)
	PushBatch(ctx context.Context, items []api.BatchItem) (*api.BatchResult, error)
	UploadAttachment(ctx context.Context, att store.Attachment, file io.Reader) error
}

// MutationError describes one mutation the server rejected during replay.
type MutationError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Result summarizes one sync cycle.
type Result struct {
	// Skipped is true when the call coalesced into an already-running cycle.
	Skipped bool `json:"skipped"`

	// Pulled counts records written to the local snapshot cache.
	Pulled int `json:"pulled"`

	// Processed counts mutations the server accepted and the engine dequeued.
	Processed int `json:"processed"`

	// Uploaded counts attachments pushed this cycle.
	Uploaded int `json:"uploaded"`

	// Errors lists per-mutation rejections from the batch endpoint.
	Errors []MutationError `json:"errors,omitempty"`

	// Conflicts lists records the server kept because its copy was newer.
	Conflicts []api.Conflict `json:"conflicts,omitempty"`

	// CycleErrors lists whole-cycle failures (pull or transport).
	CycleErrors []string `json:"cycle_errors,omitempty"`

	// CompletedAt is when the cycle finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Listener receives the summary of each completed cycle.
type Listener func(Result)

// Config holds engine configuration.
type Config struct {
	// Entities are the entity types pulled each cycle. Default DefaultEntities.
	Entities []string

	// MaxRetries is the stalled-mutation threshold. Default DefaultMaxRetries.
	MaxRetries int

	// Logger for engine activity. Default stderr.
	Logger *log.Logger
}

// Engine runs sync cycles over a store and a transport.
type Engine struct {
	store      *store.Store
	client     Transport
	entities   []string
	maxRetries int
	logger     *log.Logger

	// syncing is the single-flight guard. Reset to idle on construction.
	syncing atomic.Bool

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New creates an engine. The store must already be open.
func New(st *store.Store, client Transport, config Config) *Engine {
	if len(config.Entities) == 0 {
		config.Entities = DefaultEntities
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		store:      st,
		client:     client,
		entities:   config.Entities,
		maxRetries: config.MaxRetries,
		logger:     config.Logger,
		listeners:  make(map[int]Listener),
	}
}

// IsSyncing reports whether a cycle is currently running.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// OnSyncComplete registers a listener and returns its unsubscribe function.
func (e *Engine) OnSyncComplete(l Listener) func() {
	e.listenersMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Engine) notify(result Result) {
	e.listenersMu.Lock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenersMu.Unlock()

	for _, l := range listeners {
		l(result)
	}
}

// FullSync runs one synchronization cycle.
//
// If a cycle is already running the call returns immediately with
// Result.Skipped set; the concurrent caller observes the running cycle's
// outcome through the listener, not a second cycle.
func (e *Engine) FullSync(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer e.syncing.Store(false)

	started := time.Now().UTC()
	var result Result

	pullOK := e.pull(ctx, &result)
	e.push(ctx, &result)
	e.pushAttachments(ctx, &result)

	// The last-sync timestamp and the pull cursor advance only when the
	// pull half succeeded for every subscribed entity type.
	if pullOK {
		if err := e.store.SetLastSyncAt(ctx, started); err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
		}
		if err := e.store.SetPullCursor(ctx, started); err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
		}
	}

	result.CompletedAt = time.Now().UTC()
	e.logger.Printf("cycle complete: pulled=%d processed=%d uploaded=%d errors=%d",
		result.Pulled, result.Processed, result.Uploaded, len(result.Errors)+len(result.CycleErrors))

	e.notify(result)
	return result, nil
}

// pull fetches authoritative snapshots and applies last-write-wins merging.
// Returns true when every subscribed entity type pulled cleanly.
func (e *Engine) pull(ctx context.Context, result *Result) bool {
	since, err := e.store.PullCursor(ctx)
	if err != nil {
		result.CycleErrors = append(result.CycleErrors, err.Error())
		return false
	}

	ok := true
	for _, entity := range e.entities {
		pulled, err := e.client.Pull(ctx, entity, since)
		if err != nil {
			e.logger.Printf("pull %s failed: %v", entity, err)
			result.CycleErrors = append(result.CycleErrors, fmt.Sprintf("pull %s: %v", entity, err))
			ok = false
			continue
		}
		if len(pulled) == 0 {
			continue
		}

		winners, err := e.resolvePulled(ctx, entity, pulled)
		if err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
			ok = false
			continue
		}

		if err := e.store.PutSnapshot(ctx, entity, winners); err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
			ok = false
			continue
		}
		result.Pulled += len(winners)
	}

	return ok
}

// resolvePulled drops pulled records that lose against the local cache.
func (e *Engine) resolvePulled(ctx context.Context, entity string, pulled []store.Record) ([]store.Record, error) {
	locals, err := e.store.GetAll(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to read local %s: %w", entity, err)
	}

	localByID := make(map[string]store.Record, len(locals))
	for _, rec := range locals {
		localByID[rec.ID] = rec
	}

	winners := pulled[:0]
	for _, remote := range pulled {
		if local, exists := localByID[remote.ID]; exists && Wins(local, remote) {
			continue
		}
		winners = append(winners, remote)
	}
	return winners, nil
}

// Wins reports whether the local record beats the remote one under
// last-write-wins at whole-record granularity. An exact timestamp tie goes
// to the local copy: it reflects user intent already captured on-device.
func Wins(local, remote store.Record) bool {
	return !local.UpdatedAt.Before(remote.UpdatedAt)
}

// push replays the queue through the batch endpoint.
func (e *Engine) push(ctx context.Context, result *Result) {
	queued, err := e.store.ListQueue(ctx)
	if err != nil {
		result.CycleErrors = append(result.CycleErrors, err.Error())
		return
	}

	// Stalled mutations are excluded from the batch but stay queued.
	eligible := make([]store.Mutation, 0, len(queued))
	for _, m := range queued {
		if m.Retries < e.maxRetries {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		return
	}

	items := make([]api.BatchItem, 0, len(eligible))
	for _, m := range eligible {
		data, err := json.Marshal(api.BatchItemData{
			ID:      m.ID,
			Method:  m.Method,
			URL:     m.URL,
			Payload: m.Body,
		})
		if err != nil {
			result.CycleErrors = append(result.CycleErrors, fmt.Sprintf("marshal %s: %v", m.ID, err))
			return
		}
		items = append(items, api.BatchItem{Type: queue.MutationType(m.URL), Data: data})
	}

	res, err := e.client.PushBatch(ctx, items)
	if err != nil {
		// The batch never ran; every mutation stays queued untouched and
		// is retried next cycle.
		e.logger.Printf("batch push failed: %v", err)
		result.CycleErrors = append(result.CycleErrors, fmt.Sprintf("batch push: %v", err))
		return
	}

	rejected := make(map[string]string, len(res.Errors))
	for _, ie := range res.Errors {
		rejected[ie.ID] = ie.Message
	}

	for _, m := range eligible {
		if msg, bad := rejected[m.ID]; bad {
			retries := m.Retries + 1
			patch := store.QueuePatch{Retries: &retries, LastError: &msg}
			if err := e.store.UpdateQueueEntry(ctx, m.ID, patch); err != nil {
				result.CycleErrors = append(result.CycleErrors, err.Error())
			}
			result.Errors = append(result.Errors, MutationError{ID: m.ID, Message: msg})
			continue
		}

		if err := e.store.Dequeue(ctx, m.ID); err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
			continue
		}
		result.Processed++
	}

	result.Conflicts = append(result.Conflicts, res.Conflicts...)
}

// pushAttachments uploads spooled captures one by one. A single failed file
// is retried next cycle and never aborts the rest.
func (e *Engine) pushAttachments(ctx context.Context, result *Result) {
	attachments, err := e.store.UnsyncedAttachments(ctx)
	if err != nil {
		result.CycleErrors = append(result.CycleErrors, err.Error())
		return
	}

	for _, att := range attachments {
		f, err := os.Open(att.FilePath)
		if err != nil {
			e.logger.Printf("attachment %s unreadable: %v", att.ID, err)
			result.CycleErrors = append(result.CycleErrors, fmt.Sprintf("attachment %s: %v", att.ID, err))
			continue
		}

		uploadErr := e.client.UploadAttachment(ctx, att, f)
		_ = f.Close()

		if uploadErr != nil {
			e.logger.Printf("attachment %s upload failed: %v", att.ID, uploadErr)
			result.CycleErrors = append(result.CycleErrors, fmt.Sprintf("attachment %s: %v", att.ID, uploadErr))
			continue
		}

		if err := e.store.MarkAttachmentSynced(ctx, att.ID); err != nil {
			result.CycleErrors = append(result.CycleErrors, err.Error())
			continue
		}
		result.Uploaded++
	}
}
