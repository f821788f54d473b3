// Package queue is the only way application code schedules a write.
//
// Each call allocates an identifier if the payload needs one, records the
// mutation durably in the local store, and optimistically updates the
// relevant cached snapshot so the UI reflects the pending write before any
// network confirmation. Calls return as soon as the mutation is durably
// queued; they never block on the network and never fail solely because the
// device is offline.
//
// When the device is known to be online the write is attempted directly
// first; a transient failure falls back to the durable queue, while a
// validation rejection surfaces to the caller immediately (queueing it
// would only stall later).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kalibrium/fieldsync/internal/api"
	"github.com/kalibrium/fieldsync/internal/ident"
	"github.com/kalibrium/fieldsync/internal/store"
)

// Direct performs an online write. Satisfied by *api.Client.
type Direct interface {
	Do(ctx context.Context, method, path string, body json.RawMessage) error
}

// Config holds queue configuration.
type Config struct {
	// Direct, when set together with Online, enables the online fast
	// path. Nil disables it; every write is queued.
	Direct Direct

	// Online reports current connectivity. Nil means always offline.
	Online func() bool

	// Logger for queue activity. Default stderr.
	Logger *log.Logger
}

// Queue wraps enqueue over the durable store.
type Queue struct {
	store  *store.Store
	direct Direct
	online func() bool
	logger *log.Logger
	ids    ident.Generator
}

// New creates a mutation queue over the given store.
func New(st *store.Store, config Config) *Queue {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	online := config.Online
	if online == nil {
		online = func() bool { return false }
	}

	return &Queue{
		store:  st,
		direct: config.Direct,
		online: online,
		logger: config.Logger,
	}
}

// Post schedules a create. If body lacks an "id", a fresh identifier is
// assigned and becomes the entity's permanent primary key. Returns the
// entity ID.
func (q *Queue) Post(ctx context.Context, url string, body map[string]any) (string, error) {
	return q.schedule(ctx, http.MethodPost, url, body)
}

// Put schedules a full update.
func (q *Queue) Put(ctx context.Context, url string, body map[string]any) (string, error) {
	return q.schedule(ctx, http.MethodPut, url, body)
}

// Patch schedules a partial update.
func (q *Queue) Patch(ctx context.Context, url string, body map[string]any) (string, error) {
	return q.schedule(ctx, http.MethodPatch, url, body)
}

// Delete schedules a delete and removes the cached snapshot optimistically.
func (q *Queue) Delete(ctx context.Context, url string, entityID string) error {
	if err := q.store.DeleteRecord(ctx, EntityTypeFromURL(url), entityID); err != nil {
		return err
	}
	_, err := q.schedule(ctx, http.MethodDelete, url, nil)
	return err
}

func (q *Queue) schedule(ctx context.Context, method, url string, body map[string]any) (string, error) {
	now := time.Now().UTC()

	entityID, _ := body["id"].(string)
	if entityID == "" && method == http.MethodPost {
		entityID = q.ids.New()
		if body == nil {
			body = make(map[string]any)
		}
		body["id"] = entityID
	}

	var raw json.RawMessage
	if body != nil {
		// The optimistic copy carries updated_at so last-write-wins
		// keeps the local edit until the server reports something newer.
		if _, ok := body["updated_at"]; !ok {
			body["updated_at"] = now.Format(time.RFC3339Nano)
		}
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to marshal mutation body: %w", err)
		}
	}

	// Optimistic snapshot update: the UI sees the pending write now.
	if entityID != "" && raw != nil {
		rec := store.Record{
			EntityType: EntityTypeFromURL(url),
			ID:         entityID,
			Payload:    raw,
			UpdatedAt:  now,
		}
		if err := q.store.PutSnapshot(ctx, rec.EntityType, []store.Record{rec}); err != nil {
			return "", fmt.Errorf("failed to update cached snapshot: %w", err)
		}
	}

	// Online fast path: try the request directly, fall back to the queue
	// only on a transient failure.
	if q.direct != nil && q.online() {
		err := q.direct.Do(ctx, method, url, raw)
		if err == nil {
			return entityID, nil
		}
		if !api.IsTransient(err) {
			return entityID, err
		}
		q.logger.Printf("direct %s %s failed, queueing: %v", method, url, err)
	}

	m := store.Mutation{
		ID:        q.mutationID(entityID, method),
		Method:    method,
		URL:       url,
		Body:      raw,
		CreatedAt: now,
	}
	if err := q.store.Enqueue(ctx, m); err != nil {
		return "", fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	q.logger.Printf("queued %s %s (%s)", method, url, m.ID)
	return entityID, nil
}

// mutationID picks the queue key. A create reuses the entity's fresh
// identifier; other methods get their own, since several updates to the
// same entity can be queued at once and each needs a distinct outcome.
func (q *Queue) mutationID(entityID, method string) string {
	if method == http.MethodPost && entityID != "" {
		return entityID
	}
	return q.ids.New()
}

// EntityTypeFromURL maps a mutation URL to the cached entity type it
// touches: the first path segment, e.g. "/expenses/01ABC" -> "expenses".
func EntityTypeFromURL(url string) string {
	trimmed := strings.TrimPrefix(url, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// MutationType derives the batch discriminator the server expects from the
// queued URL, e.g. "/checklist-responses" -> "checklist_response".
func MutationType(url string) string {
	t := EntityTypeFromURL(url)
	t = strings.ReplaceAll(t, "-", "_")
	return strings.TrimSuffix(t, "s")
}
