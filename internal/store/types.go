package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a cached snapshot of one server entity. Records are overwritten
// wholesale on each successful pull; fields are never merged individually.
type Record struct {
	// EntityType names the resource collection, e.g. "work_orders".
	EntityType string `json:"entity_type"`

	// ID is the entity primary key. Entities created offline carry an
	// identifier from the ident package and keep it permanently.
	ID string `json:"id"`

	// Payload is the full entity document as received from the server
	// (or as written optimistically by the mutation queue).
	Payload json.RawMessage `json:"payload"`

	// UpdatedAt drives last-write-wins conflict resolution.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the record carries the fields the store requires.
func (r *Record) Validate() error {
	if r.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Mutation is one queued outbound write. Created by the mutation queue API,
// mutated only by the sync engine (retry/error bookkeeping), deleted only
// after confirmed server acceptance or an explicit user drop.
type Mutation struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"` // POST, PUT, PATCH, DELETE
	URL       string          `json:"url"`
	Body      json.RawMessage `json:"body,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error,omitempty"`
}

// Validate checks the mutation is well-formed before it enters the queue.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch m.Method {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("method must be POST, PUT, PATCH or DELETE (got %q)", m.Method)
	}
	if m.URL == "" {
		return fmt.Errorf("url is required")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// QueuePatch updates selected fields of a queued mutation. Nil fields are
// left untouched.
type QueuePatch struct {
	Retries   *int
	LastError *string
}

// Attachment is a binary capture (photo, signature image) spooled on disk
// and awaiting multipart upload.
type Attachment struct {
	ID          string    `json:"id"`
	WorkOrderID string    `json:"work_order_id"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id,omitempty"`
	FilePath    string    `json:"file_path"`
	FileName    string    `json:"file_name"`
	Synced      bool      `json:"synced"`
	CreatedAt   time.Time `json:"created_at"`
}
