// Package api is the transport client for talking to the authoritative
// server: per-entity pull endpoints, the batch replay endpoint, and the
// multipart attachment endpoint. The business REST API itself is an
// external collaborator; this package only knows its sync surface and its
// standard error shape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/kalibrium/fieldsync/internal/store"
)

// BatchItem is one replayed mutation in a batch request. Data carries the
// queued mutation wholesale (queue ID included) so the server can report
// per-item outcomes and deduplicate replays of the same queue ID.
type BatchItem struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BatchItemData is the data envelope inside a BatchItem.
type BatchItemData struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ItemError is a per-item failure from the batch endpoint. ID references
// the queued mutation's identifier.
type ItemError struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// Conflict reports a record the server kept because its copy was newer.
type Conflict struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ServerUpdatedAt string `json:"server_updated_at"`
}

// BatchResult is the per-item outcome of a batch push. Mutations not listed
// in Errors were accepted.
type BatchResult struct {
	Processed int         `json:"processed"`
	Conflicts []Conflict  `json:"conflicts,omitempty"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "https://erp.example.com/api/v1".
	BaseURL string

	// Token is the bearer token for the authenticated technician.
	Token string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// Logger for request activity. Default stderr.
	Logger *log.Logger
}

// Client talks to the server's sync surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

// New creates a transport client.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  config.Logger,
	}
}

// pullRecord is the wire form of one pulled entity: the full document plus
// the fields the store indexes on.
type pullRecord struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pull fetches the authoritative snapshot of one entity type, restricted to
// records modified at or after since. A zero since fetches everything.
func (c *Client) Pull(ctx context.Context, entityType string, since time.Time) ([]store.Record, error) {
	u := fmt.Sprintf("%s/sync/%s", c.baseURL, entityType)
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("pull %s: %w", entityType, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode pull response for %s: %w", entityType, err)
	}

	records := make([]store.Record, 0, len(raw))
	for _, doc := range raw {
		var pr pullRecord
		if err := json.Unmarshal(doc, &pr); err != nil || pr.ID == "" {
			c.logger.Printf("WARNING: dropping malformed %s record: %v", entityType, err)
			continue
		}
		records = append(records, store.Record{
			EntityType: entityType,
			ID:         pr.ID,
			Payload:    doc,
			UpdatedAt:  pr.UpdatedAt,
		})
	}

	return records, nil
}

// PushBatch replays queued mutations against the batch endpoint in one call.
// The server applies them in order and reports per-item outcomes.
func (c *Client) PushBatch(ctx context.Context, items []BatchItem) (*BatchResult, error) {
	payload, err := json.Marshal(map[string]any{"mutations": items})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/batch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("batch push: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp)
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}

	return &result, nil
}

// UploadAttachment uploads one spooled binary capture as multipart form
// data. Attachments go up individually so one oversized photo can't sink
// the whole batch.
func (c *Client) UploadAttachment(ctx context.Context, att store.Attachment, file io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", att.FileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read attachment %s: %w", att.FileName, err)
	}

	_ = mw.WriteField("work_order_id", att.WorkOrderID)
	_ = mw.WriteField("entity_type", att.EntityType)
	if att.EntityID != "" {
		_ = mw.WriteField("entity_id", att.EntityID)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/attachment", &buf)
	if err != nil {
		return fmt.Errorf("failed to build attachment request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("attachment upload: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classifyResponse(resp)
	}

	return nil
}

// Do performs an arbitrary write against the business API. The mutation
// queue uses this for the online fast path before falling back to the
// durable queue.
func (c *Client) Do(ctx context.Context, method, path string, body json.RawMessage) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
