package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// serverError is the standard error shape of the business API.
type serverError struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// TransientError marks a failure worth retrying next cycle: a network
// error or a 5xx response. Never surfaced to the user as data loss.
type TransientError struct {
	Status int
	Msg    string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: server returned %d: %s", e.Status, e.Msg)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a 422 from the server: the payload is permanently
// rejected but the mutation is retained pending manual resolution.
type ValidationError struct {
	Msg    string
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Msg)
}

// PermissionError is a 403: the authenticated user may not perform the
// operation.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Msg)
}

// IsTransient reports whether err should be retried on the next cycle.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a permanent validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// classifyResponse maps a non-2xx response to the error taxonomy.
// The body is read but the caller still owns closing it.
func classifyResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var se serverError
	if err := json.Unmarshal(body, &se); err != nil || se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &ValidationError{Msg: se.Message, Fields: se.Errors}
	case resp.StatusCode == http.StatusForbidden:
		return &PermissionError{Msg: se.Message}
	case resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode, Msg: se.Message}
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, se.Message)
	}
}
