// internal/errors/errors.go
package appErrors

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicate is returned by stores when a unique key already exists.
// Callers look up the existing row instead of failing.
var ErrDuplicate = errors.New("duplicate record")

// NotFoundError is returned when a record does not exist
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Entity, e.ID)
}

func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return NewNotFound("campaign", id)
}

// ValidationError rejects an input before it enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ChannelUnavailableError means the connection cannot send until an operator
// fixes it: no session, logged out, or bad credentials.
type ChannelUnavailableError struct {
	ConnectionID int
	Reason       string
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel unavailable for connection %d: %s", e.ConnectionID, e.Reason)
}

func NewChannelUnavailable(connectionID int, reason string) error {
	return &ChannelUnavailableError{ConnectionID: connectionID, Reason: reason}
}

// SessionElsewhereError means a session connection is held by another
// worker. The send can succeed there.
type SessionElsewhereError struct {
	ConnectionID int
	Owner        string
}

func (e *SessionElsewhereError) Error() string {
	return fmt.Sprintf("session of connection %d runs on %s", e.ConnectionID, e.Owner)
}

func NewSessionElsewhere(connectionID int, owner string) error {
	return &SessionElsewhereError{ConnectionID: connectionID, Owner: owner}
}

// ProviderError is a non-2xx answer from a remote API. Payload keeps the raw
// response body.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
	Payload    []byte
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TransportError wraps network level failures and timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsChannelUnavailable(err error) bool {
	var cu *ChannelUnavailableError
	return errors.As(err, &cu)
}

func IsSessionElsewhere(err error) bool {
	var se *SessionElsewhereError
	return errors.As(err, &se)
}

// IsTransient reports whether err is worth another attempt. Unknown errors
// are treated as transient so the queue's attempt limit decides.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsChannelUnavailable(err) || IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return true
}
