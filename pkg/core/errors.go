package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports that a document or classifier does not exist.
var ErrNotFound = errors.New("not found")

// SchemaError reports a classifier or attribute lookup failure. It is
// fatal to the requesting call and never silently ignored.
type SchemaError struct {
	ID   ID
	What string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s %q: not found", e.What, e.ID)
}

func (e *SchemaError) Unwrap() error { return ErrNotFound }

func NewSchemaError(what string, id ID) *SchemaError {
	return &SchemaError{ID: id, What: what}
}

// UnauthorizedError terminates the session; callers must re-authenticate
// with a new credential instead of retrying.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// UpgradeInProgressError is transient: the workspace pipeline is being
// rebuilt and the caller should reconnect after RetryAfter.
type UpgradeInProgressError struct {
	RetryAfter time.Duration
}

func (e *UpgradeInProgressError) Error() string {
	return fmt.Sprintf("workspace upgrade in progress, retry after %s", e.RetryAfter)
}

// BackendQueryError reports a malformed query or lookup shape. It is
// surfaced to the caller and never retried.
type BackendQueryError struct {
	Msg string
}

func (e *BackendQueryError) Error() string {
	return "query: " + e.Msg
}

// ErrConnectionClosed is returned by a connection after it has been closed
// or has exhausted its reconnect budget.
var ErrConnectionClosed = errors.New("connection closed")
