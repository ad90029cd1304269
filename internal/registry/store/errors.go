package store

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable classification of an error returned to clients.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindInvalidCursor       Kind = "invalid_cursor"
	KindConflict            Kind = "conflict"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// NotFoundError indicates the resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller is not a participant.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// InvalidCursorError indicates a pagination cursor that cannot be decoded or no longer
// points at a message. Clients restart pagination from the beginning.
type InvalidCursorError struct {
	Reason string
}

func (e *InvalidCursorError) Error() string {
	return "invalid cursor: " + e.Reason
}

// UnavailableError wraps a store failure.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TimeoutError indicates the caller's deadline expired before the operation finished.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UpstreamError indicates an attachment origin could not be fetched.
// StatusCode is zero for transport failures.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream fetch failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// KindOf classifies err. Unknown errors caused by an expired deadline are timeouts;
// anything else unknown is internal.
func KindOf(err error) Kind {
	var (
		validation *ValidationError
		forbidden  *ForbiddenError
		notFound   *NotFoundError
		cursor     *InvalidCursorError
		conflict   *ConflictError
		timeout    *TimeoutError
		upstream   *UpstreamError
		storage    *UnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindInvalidInput
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &cursor):
		return KindInvalidCursor
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &upstream):
		return KindUpstreamUnavailable
	case errors.As(err, &storage):
		return KindStorageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}
