package domain

import (
	"errors"
	"fmt"
)

// Domain errors for the calendar context.
var (
	ErrEventNotFound     = errors.New("event not found")
	ErrSeriesNotFound    = errors.New("recurrence series not found")
	ErrSyncUserNotFound  = errors.New("sync user not found")
	ErrCalendarNotFound  = errors.New("calendar not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrEmptyUserID       = errors.New("user ID cannot be empty")
	ErrInvalidEventTime  = errors.New("event end must not be before start")
	ErrEmptyRule         = errors.New("recurrence rule cannot be empty")
	ErrEmptyServerURL    = errors.New("server URL cannot be empty")
	ErrEmptyLogin        = errors.New("login cannot be empty")
	ErrEmptyCalendarURL  = errors.New("calendar URL cannot be empty")
	ErrMissingViewerHash = errors.New("event with a remote UID must have at least one viewer hash")
	ErrDetachedInSeries  = errors.New("occurrence cannot be both attached and an exception of its series")
	ErrSyncInProgress    = errors.New("sync already in progress for user")
)

// Side names one of the two stores being reconciled.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// OpKind is the kind of store mutation an operation performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Connection error codes reported by the connection test.
const (
	ConnCodeAuth       = 1000
	ConnCodeConnection = 1001
)

// ConnectionError reports that the remote server could not be reached or
// rejected the credentials. It is fatal for one user's pass only.
type ConnectionError struct {
	Code   int
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	kind := "connection"
	if e.Code == ConnCodeAuth {
		kind = "authentication"
	}
	return fmt.Sprintf("%s failure (%d) for %s: %v", kind, e.Code, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuth reports whether the server rejected the credentials.
func (e *ConnectionError) IsAuth() bool { return e.Code == ConnCodeAuth }

// DecodeError reports a malformed remote calendar object.
type DecodeError struct {
	Href string
	UID  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("failed to decode %s (uid %s): %v", e.Href, e.UID, e.Err)
	}
	return fmt.Sprintf("failed to decode %s: %v", e.Href, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ApplyError reports that a store rejected a single operation.
type ApplyError struct {
	Side    Side
	Op      OpKind
	EventID string
	UID     string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s failed for event %s (uid %q): %v", e.Side, e.Op, e.EventID, e.UID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ConflictAmbiguity records a conflict that was settled by the configured
// default winner because neither side carried a usable timestamp. It is
// logged at info level, never returned as a failure.
type ConflictAmbiguity struct {
	UID    string
	Winner Side
	Reason string
}

func (e *ConflictAmbiguity) Error() string {
	return fmt.Sprintf("conflict on %s resolved for %s: %s", e.UID, e.Winner, e.Reason)
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsDecodeError reports whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
