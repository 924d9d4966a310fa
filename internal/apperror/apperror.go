package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. Every boundary error in the
// service carries exactly one Kind.
type Kind int

const (
	KindBadRequest Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindRateLimited
	KindUnavailable
	KindInternal
)

// Error is the service-wide error type: a machine-readable code, a
// human-readable message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// Extra carries structured fields surfaced to the client, e.g. the
	// server state on a version conflict.
	Extra map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two apperrors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of the sentinel so the original stays clean.
func Wrap(sentinel *Error, cause error) *Error {
	e := *sentinel
	e.Err = cause
	return &e
}

// WithExtra returns a copy carrying additional client-visible fields.
func WithExtra(sentinel *Error, extra map[string]any) *Error {
	e := *sentinel
	e.Extra = extra
	return &e
}

// Sentinels used across the messaging core.
var (
	ErrBadRequest        = New(KindBadRequest, "BAD_REQUEST", "Invalid request")
	ErrUnauthorized      = New(KindUnauthorized, "UNAUTHORIZED", "Missing or invalid credentials")
	ErrNotMember         = New(KindForbidden, "NOT_MEMBER", "Not a member of this conversation")
	ErrRecipientBlocked  = New(KindForbidden, "RECIPIENT_BLOCKED", "The recipient has blocked you")
	ErrForbidden         = New(KindForbidden, "FORBIDDEN", "Operation not permitted")
	ErrEditWindowExpired = New(KindForbidden, "EDIT_WINDOW_EXPIRED", "The edit window for this message has expired")
	ErrRecallWindow      = New(KindForbidden, "RECALL_WINDOW_EXPIRED", "The recall window for this message has expired")
	ErrNotFound          = New(KindNotFound, "NOT_FOUND", "Resource not found")
	ErrVersionConflict   = New(KindConflict, "VERSION_CONFLICT", "Message was modified concurrently")
	ErrAlreadyRecalled   = New(KindGone, "ALREADY_RECALLED", "Message has already been recalled")
	ErrRateLimited       = New(KindRateLimited, "RATE_LIMITED", "Too many requests")
	ErrUnavailable       = New(KindUnavailable, "SERVICE_UNAVAILABLE", "A required dependency is unavailable")
	ErrInternal          = New(KindInternal, "INTERNAL", "Something went wrong")
)

// HTTPStatus maps an error kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WSCloseCode maps an error kind to the WebSocket close code used by the
// session gateway during the upgrade sequence.
func (k Kind) WSCloseCode() int {
	switch k {
	case KindUnauthorized:
		return 4401
	case KindForbidden:
		return 4403
	default:
		return 4500
	}
}

// FromError extracts the *Error from err, or wraps it as ErrInternal.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(ErrInternal, err)
}
