package vmcp

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable taxonomy of gateway errors, surfaced to clients as
// JSON-RPC error codes by the router.
type ErrorKind string

// Error kinds from spec section 7.
const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindMethodNotFound    ErrorKind = "method_not_found"
	KindInvalidParams     ErrorKind = "invalid_params"
	KindForbidden         ErrorKind = "forbidden"
	KindNotFound          ErrorKind = "not_found"
	KindAmbiguous         ErrorKind = "ambiguous"
	KindBackendUnhealthy  ErrorKind = "backend_unhealthy"
	KindTransportError    ErrorKind = "transport_error"
	KindDeadlineExceeded  ErrorKind = "deadline_exceeded"
	KindCancelled         ErrorKind = "cancelled"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindInternal          ErrorKind = "internal"
)

// Error is the gateway's canonical error type. The router translates it into
// a JSON-RPC error object; every field it carries ends up human or
// machine readable on the wire.
type Error struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
	BackendID     string
	LastError     string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, &Error{Kind: K}) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError builds an *Error wrapping cause (may be nil).
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithCorrelation attaches a correlation id for log/response cross-referencing.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithBackend attaches backend context, used for backend_unhealthy errors.
func (e *Error) WithBackend(id, lastErr string) *Error {
	e.BackendID = id
	e.LastError = lastErr
	return e
}

// Sentinel errors usable with errors.Is against plain (non-*Error) returns
// from lower layers (transport, session) before they are wrapped by the
// router into a kinded *Error.
var (
	ErrNotFound             = errors.New("vmcp: not found")
	ErrAmbiguous            = errors.New("vmcp: ambiguous tool name")
	ErrUnsupportedTransport = errors.New("vmcp: unsupported transport")
	ErrBackendUnavailable   = errors.New("vmcp: backend unavailable")
	ErrTimeout              = errors.New("vmcp: timeout")
	ErrCancelled            = errors.New("vmcp: cancelled")
	ErrAuthenticationFailed = errors.New("vmcp: authentication failed")
	ErrAuthorizationFailed  = errors.New("vmcp: authorization failed")
	ErrSessionClosed        = errors.New("vmcp: session closed")
	ErrNotSupported         = errors.New("vmcp: operation not supported")
)

// IsTimeoutError reports whether err is or wraps a timeout condition.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnectionError reports whether err is or wraps a transport/connection failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsAuthenticationError reports whether err is or wraps an authentication failure.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
