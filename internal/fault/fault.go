// Package fault defines the error taxonomy shared by all components.
// Every domain fault carries a stable machine-readable kind that maps to a
// wire error code and an HTTP status; messages are user-safe.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine code of a fault.
type Kind string

const (
	NotFound           Kind = "NOT_FOUND"
	ImmutableField     Kind = "IMMUTABLE_FIELD"
	ReservedTable      Kind = "RESERVED_TABLE"
	InvalidIdentifier  Kind = "INVALID_IDENTIFIER"
	InvalidValue       Kind = "INVALID_VALUE"
	InvalidFilter      Kind = "INVALID_FILTER"
	SchemaViolation    Kind = "SCHEMA_VIOLATION"
	VersionConflict    Kind = "VERSION_CONFLICT"
	SchemaHashMismatch Kind = "SCHEMA_HASH_MISMATCH"
	Timeout            Kind = "TIMEOUT"
	Unauthenticated    Kind = "UNAUTHENTICATED"
	Unauthorized       Kind = "UNAUTHORIZED"
	RateLimited        Kind = "RATE_LIMITED"
	StorageFailure     Kind = "STORAGE_FAILURE"
	InvalidResolution  Kind = "INVALID_RESOLUTION"
	ResolverRequired   Kind = "RESOLVER_REQUIRED"
	ProtocolError      Kind = "PROTOCOL_ERROR"
	Internal           Kind = "INTERNAL"
)

// Error is a domain fault. Message must stay user-safe: no file paths, no
// internal identifiers beyond table/field names the caller already supplied.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind that unwraps to cause.
// The cause's text is not included in the user-safe message.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithData attaches structured data to the fault and returns it.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind, so sentinel comparisons like
// errors.Is(err, fault.New(fault.NotFound, "")) work without allocation
// tricks. Prefer KindOf in new code.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// KindOf extracts the fault kind from an error chain.
// Non-fault errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given fault kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// HTTPStatus maps a fault kind to the HTTP status used by the gateway.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case ImmutableField, ReservedTable, InvalidIdentifier, InvalidValue,
		InvalidFilter, SchemaViolation, ProtocolError:
		return http.StatusBadRequest
	case VersionConflict, SchemaHashMismatch:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidResolution, ResolverRequired:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
