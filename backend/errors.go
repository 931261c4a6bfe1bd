package backend

import (
	"fmt"
	"time"
)

// Code is a stable, machine-readable failure code. Callers switch on Code,
// never on Error's message text.
type Code string

const (
	CodeAuthDeclined           Code = "Auth.Declined"
	CodeAuthExpired            Code = "Auth.Expired"
	CodeConnectionThrottled    Code = "Connection.Throttled"
	CodeConnectionTransient    Code = "Connection.Transient"
	CodeConnectionFatal        Code = "Connection.Fatal"
	CodeValidationInvalidValue Code = "Validation.InvalidValue"
	CodeOperationNotFound      Code = "Operation.NotFound"
	CodeQueryParseFailed       Code = "Query.ParseFailed"
	CodeAggregateLimitExceeded Code = "Query.AggregateLimitExceeded"
	CodeQueryUnsupportedFeature Code = "Query.UnsupportedFeature"
)

// Severity classifies how loudly a failure should be surfaced to a user.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// FieldError is one entry of a Validation.InvalidValue failure.
type FieldError struct {
	Field   string
	Message string
}

// Error is the one error type that crosses the core's boundary. A
// discriminant field (Code) replaces a hierarchy of exception subclasses —
// callers use errors.As to pull an *Error out of a wrapped chain and then
// switch on Code, not on string content.
type Error struct {
	Code     Code
	Message  string // safe to show a user; never a stack trace or backend-internal ID
	Severity Severity
	Context  map[string]any

	// RetryAfter is set only when Code == CodeConnectionThrottled.
	RetryAfter time.Duration

	// RequiresReauth is set only for auth-related codes.
	RequiresReauth bool

	// Fields carries field/message pairs for CodeValidationInvalidValue.
	Fields []FieldError

	// Wrapped is the underlying cause, if any, kept for logging — never
	// rendered into Message.
	Wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Throttled builds a Connection.Throttled error with the given retry-after
// duration. The controller's entire AIMD behavior hinges on this signal
// being produced whenever the backend rate-limits a call (spec §6).
func Throttled(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeConnectionThrottled,
		Message:    "the service is temporarily rate limiting requests",
		Severity:   SeverityWarning,
		RetryAfter: retryAfter,
	}
}

// Transient builds a Connection.Transient error for a failure worth
// retrying locally with bounded attempts.
func Transient(cause error) *Error {
	return &Error{
		Code:     CodeConnectionTransient,
		Message:  "a transient error occurred communicating with the service",
		Severity: SeverityWarning,
		Wrapped:  cause,
	}
}

// Fatal builds a Connection.Fatal error that should terminate the
// containing operation and cancel in-flight work.
func Fatal(cause error) *Error {
	return &Error{
		Code:     CodeConnectionFatal,
		Message:  "the operation failed and cannot be retried",
		Severity: SeverityError,
		Wrapped:  cause,
	}
}

// AuthExpired builds an Auth.Expired error. Nothing in this module
// invalidates the affected identity when this error occurs; a registry
// entry is only dropped by an explicit Registry.InvalidateIdentity call.
func AuthExpired(cause error) *Error {
	return &Error{
		Code:           CodeAuthExpired,
		Message:        "re-authentication is required",
		Severity:       SeverityError,
		RequiresReauth: true,
		Wrapped:        cause,
	}
}

// AuthDeclined builds an Auth.Declined error for an interactive credential
// flow the user cancelled.
func AuthDeclined() *Error {
	return &Error{
		Code:     CodeAuthDeclined,
		Message:  "authentication was cancelled",
		Severity: SeverityInfo,
	}
}

// NotFound builds an Operation.NotFound error.
func NotFound(resourceType, id string) *Error {
	return &Error{
		Code:     CodeOperationNotFound,
		Message:  fmt.Sprintf("%s '%s' was not found", resourceType, id),
		Severity: SeverityWarning,
		Context:  map[string]any{"resourceType": resourceType, "id": id},
	}
}

// InvalidValue builds a Validation.InvalidValue error from one or more
// field/message pairs.
func InvalidValue(fields ...FieldError) *Error {
	return &Error{
		Code:     CodeValidationInvalidValue,
		Message:  "one or more fields failed validation",
		Severity: SeverityWarning,
		Fields:   fields,
	}
}

// ParseFailed builds a Query.ParseFailed error carrying the parser's
// position. Parsing itself is out of scope (spec §1); this constructor
// exists so a caller's external parser can report failures in the shape
// the rest of the core expects.
func ParseFailed(line, column int, snippet string) *Error {
	return &Error{
		Code:     CodeQueryParseFailed,
		Message:  "the query could not be parsed",
		Severity: SeverityError,
		Context: map[string]any{
			"line":    line,
			"column":  column,
			"snippet": snippet,
		},
	}
}

// AggregateLimitExceeded builds a Query.AggregateLimitExceeded error. The
// exact marker text the backend uses to signal this condition is
// implementation-configurable (spec §9 open question (a)); this
// constructor is where the conversion lands once a BackendClient
// implementation has detected the marker.
func AggregateLimitExceeded() *Error {
	return &Error{
		Code:     CodeAggregateLimitExceeded,
		Message:  "the query's aggregate result exceeds the service's 50,000 record limit; narrow the filter and retry",
		Severity: SeverityError,
	}
}

// UnsupportedFeature builds a Query.UnsupportedFeature error, used e.g.
// when the planner rejects COUNT(DISTINCT) under ParallelPartition.
func UnsupportedFeature(feature string) *Error {
	return &Error{
		Code:     CodeQueryUnsupportedFeature,
		Message:  fmt.Sprintf("%s is not supported in this context", feature),
		Severity: SeverityError,
		Context:  map[string]any{"feature": feature},
	}
}

// AsError extracts an *Error from err's chain, if any.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsCode reports whether err's chain contains a *Error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
