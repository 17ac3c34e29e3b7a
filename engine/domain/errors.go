package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure the engine surfaces. A Kind is itself an
// error so callers can write errors.Is(err, domain.StoreUnavailable).
type Kind string

const (
	InvalidInput               Kind = "invalid_input"
	ExtractionEmpty            Kind = "extraction_empty"
	ExtractionMalformed        Kind = "extraction_malformed"
	EmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"
	EmbeddingSpaceMismatch     Kind = "embedding_space_mismatch"
	StoreUnavailable           Kind = "store_unavailable"
	StoreProtocolError         Kind = "store_protocol_error"
	SchemaConflict             Kind = "schema_conflict"
	GenerationFailed           Kind = "generation_failed"
	CapabilityUnavailable      Kind = "capability_unavailable"
	CapabilityRejected         Kind = "capability_rejected"

	// NotYetVisible is only ever reported as a Warning.
	NotYetVisible Kind = "not_yet_visible"
)

func (k Kind) Error() string { return string(k) }

// Retryable reports whether an operation that failed with k may succeed if
// repeated unchanged.
func (k Kind) Retryable() bool {
	return k == StoreUnavailable || k == CapabilityUnavailable
}

// Sentinel errors for validation failures.
var (
	ErrBlank       = errors.New("must not be blank")
	ErrTooLong     = errors.New("too long")
	ErrEmptyImage  = errors.New("image is empty")
	ErrImageSize   = errors.New("image too large")
	ErrNotAnImage  = errors.New("unsupported media type")
	ErrNonPositive = errors.New("must be positive")

	ErrNotFilterable = errors.New("field is not filterable")
	ErrBadID         = errors.New("malformed id")
)

// Error is the typed error returned across the engine boundary.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E builds an *Error.
func E(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// Ef builds an *Error with a formatted detail and no cause.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or ""
// when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// IsRetryable reports whether err is classified with a retryable Kind and
// was not caused by cancellation.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable() && !IsCanceled(err)
}

// IsCanceled reports whether err was caused by the caller giving up.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Invalid wraps a ValidationError as an InvalidInput failure.
func Invalid(op, field, value string, wrapped error) *Error {
	return E(InvalidInput, op, "", NewValidationError(field, value, wrapped))
}
