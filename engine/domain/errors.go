package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors of the engine's error taxonomy.
var (
	ErrSchema               = errors.New("schema error")
	ErrIncompatibleIndex    = errors.New("incompatible index")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrNotFound             = errors.New("not found")
	ErrPlanningAmbiguous    = errors.New("planning ambiguous")
)

// Row-level validation failures wrapped by SchemaError.
var (
	ErrMissingField   = errors.New("missing required field")
	ErrMalformedField = errors.New("malformed field")
	ErrDuplicateID    = errors.New("duplicate id")
)

// Query validation failures used by transports.
var (
	ErrEmptyQuery   = errors.New("query is empty")
	ErrQueryTooLong = errors.New("query too long")
)

// SchemaError reports a malformed input row. It matches ErrSchema.
type SchemaError struct {
	Row     int
	Field   string
	Value   string
	Wrapped error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: row %d: %s: %s (value=%q)", e.Row, e.Field, e.Wrapped, e.Value)
}

func (e *SchemaError) Unwrap() error { return e.Wrapped }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// NewSchemaError creates a SchemaError.
func NewSchemaError(row int, field, value string, wrapped error) *SchemaError {
	return &SchemaError{Row: row, Field: field, Value: value, Wrapped: wrapped}
}

// IncompatibleIndexError reports a persisted index that does not match what
// the caller expects. It matches ErrIncompatibleIndex.
type IncompatibleIndexError struct {
	Field string
	Want  string
	Got   string
}

func (e *IncompatibleIndexError) Error() string {
	return fmt.Sprintf("incompatible index: %s: want %s, got %s", e.Field, e.Want, e.Got)
}

func (e *IncompatibleIndexError) Is(target error) bool { return target == ErrIncompatibleIndex }

// FailureKind is the failure label recorded in trace error steps.
type FailureKind string

const (
	KindSchema               FailureKind = "SchemaError"
	KindIncompatibleIndex    FailureKind = "IncompatibleIndexError"
	KindRetrievalUnavailable FailureKind = "RetrievalUnavailable"
	KindNotFound             FailureKind = "NotFound"
	KindPlanningAmbiguous    FailureKind = "PlanningAmbiguous"
	KindCanceled             FailureKind = "Canceled"
	KindInternal             FailureKind = "Internal"
)

// KindOf classifies err into a FailureKind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncompatibleIndex):
		return KindIncompatibleIndex
	case errors.Is(err, ErrRetrievalUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindRetrievalUnavailable
	case errors.Is(err, ErrSchema):
		return KindSchema
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPlanningAmbiguous):
		return KindPlanningAmbiguous
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
