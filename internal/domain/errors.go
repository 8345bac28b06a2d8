package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the store, services and handlers.
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrLinkFailure = errors.New("link failure")
	ErrStore       = errors.New("store error")
	ErrConflict    = errors.New("conflict")
)

// Kind classifies an error for callers that need to branch on it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindLinkFailure
	KindStore
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindLinkFailure:
		return "link_failure"
	case KindStore:
		return "store"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// KindOf reports the taxonomy kind of err. Link failures win over their
// wrapped cause so that a missing parent is not reported as a plain 404.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrLinkFailure):
		return KindLinkFailure
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStore):
		return KindStore
	default:
		return KindUnknown
	}
}

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError contains a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("validation: %d errors (%s)", len(e.Errors), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Errors: []FieldError{{Field: field, Message: message}},
	}
}

// NewValidationErrors creates a ValidationError from multiple field errors.
func NewValidationErrors(errs []FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

// LinkError is returned when a child was persisted but could not be linked
// into its parent. The child has been deleted unless RollbackIncomplete is set.
type LinkError struct {
	Kind               string
	ChildID            string
	ParentID           string
	Cause              error
	RollbackIncomplete bool
	RollbackErr        error
}

func (e *LinkError) Error() string {
	msg := fmt.Sprintf("link %s %s into parent %s: %v", e.Kind, e.ChildID, e.ParentID, e.Cause)
	if e.RollbackIncomplete {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", e.RollbackErr)
	}
	return msg
}

func (e *LinkError) Unwrap() []error {
	return []error{ErrLinkFailure, e.Cause}
}

// StoreError wraps a backend failure with the operation that produced it.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// NewStoreError wraps err unless it already carries a taxonomy kind.
func NewStoreError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Collection: collection, Err: err}
}
