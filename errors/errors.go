// Package errors provides error handling for Pulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details for operators (errors.WithDetail)
//
// Usage:
//
//	if err := store.CompleteJob(ctx, id, result); err != nil {
//	    return errors.Wrap(err, "failed to complete job")
//	}
//
//	if errors.IsValidation(err) {
//	    // reject the request, nothing was written
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	Mark               = crdb.Mark
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails

	// GetReportableStackTrace returns the stack captured by New, Wrap or WithStack
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Sentinel errors. Wrap or Mark these to add context while keeping errors.Is working.
var (
	// ErrNotFound indicates the requested job, instance or log stream does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates caller input was rejected before anything was written
	ErrValidation = New("validation failed")

	// ErrConflict indicates a uniqueness conflict, e.g. a second live registration
	// of the same service instance id
	ErrConflict = New("resource conflict")

	// ErrInvalidTransition indicates a job state change that the state machine forbids,
	// e.g. completing a job that is no longer running
	ErrInvalidTransition = New("invalid state transition")
)

// NewValidationError creates an error that matches ErrValidation.
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewConflictError creates an error that matches ErrConflict.
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// NewNotFoundError creates an error that matches ErrNotFound.
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidTransitionError creates an error that matches ErrInvalidTransition.
func NewInvalidTransitionError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidTransition)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also accepts plain "... not found" messages produced by older call sites.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	return strings.HasSuffix(err.Error(), "not found")
}
