// Package errors provides error handling for cadence.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//
// On top of the re-exports it defines the sentinels of the scheduling domain.
// Wrap a sentinel to add context while keeping it matchable:
//
//	return errors.Wrapf(errors.ErrRecordNotFound, "log_id %s", id)
//
//	if errors.Is(err, errors.ErrRecordNotFound) {
//	    // 404
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
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Generic sentinels shared by every layer.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// Scheduling domain sentinels.
var (
	// ErrDefinitionNotFound: a forced service id matches no known definition.
	ErrDefinitionNotFound = New("definition not found")

	// ErrDispatchFailure: the invocation could not be issued, or the target
	// rejected it outright.
	ErrDispatchFailure = New("dispatch failure")

	// ErrStoreUnavailable: the execution log store could not be read or written.
	ErrStoreUnavailable = New("execution log store unavailable")

	// ErrRecordNotFound: no execution record exists for the identifier.
	ErrRecordNotFound = New("execution record not found")

	// ErrRecordTerminal: a terminal write hit a record that already holds a
	// different terminal outcome.
	ErrRecordTerminal = New("execution record already terminal")

	// ErrClaimLost: another pass advanced the definition's window first.
	ErrClaimLost = New("trigger window already claimed")
)

// IsNotFoundError checks if an error is or wraps any of the not-found sentinels.
// Also accepts plain errors whose message ends in "not found".
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if IsAny(err, ErrNotFound, ErrRecordNotFound, ErrDefinitionNotFound) {
		return true
	}
	return strings.HasSuffix(err.Error(), "not found")
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
// or ErrStoreUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && IsAny(err, ErrServiceUnavailable, ErrStoreUnavailable)
}

// IsConflictError reports a conflicting write (terminal record or lost claim).
func IsConflictError(err error) bool {
	return err != nil && IsAny(err, ErrConflict, ErrRecordTerminal, ErrClaimLost)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// StoreUnavailable marks err as ErrStoreUnavailable while keeping its cause
// visible in the message.
func StoreUnavailable(err error, operation string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, operation), ErrStoreUnavailable)
}
