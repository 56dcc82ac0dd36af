/*
errors.go - Error taxonomy for the ledger core

ERROR CATEGORIES:
  NotFoundError     referenced patient or period does not exist
  ValidationError   malformed input, rejected before any write
  ConsistencyError  the write would break a ledger invariant
  ConcurrencyError  the patient lock could not be taken within the bound

Each structured error unwraps to a sentinel, so callers can branch with
errors.Is without knowing the concrete type:

    if errors.Is(err, ledger.ErrConcurrency) {
        // safe to retry
    }

Store adapters translate driver errors (unique violations, lock timeouts,
busy databases) into this taxonomy. The transport layer maps them to
user-facing responses.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrConsistency = errors.New("consistency violation")
	ErrConcurrency = errors.New("concurrent modification")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Kind string // "patient", "period"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func patientNotFound(id PatientID) error {
	return &NotFoundError{Kind: "patient", ID: string(id)}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type ConsistencyError struct {
	PatientID PatientID
	Message   string
}

func (e *ConsistencyError) Error() string {
	if e.PatientID == "" {
		return "consistency violation: " + e.Message
	}
	return fmt.Sprintf("consistency violation for patient %s: %s", e.PatientID, e.Message)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// ConcurrencyError wraps the underlying lock or contention failure.
type ConcurrencyError struct {
	PatientID PatientID
	Err       error
}

func (e *ConcurrencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("patient %s is locked by another operation", e.PatientID)
	}
	return fmt.Sprintf("patient %s is locked by another operation: %v", e.PatientID, e.Err)
}

func (e *ConcurrencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrency}
	}
	return []error{ErrConcurrency, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConsistency)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
