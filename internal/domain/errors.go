package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Reference resolution errors (all permanent)
	ErrInvalidPaymentData     = errors.New("payment description missing enrollment or institution key")
	ErrStudentNotFound        = errors.New("student not found")
	ErrInstitutionNotFound    = errors.New("institution not found")
	ErrInstitutionUnavailable = errors.New("institution inactive or missing settlement account")

	// Ledger errors
	ErrCurrencyMismatch   = errors.New("payment currency differs from ledger currency")
	ErrLedgerFrozen       = errors.New("ledger has an administrative status and cannot be updated")
	ErrLedgerNotFound     = errors.New("ledger not found")
	ErrDuplicateReference = errors.New("payment reference already processed")

	// Concurrency
	ErrVersionConflict = errors.New("ledger version changed concurrently")
)

// ─── Error Classification ───────────────────────────────────────────────────
// The retry router cares about exactly one property of an error: is it worth
// retrying? Permanent errors are business-rule violations and are converted
// to failure events; everything else is assumed to be infrastructure trouble.

// PermanentError marks an error as a business-rule violation that will not
// self-correct on redelivery.
type PermanentError struct {
	Reason string // human-readable, carried on the failure event
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable business error.
func Permanent(err error, reason string) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a non-retryable business error.
// The known resolution and ledger sentinels are permanent even when not
// wrapped, so callers cannot forget to classify them.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	for _, sentinel := range []error{
		ErrInvalidPaymentData,
		ErrStudentNotFound,
		ErrInstitutionNotFound,
		ErrInstitutionUnavailable,
		ErrCurrencyMismatch,
		ErrLedgerFrozen,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsDuplicate reports whether err signals an already-processed reference.
// Duplicates are not errors from the pipeline's point of view: the message
// is acknowledged as a successful no-op.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateReference)
}

// FailureReason extracts the human-readable reason for a failure event.
func FailureReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return err.Error()
}
