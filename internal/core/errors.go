package core

// errors.go defines the error taxonomy of an import job.
//
// Only a ParseError on the whole payload aborts a job. Every other condition
// is captured into the per-row ImportOutcome and the job completes with a
// full report.

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned when an upload contains no bytes or no rows.
	ErrEmptyPayload = errors.New("empty file")

	// ErrUnsupportedFormat is returned when the payload kind cannot be read.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrFileTooLarge is returned when a payload exceeds the configured limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrHandleNotFound is returned for unknown or expired canonical handles.
	ErrHandleNotFound = errors.New("import handle not found")

	// ErrReportNotFound is returned for unknown or expired report handles.
	ErrReportNotFound = errors.New("import report not found")

	// ErrDuplicateContact is returned by a RecordStore when an insert violates
	// a uniqueness constraint on a phone column.
	ErrDuplicateContact = errors.New("duplicate contact")
)

// Outcome reason codes.
const (
	CodeNoPhone           = "no_phone"
	CodeInvalidPostalCode = "invalid_postal_code"
	CodeDuplicate         = "duplicate"
	CodeStoreError        = "store_error"
)

// ParseError is a structural, job-fatal failure reading the payload.
type ParseError struct {
	Kind SourceKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("parse file: %v", e.Err)
	}
	return fmt.Sprintf("parse %s file: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is a recoverable per-row business rule failure.
type ValidationError struct {
	Code  string // CodeNoPhone or CodeInvalidPostalCode
	Field string
	Value string // Original value, kept for diagnostics
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeNoPhone:
		return "no valid phone number (tel, gsm1, gsm2)"
	case CodeInvalidPostalCode:
		return fmt.Sprintf("invalid postal code %q", e.Value)
	default:
		if e.Field != "" {
			return fmt.Sprintf("%s: invalid value %q", e.Field, e.Value)
		}
		return e.Code
	}
}

// DuplicateError reports a record whose phone key already exists.
type DuplicateError struct {
	PhoneKey string
	Matched  ExistingContactSummary
}

func (e *DuplicateError) Error() string {
	if e.Matched.ID == 0 {
		return fmt.Sprintf("duplicate phone %s", e.PhoneKey)
	}
	return fmt.Sprintf("duplicate phone %s (contact %d)", e.PhoneKey, e.Matched.ID)
}

// Is lets errors.Is(err, ErrDuplicateContact) match duplicate outcomes.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateContact }

// StoreError wraps a failure of the record store for a single row.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
