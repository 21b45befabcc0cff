package errors

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrDuplicateIdentifier indicates that an identifier was already claimed in this run
	ErrDuplicateIdentifier = errors.New("duplicate entry")

	// ErrDuplicateEntity indicates that the resolved entity was already fetched in this run
	ErrDuplicateEntity = errors.New("duplicate entry")

	// ErrNoMatch indicates that no record matched the identifier
	ErrNoMatch = errors.New("no match found")

	// ErrMultipleMatches indicates that more records matched than the identifier type allows
	ErrMultipleMatches = errors.New("multiple matches were found")

	// ErrMissingEntityID indicates that a resolved record carries no id
	ErrMissingEntityID = errors.New("record has no id")

	// ErrDuplicatesAcrossTenants indicates that a single-tenant identifier matched in several tenants
	ErrDuplicatesAcrossTenants = errors.New("duplicates across tenants")

	// ErrUnsupportedIdentifier indicates that the identifier type is not supported for the entity type
	ErrUnsupportedIdentifier = errors.New("unsupported identifier type")

	// ErrPermissionDenied indicates that the acting user lacks a required permission
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotAffiliated indicates that the acting user is not affiliated with a tenant
	ErrNotAffiliated = errors.New("user is not affiliated with tenant")

	// ErrTransientTransport indicates a network failure that may succeed on retry
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrRuleValidation indicates that a rule could not be applied to a record
	ErrRuleValidation = errors.New("rule validation failed")

	// ErrMarcValidation indicates that a MARC rule is not valid for bulk edit
	ErrMarcValidation = errors.New("marc rule validation failed")

	// ErrSkipLimitExceeded indicates that a partition skipped more identifiers than allowed
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")

	// ErrMergeTimeout indicates that merging partition files did not finish in time
	ErrMergeTimeout = errors.New("merge timed out")

	// ErrStorage indicates an object storage failure while assembling final files
	ErrStorage = errors.New("storage failure")

	// ErrConfiguration indicates an unrecoverable rule or run configuration error
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates that the remote circuit breaker rejected the call
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNotFound indicates that a persisted object does not exist
	ErrNotFound = errors.New("not found")
)

// Severity classifies a recorded per-identifier failure
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Error codes attached to skippable errors
const (
	CodeDuplicate             = "DUPLICATE"
	CodeNoMatch               = "NO_MATCH"
	CodeMultipleMatches       = "MULTIPLE_MATCHES"
	CodeMissingID             = "MISSING_ID"
	CodeAcrossTenants         = "DUPLICATES_ACROSS_TENANTS"
	CodeUnsupportedIdentifier = "UNSUPPORTED_IDENTIFIER"
	CodePermission            = "PERMISSION"
	CodeAffiliation           = "AFFILIATION"
	CodeTransport             = "TRANSPORT"
	CodeRuleValidation        = "RULE_VALIDATION"
	CodeMarcValidation        = "MARC_VALIDATION"
	CodeUpdate                = "UPDATE_FAILED"
	CodeSkipLimit             = "SKIP_LIMIT"
	CodeMergeTimeout          = "MERGE_TIMEOUT"
	CodeStorage               = "STORAGE"
	CodeConfiguration         = "CONFIGURATION"
	CodeInternal              = "INTERNAL"
)

// SkippableError is a per-identifier failure that is recorded and does not stop the partition
type SkippableError struct {
	// Identifier is the raw identifier (or record HRID/UUID) the failure belongs to
	Identifier string

	// Severity is the severity recorded on the error record
	Severity Severity

	// Code is a machine-readable error code
	Code string

	// Message is the human-readable message stored on the error record
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *SkippableError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *SkippableError) Unwrap() error {
	return e.Err
}

// NewSkippable creates a skippable error with ERROR severity
func NewSkippable(identifier, code, message string, err error) *SkippableError {
	return &SkippableError{
		Identifier: identifier,
		Severity:   SeverityError,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// NewWarning creates a skippable error with WARNING severity
func NewWarning(identifier, code, message string, err error) *SkippableError {
	return &SkippableError{
		Identifier: identifier,
		Severity:   SeverityWarning,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// FatalError aborts the partition and fails the run
type FatalError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal creates a new fatal error
func NewFatal(code, message string, err error) *FatalError {
	return &FatalError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// AsSkippable returns the skippable error in the chain, if any
func AsSkippable(err error) (*SkippableError, bool) {
	var skipErr *SkippableError
	if errors.As(err, &skipErr) {
		return skipErr, true
	}
	return nil, false
}

// IsSkippable reports whether err may be recorded and skipped.
// A fatal error anywhere in the chain wins over a skippable one.
func IsSkippable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	_, ok := AsSkippable(err)
	return ok
}

// IsFatal checks if an error must abort the run
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}

// IsTransient checks if an error is a retryable transport failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport) || errors.Is(err, ErrCircuitOpen)
}

// RootCause returns the innermost error of a wrap chain. Joined errors are followed
// through their last branch, since joins here put the sentinel first.
func RootCause(err error) error {
	for err != nil {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		}
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// ClassSuffix returns the short type name of the outermost typed error, e.g. "FatalError"
func ClassSuffix(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}

// Is, As and Join re-export the standard helpers so callers need a single import
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)
