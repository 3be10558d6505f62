package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on Code so wrapped sentinels compare equal to the bare sentinel.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Message == "" || e.Message == t.Message)
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeInvalidOperation = "INVALID_OPERATION"

	ErrCodeFormat              = "FORMAT_ERROR"
	ErrCodeIntegrity           = "INTEGRITY_ERROR"
	ErrCodeAnalyzerTimeout     = "ANALYZER_TIMEOUT"
	ErrCodeLedgerWriteConflict = "LEDGER_WRITE_CONFLICT"
	ErrCodeDirectiveResolution = "DIRECTIVE_RESOLUTION_ERROR"
)

// Validation errors
var (
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidCaseContext   = NewDomainError(ErrCodeValidation, "invalid case context")
)

// Not found errors
var (
	ErrArtifactNotFound  = NewDomainError(ErrCodeNotFound, "artifact not found")
	ErrReportNotFound    = NewDomainError(ErrCodeNotFound, "report not found")
	ErrBlockNotAvailable = NewDomainError(ErrCodeNotFound, "report block not available for this artifact")
	ErrDerivedNotFound   = NewDomainError(ErrCodeNotFound, "derived artifact not found")
	ErrNotMirrored       = NewDomainError(ErrCodeNotFound, "object has not been mirrored")
)

// Integrity errors reject an artifact before canonicalization completes.
var (
	ErrEmptyArtifact   = NewDomainError(ErrCodeIntegrity, "zero-byte artifact")
	ErrSizeMismatch    = NewDomainError(ErrCodeIntegrity, "declared size does not match bytes read")
	ErrCanonicalDrift  = NewDomainError(ErrCodeIntegrity, "stored artifact bytes no longer match canonical sha256")
	ErrAttachmentDepth = NewDomainError(ErrCodeInvalidOperation, "attachment recursion depth limit reached")
)

// Pipeline errors
var (
	ErrAnalyzerTimeout     = NewDomainError(ErrCodeAnalyzerTimeout, "analyzer exceeded its time budget")
	ErrLedgerWriteConflict = NewDomainError(ErrCodeLedgerWriteConflict, "ledger changed underneath the writer")
	ErrUnknownDirective    = NewDomainError(ErrCodeDirectiveResolution, "unknown directive")
	ErrUnsupportedFormat   = NewDomainError(ErrCodeFormat, "unsupported artifact format")
	ErrStorageOperation    = NewDomainError(ErrCodeInternalError, "storage operation failed")
)

// FormatError wraps a parse failure of an artifact. Recorded, never fatal to a pipeline.
func FormatError(format Format, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeFormat, fmt.Sprintf("cannot parse %s artifact", format), err)
}

// IntegrityError wraps a byte-level mismatch that rejects an artifact.
func IntegrityError(message string, err error) *DomainError {
	return NewDomainErrorWithCause(ErrCodeIntegrity, message, err)
}

// HasCode reports whether err is, or wraps, a DomainError with the given code.
func HasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
