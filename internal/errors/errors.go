package errors

import (
	stderrors "errors"
	"fmt"
)

// IndexError is the structured error type for dicomindex.
// Every operation that fails returns one so callers can decide whether to
// retry, repair the request, or escalate.
type IndexError struct {
	// Code is the unique error code (e.g., "ERR_701_DUPLICATE_FIELD").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the taxonomy bucket (Validation, Conflict, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the caller.
	Suggestion string
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() against the sentinel values below.
func (e *IndexError) Is(target error) bool {
	if t, ok := target.(*IndexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *IndexError) WithDetail(key, value string) *IndexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the caller.
// Returns the error for method chaining.
func (e *IndexError) WithSuggestion(suggestion string) *IndexError {
	e.Suggestion = suggestion
	return e
}

// New creates a new IndexError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *IndexError {
	return &IndexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an IndexError from an existing error.
// The error's message becomes the IndexError message.
func Wrap(code string, err error) *IndexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// sentinel builds a code-only value usable as an errors.Is target.
func sentinel(code string) *IndexError {
	return &IndexError{Code: code, Category: categoryFromCode(code)}
}

// Sentinels for errors.Is matching. Matching is by code only.
var (
	ErrValidation           = sentinel(ErrCodeInvalidExpression)
	ErrTypeMismatch         = sentinel(ErrCodeTypeMismatch)
	ErrUnsupportedOperator  = sentinel(ErrCodeUnsupportedOperator)
	ErrFieldNotSearchable   = sentinel(ErrCodeFieldNotSearchable)
	ErrFieldNotFacetable    = sentinel(ErrCodeFieldNotFacetable)
	ErrMissingParameter     = sentinel(ErrCodeMissingParameter)
	ErrPreprocessing        = sentinel(ErrCodePreprocessingFailed)
	ErrFieldNotFound        = sentinel(ErrCodeFieldNotFound)
	ErrUnknownTemplate      = sentinel(ErrCodeTemplateNotFound)
	ErrJobNotFound          = sentinel(ErrCodeJobNotFound)
	ErrSnapshotNotFound     = sentinel(ErrCodeSnapshotNotFound)
	ErrUnknownPreprocessor  = sentinel(ErrCodePreprocessorNotFound)
	ErrDuplicateField       = sentinel(ErrCodeDuplicateField)
	ErrFieldInUse           = sentinel(ErrCodeFieldInUse)
	ErrJobInProgress        = sentinel(ErrCodeJobInProgress)
	ErrJobFinished          = sentinel(ErrCodeJobFinished)
	ErrExpressionTooComplex = sentinel(ErrCodeExpressionTooComplex)
	ErrPermissionDenied     = sentinel(ErrCodePermissionDenied)
	ErrTransientIngestion   = sentinel(ErrCodeIngestionUnavailable)
	ErrMalformedFeed        = sentinel(ErrCodeIngestionMalformed)
	ErrCommitFailed         = sentinel(ErrCodeCommitFailed)
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *IndexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StorageError creates a storage-related error.
func StorageError(message string, cause error) *IndexError {
	return New(ErrCodeStorage, message, cause)
}

// ValidationError creates a filter-expression validation error.
func ValidationError(message string, cause error) *IndexError {
	return New(ErrCodeInvalidExpression, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *IndexError {
	return New(ErrCodeInternal, message, cause)
}

// NotFoundError creates a not-found error for the given code and name.
func NotFoundError(code, kind, name string) *IndexError {
	return New(code, fmt.Sprintf("%s not found: %s", kind, name), nil).WithDetail(kind, name)
}

// DuplicateFieldError reports that a field tag is already defined.
func DuplicateFieldError(tag string) *IndexError {
	return New(ErrCodeDuplicateField, fmt.Sprintf("field already defined: %s", tag), nil).
		WithDetail("tag", tag)
}

// FieldInUseError reports that a field cannot be changed or removed right now.
func FieldInUseError(tag, reason string) *IndexError {
	return New(ErrCodeFieldInUse, fmt.Sprintf("field %s is in use: %s", tag, reason), nil).
		WithDetail("tag", tag)
}

// UnknownPreprocessorError reports an unregistered preprocessing function name.
func UnknownPreprocessorError(name string) *IndexError {
	return NotFoundError(ErrCodePreprocessorNotFound, "preprocessor", name).
		WithSuggestion("run 'dicomindex preprocess list' to see registered functions")
}

// UnknownTemplateError reports an unknown filter template name.
func UnknownTemplateError(name string) *IndexError {
	return NotFoundError(ErrCodeTemplateNotFound, "template", name)
}

// MissingParameterError reports a required template parameter that was not supplied.
func MissingParameterError(template, param string) *IndexError {
	return New(ErrCodeMissingParameter,
		fmt.Sprintf("template %s requires parameter %q", template, param), nil).
		WithDetail("template", template).
		WithDetail("parameter", param)
}

// JobInProgressError reports that an operation needs the scheduler to be idle.
func JobInProgressError(op string) *IndexError {
	return New(ErrCodeJobInProgress, fmt.Sprintf("%s rejected: an indexing job is running", op), nil).
		WithSuggestion("wait for running jobs to finish or cancel them")
}

// ExpressionTooComplexError reports an expression exceeding depth or leaf limits.
func ExpressionTooComplexError(message string) *IndexError {
	return New(ErrCodeExpressionTooComplex, message, nil)
}

// PermissionDeniedError reports a missing capability.
func PermissionDeniedError(subject, capability string) *IndexError {
	return New(ErrCodePermissionDenied,
		fmt.Sprintf("subject %q lacks capability %s", subject, capability), nil).
		WithDetail("subject", subject).
		WithDetail("capability", capability)
}

// PreprocessingError reports that a preprocessing function failed on an input.
func PreprocessingError(function, input string, cause error) *IndexError {
	return New(ErrCodePreprocessingFailed,
		fmt.Sprintf("preprocessor %s failed on %q", function, input), cause).
		WithDetail("function", function).
		WithDetail("input", input)
}

// TransientIngestionError reports that the ingestion feed is temporarily unavailable.
func TransientIngestionError(message string, cause error) *IndexError {
	return New(ErrCodeIngestionUnavailable, message, cause)
}

// MalformedFeedError reports feed content that no retry can fix.
func MalformedFeedError(message string, cause error) *IndexError {
	return New(ErrCodeIngestionMalformed, message, cause)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an IndexError.
// Returns empty string if not an IndexError.
func GetCode(err error) string {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// GetCategory extracts the category from an IndexError.
// Returns empty string if not an IndexError.
func GetCategory(err error) Category {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// IsCategory reports whether err is an IndexError in the given category.
func IsCategory(err error, category Category) bool {
	return GetCategory(err) == category
}
