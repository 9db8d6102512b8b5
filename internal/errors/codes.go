// Package errors provides structured error handling for dicomindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and IO errors (snapshots, metadata database)
//   - 3XX: Ingestion feed errors
//   - 4XX: Validation errors (filter expressions, templates, preprocessing)
//   - 5XX: Internal errors
//   - 6XX: Not found (field, template, job, snapshot, preprocessor)
//   - 7XX: Conflicts (duplicate field, field in use, job in progress)
//   - 8XX: Capacity (expression too complex)
//   - 9XX: Permission denied
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates storage and IO errors.
	CategoryIO Category = "IO"
	// CategoryIngestion indicates the ingestion feed is unavailable.
	CategoryIngestion Category = "INGESTION"
	// CategoryValidation indicates a malformed or incompatible request.
	CategoryValidation Category = "VALIDATION"
	// CategoryPreprocessing indicates a preprocessing stage failed on one value.
	CategoryPreprocessing Category = "PREPROCESSING"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryNotFound indicates an unknown field, template, job or snapshot.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryConflict indicates the operation was refused and state is unchanged.
	CategoryConflict Category = "CONFLICT"
	// CategoryCapacity indicates a request exceeded a configured bound.
	CategoryCapacity Category = "CAPACITY"
	// CategoryPermission indicates the caller lacks a required capability.
	CategoryPermission Category = "PERMISSION"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStorage         = "ERR_201_STORAGE"
	ErrCodeCommitFailed    = "ERR_202_COMMIT_FAILED"
	ErrCodeSnapshotCorrupt = "ERR_203_SNAPSHOT_CORRUPT"
	ErrCodeDataDirLocked   = "ERR_204_DATA_DIR_LOCKED"

	// Ingestion errors (300-399)
	ErrCodeIngestionUnavailable = "ERR_301_INGESTION_UNAVAILABLE"
	ErrCodeIngestionTimeout     = "ERR_302_INGESTION_TIMEOUT"
	ErrCodeIngestionMalformed   = "ERR_303_INGESTION_MALFORMED"

	// Validation errors (400-499)
	ErrCodeInvalidExpression   = "ERR_401_INVALID_EXPRESSION"
	ErrCodeTypeMismatch        = "ERR_402_TYPE_MISMATCH"
	ErrCodeUnsupportedOperator = "ERR_403_UNSUPPORTED_OPERATOR"
	ErrCodeFieldNotSearchable  = "ERR_404_FIELD_NOT_SEARCHABLE"
	ErrCodeMissingParameter    = "ERR_405_MISSING_PARAMETER"
	ErrCodeInvalidField        = "ERR_406_INVALID_FIELD"
	ErrCodeFieldNotFacetable   = "ERR_407_FIELD_NOT_FACETABLE"
	ErrCodePreprocessingFailed = "ERR_460_PREPROCESSING_FAILED"

	// Internal errors (500-599)
	ErrCodeInternal  = "ERR_501_INTERNAL"
	ErrCodeJobFailed = "ERR_502_JOB_FAILED"

	// Not found errors (600-699)
	ErrCodeFieldNotFound        = "ERR_601_FIELD_NOT_FOUND"
	ErrCodeTemplateNotFound     = "ERR_602_TEMPLATE_NOT_FOUND"
	ErrCodeJobNotFound          = "ERR_603_JOB_NOT_FOUND"
	ErrCodeSnapshotNotFound     = "ERR_604_SNAPSHOT_NOT_FOUND"
	ErrCodePreprocessorNotFound = "ERR_605_PREPROCESSOR_NOT_FOUND"

	// Conflict errors (700-799)
	ErrCodeDuplicateField = "ERR_701_DUPLICATE_FIELD"
	ErrCodeFieldInUse     = "ERR_702_FIELD_IN_USE"
	ErrCodeJobInProgress  = "ERR_703_JOB_IN_PROGRESS"
	ErrCodeJobFinished    = "ERR_704_JOB_FINISHED"
	ErrCodeDuplicateName  = "ERR_705_DUPLICATE_NAME"

	// Capacity errors (800-899)
	ErrCodeExpressionTooComplex = "ERR_801_EXPRESSION_TOO_COMPLEX"

	// Permission errors (900-999)
	ErrCodePermissionDenied = "ERR_901_PERMISSION_DENIED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if code == ErrCodePreprocessingFailed {
		return CategoryPreprocessing
	}
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryIngestion
	case '4':
		return CategoryValidation
	case '6':
		return CategoryNotFound
	case '7':
		return CategoryConflict
	case '8':
		return CategoryCapacity
	case '9':
		return CategoryPermission
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeSnapshotCorrupt:
		return SeverityFatal
	case ErrCodePreprocessingFailed:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeIngestionUnavailable, ErrCodeIngestionTimeout:
		return true
	default:
		return false
	}
}
