package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryFile           ErrorCategory = "file"
	CategoryParse          ErrorCategory = "parse"
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryExtraction     ErrorCategory = "extraction"
	CategoryConsensus      ErrorCategory = "consensus"
	CategoryBilling        ErrorCategory = "billing"
	CategoryReconciliation ErrorCategory = "reconciliation"
	CategoryNetwork        ErrorCategory = "network"
	CategoryInternal       ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// File errors
	CodeFileNotFound   ErrorCode = "file_not_found"
	CodeFilePermission ErrorCode = "file_permission"
	CodeFileCorrupted  ErrorCode = "file_corrupted"
	CodeDirectoryError ErrorCode = "directory_error"

	// Parse errors
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeMissingColumn ErrorCode = "missing_column"
	CodeInvalidData   ErrorCode = "invalid_data"
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"

	// Validation errors
	CodeMissingField ErrorCode = "missing_field"
	CodeOutOfRange   ErrorCode = "out_of_range"
	CodeDuplicateKey ErrorCode = "duplicate_key"

	// Configuration errors
	CodeInvalidConfig  ErrorCode = "invalid_config"
	CodeMissingConfig  ErrorCode = "missing_config"
	CodeConfigConflict ErrorCode = "config_conflict"

	// Extraction errors
	CodeExtractionFailed  ErrorCode = "extraction_failed"
	CodeMalformedResponse ErrorCode = "malformed_response"
	CodeImageUnreadable   ErrorCode = "image_unreadable"

	// Consensus errors
	CodeInsufficientConsensus ErrorCode = "insufficient_consensus"

	// Billing errors
	CodeBillingUnavailable ErrorCode = "billing_unavailable"
	CodeBillingRejected    ErrorCode = "billing_rejected"

	// Reconciliation errors
	CodeDataInconsistent ErrorCode = "data_inconsistent"
	CodeReviewConflict   ErrorCode = "review_conflict"

	// Network errors
	CodeConnectionFailed   ErrorCode = "connection_failed"
	CodeTimeout            ErrorCode = "timeout"
	CodeServiceUnavailable ErrorCode = "service_unavailable"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
	CodeStorageError    ErrorCode = "storage_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error must abort a run. Billing failures leave
// nothing to match against; everything else is recovered per check.
func (e *ReconcilerError) IsFatal() bool {
	return e.Category == CategoryBilling || e.Category == CategoryConfiguration
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryReconciliation, CategoryInternal, CategoryExtraction, CategoryConsensus:
		return 5
	case CategoryNetwork:
		return 6
	case CategoryBilling:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message, suggestion string, err error) *ReconcilerError {
	var result *ReconcilerError
	if err != nil {
		result = Wrap(err, category, code, message)
	} else {
		result = New(category, code, message)
	}
	return result.WithSuggestion(suggestion)
}

// FileError creates a file-related error
func FileError(code ErrorCode, path string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeFilePermission:
		message = fmt.Sprintf("permission denied accessing file: %s", path)
		suggestion = "check file permissions and ensure you have read access"
	case CodeFileCorrupted:
		message = fmt.Sprintf("file appears to be corrupted: %s", path)
		suggestion = "verify the file integrity and try using a backup copy"
	case CodeDirectoryError:
		message = fmt.Sprintf("directory error: %s", path)
		suggestion = "ensure the directory exists and is accessible"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	return build(CategoryFile, code, message, suggestion, err).
		WithContext("file_path", path)
}

// ParseError creates a parse error for a single field value. Parse errors are
// recovered locally: the field scores 0 and the record is flagged.
func ParseError(code ErrorCode, field string, value string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("unparsable amount in field '%s': '%s'", field, value)
		suggestion = "amounts must look like $1,234.56"
	case CodeInvalidDate:
		message = fmt.Sprintf("unparsable date in field '%s': '%s'", field, value)
		suggestion = "dates must use MM/DD/YYYY"
	case CodeMissingColumn:
		message = fmt.Sprintf("missing required column '%s'", field)
		suggestion = "verify the file has all required columns with correct headers"
	case CodeInvalidFormat:
		message = fmt.Sprintf("invalid format in '%s': '%s'", field, value)
		suggestion = "check the data format and ensure it matches the expected structure"
	default:
		message = fmt.Sprintf("invalid data in field '%s': '%s'", field, value)
		suggestion = "correct the data format or remove the invalid entry"
	}

	return build(CategoryParse, code, message, suggestion, err).
		WithContext("field", field).
		WithContext("value", value)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeOutOfRange:
		message = fmt.Sprintf("value out of range in field '%s': %v", field, value)
		suggestion = "ensure the value is within the acceptable range"
	case CodeDuplicateKey:
		message = fmt.Sprintf("duplicate value in field '%s': %v", field, value)
		suggestion = "each record key must be unique within one run"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(CategoryValidation, code, message, suggestion, err).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting in the config file, a flag, or the environment (.env is loaded)"
	case CodeConfigConflict:
		message = fmt.Sprintf("configuration conflict with setting '%s': %v", setting, value)
		suggestion = "resolve the conflicting settings or use default values"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, suggestion, err).
		WithContext("setting", setting).
		WithContext("value", value)
}

// ExtractionError creates an extraction-service error. The check is dropped
// from the matchable set; the batch continues.
func ExtractionError(code ErrorCode, source string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeExtractionFailed:
		message = fmt.Sprintf("extraction service failed for %s", source)
		suggestion = "check that the vision model endpoint is reachable"
	case CodeMalformedResponse:
		message = fmt.Sprintf("extraction response for %s has no usable record", source)
		suggestion = "the model reply could not be parsed into the required fields"
	case CodeImageUnreadable:
		message = fmt.Sprintf("check image %s could not be decoded", source)
		suggestion = "convert the scan to PNG or JPEG"
	default:
		message = fmt.Sprintf("extraction error for %s", source)
		suggestion = "retry the check later"
	}

	return build(CategoryExtraction, code, message, suggestion, err).
		WithContext("source", source)
}

// InsufficientConsensusError reports that majority voting could not fill all
// required fields.
func InsufficientConsensusError(source string, attempts int, missing []string) *ReconcilerError {
	message := fmt.Sprintf("no consensus for %s after %d attempts (missing: %s)",
		source, attempts, strings.Join(missing, ", "))
	return New(CategoryConsensus, CodeInsufficientConsensus, message).
		WithSuggestion("review the scan manually or rescan at a higher resolution").
		WithContext("source", source).
		WithContext("attempts", attempts).
		WithContext("missing", missing)
}

// BillingError creates a billing-source error. These are fatal to a run.
func BillingError(code ErrorCode, source string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeBillingUnavailable:
		message = fmt.Sprintf("billing source unavailable: %s", source)
		suggestion = "check the billing credentials and network, or use a billing download file"
	case CodeBillingRejected:
		message = fmt.Sprintf("billing source rejected the request: %s", source)
		suggestion = "verify the application id and API key"
	default:
		message = fmt.Sprintf("billing source error: %s", source)
		suggestion = "retry the run"
	}

	return build(CategoryBilling, code, message, suggestion, err).
		WithContext("source", source)
}

// NetworkError creates a network-related error
func NetworkError(code ErrorCode, endpoint string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeConnectionFailed:
		message = fmt.Sprintf("connection failed to %s", endpoint)
		suggestion = "check network connectivity and endpoint availability"
	case CodeTimeout:
		message = fmt.Sprintf("timeout connecting to %s", endpoint)
		suggestion = "increase the timeout setting or check network speed"
	case CodeServiceUnavailable:
		message = fmt.Sprintf("service unavailable: %s", endpoint)
		suggestion = "try again later or contact the service administrator"
	default:
		message = fmt.Sprintf("network error: %s", endpoint)
		suggestion = "check network connection and try again"
	}

	return build(CategoryNetwork, code, message, suggestion, err).
		WithContext("endpoint", endpoint)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeUnexpectedError:
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	case CodeStorageError:
		message = fmt.Sprintf("storage error during %s", operation)
		suggestion = "check that the run database is writable"
	default:
		message = fmt.Sprintf("internal error during %s", operation)
		suggestion = "try again or contact support if the problem persists"
	}

	return build(CategoryInternal, code, message, suggestion, err).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*ReconcilerError    `json:"errors"`
	SampleErrors []*ReconcilerError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if summary.Errors == nil {
		summary.Errors = []*ReconcilerError{}
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else if len(errs) > 0 {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// HasCategory reports whether any ReconcilerError in the chain has the category.
func HasCategory(err error, category ErrorCategory) bool {
	rerr, ok := AsReconcilerError(err)
	return ok && rerr.Category == category
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return Wrap(err, category, code, message)
}
