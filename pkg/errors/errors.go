// Package errors defines the categorised error type shared by the
// reconciliation engine, its storage adapters and the CLI.
//
// Every error carries a category (what kind of failure it is), a code
// (which failure exactly), a human-readable message, an optional suggestion
// and free-form context. Categories drive how callers react:
//
//   - configuration: fail fast, nothing is created
//   - resource: the running session is aborted and marked FAILED
//   - collaborator: recovered locally by the pipeline
//   - integrity: retryable for the single transaction that hit it
//   - state / validation: reported to the caller unchanged
//
// Sentinel values such as ErrInvalidPeriod compare by code, so
// errors.Is(err, ErrInvalidPeriod) holds for any error carrying that code.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryCollaborator  ErrorCategory = "collaborator"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryState         ErrorCategory = "state"
	CategoryValidation    ErrorCategory = "validation"
	CategoryParse         ErrorCategory = "parse"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Configuration errors
	CodeInvalidPeriod         ErrorCode = "invalid_period"
	CodeAccountNotLinked      ErrorCode = "account_not_linked"
	CodeNoLinkedLedgerAccount ErrorCode = "no_linked_ledger_account"
	CodeInvalidConfig         ErrorCode = "invalid_config"

	// Resource errors
	CodeStoreUnavailable ErrorCode = "store_unavailable"

	// Collaborator errors
	CodeSemanticTimeout ErrorCode = "semantic_timeout"
	CodeSemanticFailed  ErrorCode = "semantic_failed"

	// Integrity errors
	CodeDuplicateMatch     ErrorCode = "duplicate_match"
	CodeLedgerEntryClaimed ErrorCode = "ledger_entry_claimed"
	CodePeriodLocked       ErrorCode = "period_locked"

	// State errors
	CodeSessionNotFound      ErrorCode = "session_not_found"
	CodeSessionNotInProgress ErrorCode = "session_not_in_progress"
	CodeExceptionResolved    ErrorCode = "exception_resolved"
	CodeInvalidTransition    ErrorCode = "invalid_transition"

	// Validation errors
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidResolution ErrorCode = "invalid_resolution"
	CodeInvalidRule       ErrorCode = "invalid_rule"
	CodeMissingField      ErrorCode = "missing_field"

	// Parse errors
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeMissingColumn ErrorCode = "missing_column"
	CodeInvalidData   ErrorCode = "invalid_data"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// Sentinels for errors.Is comparisons. They are never returned directly.
var (
	ErrInvalidPeriod         = &ReconcilerError{Category: CategoryConfiguration, Code: CodeInvalidPeriod, Message: "period start is after period end"}
	ErrAccountNotLinked      = &ReconcilerError{Category: CategoryConfiguration, Code: CodeAccountNotLinked, Message: "account has no ledger-account mapping"}
	ErrNoLinkedLedgerAccount = &ReconcilerError{Category: CategoryConfiguration, Code: CodeNoLinkedLedgerAccount, Message: "bank account has no mapped ledger account"}
	ErrInvalidConfig         = &ReconcilerError{Category: CategoryConfiguration, Code: CodeInvalidConfig, Message: "invalid configuration"}
	ErrStoreUnavailable      = &ReconcilerError{Category: CategoryResource, Code: CodeStoreUnavailable, Message: "candidate store unavailable"}
	ErrSemanticTimeout       = &ReconcilerError{Category: CategoryCollaborator, Code: CodeSemanticTimeout, Message: "semantic matcher timed out"}
	ErrSemanticFailed        = &ReconcilerError{Category: CategoryCollaborator, Code: CodeSemanticFailed, Message: "semantic matcher failed"}
	ErrDuplicateMatch        = &ReconcilerError{Category: CategoryIntegrity, Code: CodeDuplicateMatch, Message: "transaction already has a non-rejected match"}
	ErrLedgerEntryClaimed    = &ReconcilerError{Category: CategoryIntegrity, Code: CodeLedgerEntryClaimed, Message: "ledger entry already claimed"}
	ErrPeriodLocked          = &ReconcilerError{Category: CategoryIntegrity, Code: CodePeriodLocked, Message: "account period is locked by another session"}
	ErrSessionNotFound       = &ReconcilerError{Category: CategoryState, Code: CodeSessionNotFound, Message: "session not found"}
	ErrSessionNotInProgress  = &ReconcilerError{Category: CategoryState, Code: CodeSessionNotInProgress, Message: "session is not in progress"}
	ErrExceptionResolved     = &ReconcilerError{Category: CategoryState, Code: CodeExceptionResolved, Message: "exception already resolved"}
	ErrInvalidTransition     = &ReconcilerError{Category: CategoryState, Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrNotFound              = &ReconcilerError{Category: CategoryValidation, Code: CodeNotFound, Message: "record not found"}
	ErrInvalidResolution     = &ReconcilerError{Category: CategoryValidation, Code: CodeInvalidResolution, Message: "invalid exception resolution"}
	ErrInvalidRule           = &ReconcilerError{Category: CategoryValidation, Code: CodeInvalidRule, Message: "invalid matching rule"}
	ErrMissingField          = &ReconcilerError{Category: CategoryValidation, Code: CodeMissingField, Message: "required field missing"}
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

// Is reports whether target is a ReconcilerError with the same code.
func (e *ReconcilerError) Is(target error) bool {
	t, ok := target.(*ReconcilerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryState, CategoryInternal:
		return 5
	case CategoryResource, CategoryCollaborator:
		return 6
	case CategoryIntegrity:
		return 7
	default:
		return 1
	}
}

// Retryable reports whether retrying the same operation may succeed.
func (e *ReconcilerError) Retryable() bool {
	return e.Category == CategoryIntegrity || e.Category == CategoryCollaborator
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

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// Specific error constructors

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidPeriod:
		message = fmt.Sprintf("invalid period %v", value)
		suggestion = "make sure the period start is not after the period end"
	case CodeAccountNotLinked:
		message = fmt.Sprintf("account %v is not linked to a ledger account", value)
		suggestion = "configure a ledger-account mapping for the bank account first"
	case CodeNoLinkedLedgerAccount:
		message = fmt.Sprintf("bank account %v has no mapped ledger account", value)
		suggestion = "configure a ledger-account mapping for the bank account first"
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// ResourceError creates an error for an unreachable store or similar resource
func ResourceError(code ErrorCode, operation string, err error) *ReconcilerError {
	message := fmt.Sprintf("resource unavailable during %s", operation)
	return build(CategoryResource, code, message, err).
		WithSuggestion("check that the database is reachable and try again").
		WithContext("operation", operation)
}

// CollaboratorError creates an error for a failed external collaborator call
func CollaboratorError(code ErrorCode, collaborator string, err error) *ReconcilerError {
	var message string
	switch code {
	case CodeSemanticTimeout:
		message = fmt.Sprintf("%s did not answer in time", collaborator)
	default:
		message = fmt.Sprintf("%s call failed", collaborator)
	}

	return build(CategoryCollaborator, code, message, err).
		WithSuggestion("the transaction is retried on the next pipeline run").
		WithContext("collaborator", collaborator)
}

// IntegrityError creates a data integrity violation error
func IntegrityError(code ErrorCode, recordID string, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeDuplicateMatch:
		message = fmt.Sprintf("transaction %s already has a non-rejected match", recordID)
		suggestion = "reject the existing match before creating a new one"
	case CodeLedgerEntryClaimed:
		message = fmt.Sprintf("ledger entry %s is already claimed by another match", recordID)
		suggestion = "pick a different ledger entry or reject the other match"
	case CodePeriodLocked:
		message = fmt.Sprintf("period for %s is locked by another running session", recordID)
		suggestion = "wait for the other session to finish and retry"
	default:
		message = fmt.Sprintf("integrity violation for %s", recordID)
		suggestion = "retry the operation"
	}

	return build(CategoryIntegrity, code, message, err).
		WithSuggestion(suggestion).
		WithContext("record_id", recordID)
}

// StateError creates an error for an operation not allowed in the current state
func StateError(code ErrorCode, recordID string, state interface{}) *ReconcilerError {
	var message string
	switch code {
	case CodeSessionNotFound:
		message = fmt.Sprintf("session %s not found", recordID)
	case CodeSessionNotInProgress:
		message = fmt.Sprintf("session %s is %v, not IN_PROGRESS", recordID, state)
	case CodeExceptionResolved:
		message = fmt.Sprintf("exception %s is already resolved as %v", recordID, state)
	case CodeInvalidTransition:
		message = fmt.Sprintf("invalid transition for %s: %v", recordID, state)
	default:
		message = fmt.Sprintf("operation not allowed for %s in state %v", recordID, state)
	}

	return New(CategoryState, code, message).
		WithContext("record_id", recordID).
		WithContext("state", state)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ReconcilerError {
	var message string
	var suggestion string

	switch code {
	case CodeNotFound:
		message = fmt.Sprintf("%s %v not found", field, value)
		suggestion = "check the identifier and try again"
	case CodeInvalidResolution:
		message = fmt.Sprintf("invalid resolution '%v' for field '%s'", value, field)
		suggestion = "use one of MATCHED, EXCLUDED, CREATED_ENTRY, IGNORED"
	case CodeInvalidRule:
		message = fmt.Sprintf("invalid matching rule '%s': %v", field, value)
		suggestion = "check rule fields, operators and values"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return build(CategoryValidation, code, message, err).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ReconcilerError {
	message := fmt.Sprintf("unexpected error during %s", operation)
	return build(CategoryInternal, code, message, err).
		WithSuggestion("this is likely a bug - please report it with the error details").
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
	} else {
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

// Utility functions

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a ReconcilerError that may succeed on retry.
func IsRetryable(err error) bool {
	if re, ok := AsReconcilerError(err); ok {
		return re.Retryable()
	}
	return false
}

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category ErrorCategory) bool {
	if re, ok := AsReconcilerError(err); ok {
		return re.Category == category
	}
	return false
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
