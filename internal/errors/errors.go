// Package errors provides the Vault's structured error type.
//
// Every error that can reach an HTTP response or a bundle's progress_msg
// flows through AppError so the three user-facing kinds from spec §7
// (NotFound, PolicyError, InternalError) carry a consistent, safe message
// and the right status code, while the original cause stays available to
// logging via Unwrap/LogFields.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an AppError for status-code mapping and safe-message
// lookup. It does not replace Go's error chain: Cause/Unwrap still work.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	// ErrorTypePolicy is spec §7's PolicyError: the cook ran fine but violated
	// a documented limit (max_bundle_size). Its message is safe to display
	// verbatim and is also what gets stored as progress_msg.
	ErrorTypePolicy   ErrorType = "policy"
	ErrorTypeDatabase ErrorType = "database"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeTimeout  ErrorType = "timeout"
	// ErrorTypeInternal is spec §7's InternalError: the generic apology kind.
	ErrorTypeInternal ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypePolicy:     http.StatusUnprocessableEntity,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// AppError is the Vault's typed error. The zero value is not useful; build
// one with New, Wrap, or one of the New*Error constructors.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t]}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t], Cause: cause}
}

func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetails mutates and returns the same error, matching the chained-call
// idiom used throughout this codebase's error construction.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError { return New(ErrorTypeConflict, message) }

func NewPolicyError(message string) *AppError { return New(ErrorTypePolicy, message) }

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, fmt.Sprintf("database operation failed: %s", operation))
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns err's ErrorType, or ErrorTypeInternal for any error that
// isn't an *AppError (an un-typed error is always treated as internal,
// never displayed to the user).
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// errorMessages holds the fixed, safe-to-display text for error kinds whose
// real message might leak internal detail. ErrorMessages is the package's
// single instance, following the teacher's ErrorMessages-struct idiom.
type errorMessages struct {
	ResourceNotFound       string
	ConcurrentModification string
	OperationTimeout       string
	InternalError          string
}

var ErrorMessages = errorMessages{
	ResourceNotFound:       "The requested object was not found in the archive.",
	ConcurrentModification: "The bundle was modified concurrently; please retry.",
	OperationTimeout:       "The operation timed out.",
	InternalError:          "Internal Server Error. This incident will be reported.",
}

// SafeErrorMessage returns text that is safe to show a Vault API caller.
// Validation and Policy messages are already written to be safe (§4.4
// step 4); everything else is mapped to a fixed, generic sentence so stack
// traces and driver errors never leak (§4.4 step 5, §7).
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypePolicy:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	default:
		return ErrorMessages.InternalError
	}
}

// LogFields renders err as a structured field map for zap's SugaredLogger
// (pkg/httpapi flattens it into key/value pairs with logPairs). For an
// AppError it adds the error type and status code, plus the details and
// the underlying cause's message when they are set.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors with " -> ", returning nil if none are set and
// the error itself, unwrapped, if exactly one is set.
func Chain(errs ...error) error {
	var msgs []string
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		msgs = append(msgs, err.Error())
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return first
	default:
		return errors.New(strings.Join(msgs, " -> "))
	}
}
