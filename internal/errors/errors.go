package errors

import (
	stderrors "errors"
	"fmt"

	"fedreg/domain/core"
)

// AppError represents a structured application error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context. The code is inherited from a
// wrapped AppError, otherwise derived from the domain sentinel in the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   err,
		}
	}
	return &AppError{
		Code:    Classify(err),
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithCode adds an error code to an existing error
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    code,
			Message: appErr.Message,
			Cause:   appErr.Cause,
		}
	}
	return &AppError{
		Code:    code,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetCode returns the error code of the outermost AppError, otherwise the
// code derived from the domain sentinel in the chain.
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Classify(err)
}

// Classify maps domain sentinels onto error codes.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case core.IsProtocolError(err):
		return CodeProtocolViolation
	case core.IsNumericalError(err):
		return CodeNumericalFailure
	case core.IsSchemaError(err):
		return CodeSchemaMismatch
	case stderrors.Is(err, core.ErrCacheMiss):
		return CodeNotFound
	default:
		return CodeInternalError
	}
}

// Predefined error codes
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeNumericalFailure  = "NUMERICAL_FAILURE"
	CodeSchemaMismatch    = "SCHEMA_MISMATCH"
	CodeIOFailure         = "IO_FAILURE"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeInvalidInput      = "INVALID_INPUT"
)

// Common error constructors
func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

func ProtocolViolation(message string, cause error) *AppError {
	return &AppError{Code: CodeProtocolViolation, Message: message, Cause: cause}
}

func SchemaMismatch(message string, cause error) *AppError {
	return &AppError{Code: CodeSchemaMismatch, Message: message, Cause: cause}
}

func NumericalFailure(message string, cause error) *AppError {
	return &AppError{Code: CodeNumericalFailure, Message: message, Cause: cause}
}

func IOFailure(message string, cause error) *AppError {
	return &AppError{Code: CodeIOFailure, Message: message, Cause: cause}
}

func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message)
}
