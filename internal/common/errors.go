package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound               = errors.New("resource not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrInternal               = errors.New("internal error")
	ErrDatabase               = errors.New("database error")
	ErrDuplicateReceipt       = errors.New("the receipt is already in the system")
	ErrDuplicateDigest        = errors.New("digest already recorded")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrInvalidState           = errors.New("invalid state")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrMergeFailed            = errors.New("merge failed")
	ErrStorageInconsistency   = errors.New("storage inconsistency")
)

// Stable codes carried on the wire.
const (
	CodeDuplicateReceipt   = "DUP_RECEIPT"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeInvalidOperation   = "INVALID_OPERATION"
	CodeInvalidState       = "INVALID_STATE"
	CodeUnsupportedContent = "UNSUPPORTED_CONTENT_TYPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeMergeFailed        = "MERGE_FAILED"
	CodeStorage            = "STORAGE_INCONSISTENCY"
	CodeInternal           = "INTERNAL"
	CodeConfig             = "CONFIG_ERROR"
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// InvalidOperationf builds an ErrInvalidOperation with a caller-facing message.
func InvalidOperationf(format string, args ...any) error {
	return NewAppError(CodeInvalidOperation, fmt.Sprintf(format, args...), ErrInvalidOperation)
}

// InvalidStatef builds an ErrInvalidState with a caller-facing message.
func InvalidStatef(format string, args ...any) error {
	return NewAppError(CodeInvalidState, fmt.Sprintf(format, args...), ErrInvalidState)
}

// InvalidInputf builds an ErrInvalidInput with a caller-facing message.
func InvalidInputf(format string, args ...any) error {
	return NewAppError(CodeInvalidInput, fmt.Sprintf(format, args...), ErrInvalidInput)
}
