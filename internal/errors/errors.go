// Package errors provides error codes shared by the sync engine, the CLI and the REST API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier surfaced to UI collaborators.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase        ErrorCode = "DATABASE_ERROR"
	ErrMigration       ErrorCode = "MIGRATION_FAILED"
	ErrStorageDegraded ErrorCode = "STORAGE_DEGRADED"
	ErrImportFailed    ErrorCode = "IMPORT_FAILED"

	// Queue errors
	ErrActionUnsupported ErrorCode = "ACTION_UNSUPPORTED"
	ErrActionInvalid     ErrorCode = "ACTION_INVALID"

	// Sync errors
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncCancelled  ErrorCode = "SYNC_CANCELLED"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// Conflict errors
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictInvalid  ErrorCode = "CONFLICT_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match two AppErrors by code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error code to the status the REST API answers with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalid, ErrValidation, ErrActionInvalid, ErrActionUnsupported, ErrConflictInvalid:
		return http.StatusBadRequest
	case ErrNotFound, ErrConflictNotFound:
		return http.StatusNotFound
	case ErrSyncInProgress, ErrSyncConflict:
		return http.StatusConflict
	case ErrSyncOffline:
		return http.StatusServiceUnavailable
	case ErrSyncTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
