package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents internal error codes for state operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeVersionConflict ErrorCode = 1002
	ErrCodeLockConflict    ErrorCode = 1003
	ErrCodeLockUnavailable ErrorCode = 1004
	ErrCodeNotHolder       ErrorCode = 1005
	ErrCodePayloadTooLarge ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal              ErrorCode = 2000
	ErrCodeUnavailable           ErrorCode = 2001
	ErrCodeIntegrityViolation    ErrorCode = 2002
	ErrCodeInternalInconsistency ErrorCode = 2003
)

// String returns the wire name of the code, used in HTTP error envelopes
// and audit log results.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeVersionConflict:
		return "VERSION_CONFLICT"
	case ErrCodeLockConflict:
		return "LOCK_CONFLICT"
	case ErrCodeLockUnavailable:
		return "LOCK_UNAVAILABLE"
	case ErrCodeNotHolder:
		return "NOT_HOLDER"
	case ErrCodePayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case ErrCodeUnavailable:
		return "UNAVAILABLE"
	case ErrCodeIntegrityViolation:
		return "INTEGRITY_VIOLATION"
	case ErrCodeInternalInconsistency:
		return "INTERNAL_INCONSISTENCY"
	default:
		return "INTERNAL"
	}
}

// StateError represents a structured error with code and context
type StateError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StateError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status. Lock contention uses
// 423 Locked, matching remote state backend convention.
func (e *StateError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeVersionConflict, ErrCodeNotHolder:
		return http.StatusConflict
	case ErrCodeLockConflict, ErrCodeLockUnavailable:
		return http.StatusLocked
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewStateError creates a new StateError
func NewStateError(code ErrorCode, message string, cause error) *StateError {
	return &StateError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StateError) WithDetail(key string, value interface{}) *StateError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StateError {
	return NewStateError(ErrCodeInvalidArgument, message, cause)
}

func StateNotFound(stateID string) *StateError {
	return NewStateError(ErrCodeNotFound, fmt.Sprintf("state not found: %s", stateID), nil).
		WithDetail("state_id", stateID)
}

func VersionNotFound(stateID string, version int64) *StateError {
	return NewStateError(ErrCodeNotFound, fmt.Sprintf("version %d not found for state %s", version, stateID), nil).
		WithDetail("state_id", stateID).
		WithDetail("version", version)
}

func BackupNotFound(backupID string) *StateError {
	return NewStateError(ErrCodeNotFound, fmt.Sprintf("backup not found: %s", backupID), nil).
		WithDetail("backup_id", backupID)
}

func VersionConflict(stateID string, expected, current int64) *StateError {
	return NewStateError(ErrCodeVersionConflict, fmt.Sprintf("version conflict on %s: expected %d, current %d", stateID, expected, current), nil).
		WithDetail("state_id", stateID).
		WithDetail("expected_version", expected).
		WithDetail("current_version", current)
}

func LockConflict(stateID, holder, operation string, expiresAt time.Time) *StateError {
	return NewStateError(ErrCodeLockConflict, fmt.Sprintf("state %s is locked by %s for %s", stateID, holder, operation), nil).
		WithDetail("state_id", stateID).
		WithDetail("holder", holder).
		WithDetail("operation", operation).
		WithDetail("expires_at", expiresAt.UTC().Format(time.RFC3339))
}

func LockUnavailable(stateID string, waited time.Duration) *StateError {
	return NewStateError(ErrCodeLockUnavailable, fmt.Sprintf("could not acquire lock on %s within %s", stateID, waited), nil).
		WithDetail("state_id", stateID).
		WithDetail("waited", waited.String())
}

func NotHolder(stateID, lockID string) *StateError {
	return NewStateError(ErrCodeNotHolder, fmt.Sprintf("lock %s does not hold state %s", lockID, stateID), nil).
		WithDetail("state_id", stateID).
		WithDetail("lock_id", lockID)
}

func PayloadTooLarge(size, maxSize int64) *StateError {
	return NewStateError(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func IntegrityViolation(stateID string, version int64, expected, actual string) *StateError {
	return NewStateError(ErrCodeIntegrityViolation, fmt.Sprintf("checksum mismatch on %s version %d: stored %s, computed %s", stateID, version, expected, actual), nil).
		WithDetail("state_id", stateID).
		WithDetail("version", version).
		WithDetail("stored_checksum", expected).
		WithDetail("computed_checksum", actual)
}

func InternalInconsistency(message string) *StateError {
	return NewStateError(ErrCodeInternalInconsistency, message, nil)
}

func InternalError(message string, cause error) *StateError {
	return NewStateError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StateError {
	return NewStateError(ErrCodeUnavailable, message, cause)
}

// IsStateError checks if an error is a StateError anywhere in its chain
func IsStateError(err error) bool {
	var se *StateError
	return stderrors.As(err, &se)
}

// AsStateError extracts the StateError from an error chain
func AsStateError(err error) (*StateError, bool) {
	var se *StateError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if se, ok := AsStateError(err); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether the error chain carries the given code
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
