// Package errors provides error handling for the counseling chat application.
// It defines error categories, error codes, and the ChatError type carried
// across component boundaries and onto the wire.
package errors

import (
	"fmt"

	"github.com/campuswell/counselchat/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents authentication and authorization errors
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryService represents service-level errors (database, broadcast)
	CategoryService ErrorCategory = "service"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryConflict represents state-conflict errors that must never be
	// silently retried: blind retry could mask a real state change.
	CategoryConflict ErrorCategory = "conflict"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeAuthExpired  ErrorCode = "AUTH_EXPIRED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation errors
	ErrCodeInvalidFormat   ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField    ErrorCode = "MISSING_FIELD"
	ErrCodeUnknownCategory ErrorCode = "UNKNOWN_CATEGORY"
	ErrCodeEmptyContent    ErrorCode = "EMPTY_CONTENT"

	// Service errors
	ErrCodeDatabaseError       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceError        ErrorCode = "SERVICE_ERROR"
	ErrCodeTransientConnection ErrorCode = "TRANSIENT_CONNECTION"
	ErrCodeDecryptFailure      ErrorCode = "DECRYPT_FAILURE"

	// State conflict errors
	ErrCodeAlreadyAssigned ErrorCode = "ALREADY_ASSIGNED"
	ErrCodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error is fatal and requires re-authentication or
// connection closure.
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a ChatError to a message.ErrorInfo for the wire protocol
func (e *ChatError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, msg string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     msg,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, msg string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     msg,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewServiceError creates a new service error (recoverable with retry)
func NewServiceError(code ErrorCode, msg string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryService,
		Code:        code,
		Message:     msg,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewConflictError creates a state-conflict error. Conflicts are surfaced to
// the caller, which must refresh its view of the session instead of retrying.
func NewConflictError(code ErrorCode, msg string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryConflict,
		Code:        code,
		Message:     msg,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, msg string, retryAfter int, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     msg,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrAuthExpired creates an expired credential error
func ErrAuthExpired(cause error) *ChatError {
	return NewAuthError(ErrCodeAuthExpired, "Authentication credential has expired", cause)
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrForbidden creates an authorization error for users acting outside their
// role or session ownership.
func ErrForbidden(msg string) *ChatError {
	if msg == "" {
		msg = "Not authorized for this session"
	}
	return NewAuthError(ErrCodeForbidden, msg, nil)
}

// ErrUnknownCategory creates an unknown category validation error
func ErrUnknownCategory(category string) *ChatError {
	return NewValidationError(ErrCodeUnknownCategory, fmt.Sprintf("Unknown session category: %s", category), nil)
}

// ErrEmptyContent creates an empty message content validation error
func ErrEmptyContent() *ChatError {
	return NewValidationError(ErrCodeEmptyContent, "Message content cannot be empty", nil)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrAlreadyAssigned creates a claim-conflict error: the case is already taken.
func ErrAlreadyAssigned(cause error) *ChatError {
	return NewConflictError(ErrCodeAlreadyAssigned, "Session already assigned to another counselor", cause)
}

// ErrSessionClosed creates a closed-session conflict error.
func ErrSessionClosed(cause error) *ChatError {
	return NewConflictError(ErrCodeSessionClosed, "Session is closed and accepts no further writes", cause)
}

// ErrSessionNotFound creates a not-found error.
func ErrSessionNotFound(cause error) *ChatError {
	return NewConflictError(ErrCodeSessionNotFound, "Session not found", cause)
}

// ErrDatabaseError creates a database error
func ErrDatabaseError(cause error) *ChatError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

// ErrTransientConnection creates a transient network error
func ErrTransientConnection(cause error) *ChatError {
	return NewServiceError(ErrCodeTransientConnection, "Transient connection failure", cause)
}

// ErrDecryptFailure marks a single message whose stored content could not be
// restored. Isolated per message: the surrounding conversation read succeeds.
func ErrDecryptFailure(cause error) *ChatError {
	return NewServiceError(ErrCodeDecryptFailure, "Stored message content could not be decrypted", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}
