// Package errors provides standardized error handling for the no-show
// prevention pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Ingestion errors. Both are deliberate no-ops upstream.
	ErrCodeUnknownMessage  ErrorCode = "UNKNOWN_MESSAGE"
	ErrCodeStaleTransition ErrorCode = "STALE_TRANSITION"

	// Boundary errors.
	ErrCodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	ErrCodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"

	// Scheduling and outbound errors.
	ErrCodeScheduleFailed ErrorCode = "SCHEDULE_ERROR"
	ErrCodeSendFailed     ErrorCode = "SEND_FAILURE"

	// Infrastructure errors.
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeNotificationSendFailed   ErrorCode = "NOTIFICATION_SEND_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// HasCode reports whether err is a StandardError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code == code
	}
	return false
}

// NewUnknownMessageError creates a non-retryable error for a status event
// whose message_id has no tracking record. Logged, never surfaced upstream.
func NewUnknownMessageError(messageID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownMessage,
		Message:   "No tracking record for message",
		Details:   fmt.Sprintf("messageId: %s", messageID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStaleTransitionError creates a non-retryable error for a status event
// that would move the tracking status backward.
func NewStaleTransitionError(messageID, from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStaleTransition,
		Message:   "Status transition would move backward",
		Details:   fmt.Sprintf("messageId: %s, from: %s, to: %s", messageID, from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSignatureInvalidError creates a non-retryable webhook authentication error.
func NewSignatureInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSignatureInvalid,
		Message:   "Webhook signature verification failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidPayloadError creates a non-retryable payload validation error.
func NewInvalidPayloadError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidPayload,
		Message:   "Webhook payload failed schema validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewScheduleFailedError creates a retryable workflow scheduling error.
func NewScheduleFailedError(messageID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeScheduleFailed,
		Message:   "Follow-up scheduling failed",
		Details:   fmt.Sprintf("messageId: %s, error: %s", messageID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewSendFailedError creates an outbound gateway send error. Retried once on
// the next natural tier check, then escalated.
func NewSendFailedError(messageID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSendFailed,
		Message:   "Outbound message send failed",
		Details:   fmt.Sprintf("messageId: %s, error: %s", messageID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationSendFailedError creates a retryable notification send error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   "Manager notification delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// Generic constructors

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      "EXTERNAL_SERVICE_ERROR",
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewTimeoutError(service string, err error) *StandardError {
	return &StandardError{
		Code:      "TIMEOUT_ERROR",
		Message:   fmt.Sprintf("Service '%s' timeout", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return &StandardError{
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("Resource not found in %s", service),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewAuthenticationError(details string) *StandardError {
	return &StandardError{
		Code:      "AUTHENTICATION_ERROR",
		Message:   "Authentication failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// GetRetryCount returns the retry budget per error code. Workers cap the
// engine-supplied retries to this before failing a job back.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeScheduleFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeNotificationSendFailed:
		return 3

	case ErrCodeSendFailed:
		// A failed send is retried once, on the next natural tier check.
		return 1

	default:
		return 0
	}
}
