// Package errors defines the application error taxonomy used across the
// webhook reliability layer. Every failure surfaced to a caller or persisted
// onto a generation record is classified as one of the types below.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the closed set of error categories.
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration_error"
	ErrorTypeValidation    ErrorType = "validation_error"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeNetwork       ErrorType = "network_error"
	ErrorTypeWebhook       ErrorType = "webhook_failure"
	ErrorTypeRateLimited   ErrorType = "rate_limit_exceeded"
	ErrorTypeVerification  ErrorType = "webhook_verification_failed"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// AppError carries a classified error with enough structure for the HTTP
// layer, the retry engine, and the generation record to act on it.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int // upstream HTTP status when the error came from a webhook response
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

func NewConfiguration(message string) error {
	return &AppError{Type: ErrorTypeConfiguration, Message: message}
}

func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

func NewTimeout(message string, err error) error {
	return &AppError{Type: ErrorTypeTimeout, Message: message, Err: err}
}

func NewNetwork(message string, err error) error {
	return &AppError{Type: ErrorTypeNetwork, Message: message, Err: err}
}

// NewWebhookFailure records a terminal or retryable response from the
// external engine. statusCode is the upstream status, details the raw body.
func NewWebhookFailure(message string, statusCode int, details string) error {
	return &AppError{Type: ErrorTypeWebhook, Message: message, StatusCode: statusCode, Details: details}
}

func NewRateLimited(message string) error {
	return &AppError{Type: ErrorTypeRateLimited, Message: message}
}

func NewVerification(message string) error {
	return &AppError{Type: ErrorTypeVerification, Message: message}
}

func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

func NewUnknown(message string, err error) error {
	return &AppError{Type: ErrorTypeUnknown, Message: message, Err: err}
}

// Wrap preserves the classification of an existing AppError while adding
// context; anything else becomes an unknown error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:       appErr.Type,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Details:    appErr.Details,
			StatusCode: appErr.StatusCode,
			Err:        appErr.Err,
		}
	}
	return &AppError{Type: ErrorTypeUnknown, Message: message, Err: err}
}

// TypeOf returns the classification of err, or ErrorTypeUnknown for plain
// errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// UpstreamStatus returns the webhook response status attached to err, or 0.
func UpstreamStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

func IsValidation(err error) bool   { return TypeOf(err) == ErrorTypeValidation }
func IsNotFound(err error) bool     { return TypeOf(err) == ErrorTypeNotFound }
func IsTimeout(err error) bool      { return TypeOf(err) == ErrorTypeTimeout }
func IsNetwork(err error) bool      { return TypeOf(err) == ErrorTypeNetwork }
func IsVerification(err error) bool { return TypeOf(err) == ErrorTypeVerification }

// HTTPStatus maps an error to the status code the HTTP layer should respond
// with.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeVerification:
		return http.StatusUnauthorized
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeConfiguration, ErrorTypeWebhook:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
