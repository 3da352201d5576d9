// Package apperr defines the typed error model shared across the dispatch
// service: an HTTP-status-coded AppError plus the error code taxonomy used
// by handlers, the dispatch engine, and the notification pipeline.
package apperr

import (
	"errors"
	"net/http"
)

// Sentinel errors used as the Err cause on constructed AppErrors.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrBadRequest         = errors.New("bad request")
	ErrInternalServer     = errors.New("internal server error")
	ErrConflict           = errors.New("resource conflict")
	ErrValidation         = errors.New("validation error")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("expired token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ErrorCode constants for machine-readable error identification.
const (
	// Auth errors
	ErrCodeUnauthorized       = "AUTH_UNAUTHORIZED"
	ErrCodeForbidden          = "AUTH_FORBIDDEN"
	ErrCodeInvalidToken       = "AUTH_INVALID_TOKEN"
	ErrCodeExpiredToken       = "AUTH_EXPIRED_TOKEN"
	ErrCodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"

	// Validation errors
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeBadRequest = "BAD_REQUEST"

	// Resource errors
	ErrCodeNotFound = "RESOURCE_NOT_FOUND"
	ErrCodeConflict = "RESOURCE_CONFLICT"

	// System errors
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMITED"

	// Dispatch errors — the engine's own taxonomy (spec §7)
	ErrCodeNotCurrentOfferee = "DISPATCH_NOT_CURRENT_OFFEREE"
	ErrCodeAlreadyResolved   = "DISPATCH_ALREADY_RESOLVED"
	ErrCodeStoreUnavailable  = "DISPATCH_STORE_UNAVAILABLE"
	ErrCodeStaleCandidate    = "DISPATCH_STALE_CANDIDATE"
	ErrCodeDelivery          = "DISPATCH_DELIVERY_FAILED"
	ErrCodeNoDriversFound    = "DISPATCH_NO_DRIVERS_AVAILABLE"
)

// AppError represents an application error with HTTP status code and error code.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func NewNotFoundError(message string, err error) *AppError {
	return &AppError{Code: http.StatusNotFound, ErrorCode: ErrCodeNotFound, Message: message, Err: err}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, ErrorCode: ErrCodeUnauthorized, Message: message, Err: ErrUnauthorized}
}

func NewBadRequestError(message string, err error) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: ErrCodeBadRequest, Message: message, Err: err}
}

func NewInternalError(message string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, ErrorCode: ErrCodeInternal, Message: message, Err: err}
}

func NewConflictError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: ErrCodeConflict, Message: message, Err: ErrConflict}
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: ErrCodeValidation, Message: message, Err: ErrValidation}
}

func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, ErrorCode: ErrCodeServiceUnavailable, Message: message, Err: errors.New("service unavailable")}
}

func NewTooManyRequestsError(message string) *AppError {
	return &AppError{Code: http.StatusTooManyRequests, ErrorCode: ErrCodeRateLimited, Message: message, Err: errors.New("rate limit exceeded")}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{Code: http.StatusForbidden, ErrorCode: ErrCodeForbidden, Message: message, Err: ErrForbidden}
}

// NewErrorWithCode creates an AppError with a custom error code.
func NewErrorWithCode(httpCode int, errorCode, message string, err error) *AppError {
	return &AppError{Code: httpCode, ErrorCode: errorCode, Message: message, Err: err}
}

// NewNotCurrentOffereeError builds the error returned when a driver responds
// to an offer that is no longer theirs to answer.
func NewNotCurrentOffereeError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: ErrCodeNotCurrentOfferee, Message: message}
}

// NewAlreadyResolvedError builds the error returned when a request has
// already left the offering state (accepted, cancelled, or exhausted).
func NewAlreadyResolvedError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: ErrCodeAlreadyResolved, Message: message}
}

// NewStoreUnavailableError marks a 5xx failure safe for the caller to retry.
func NewStoreUnavailableError(message string, err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, ErrorCode: ErrCodeStoreUnavailable, Message: message, Err: err}
}

// NewStaleCandidateError marks a candidate that failed liveness checks at
// offer time; callers treat this identically to a decline.
func NewStaleCandidateError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: ErrCodeStaleCandidate, Message: message}
}

// NewDeliveryError marks a notification delivery failure; callers log it and
// do not roll back any state transition.
func NewDeliveryError(message string, err error) *AppError {
	return &AppError{Code: http.StatusBadGateway, ErrorCode: ErrCodeDelivery, Message: message, Err: err}
}
