package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of a session layer error.
type ErrorType int

// Error type constants categorize errors for display and recovery decisions.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork indicates a network connectivity issue.
	ErrorTypeNetwork
	// ErrorTypeTimeout indicates the request exceeded its deadline.
	ErrorTypeTimeout
	// ErrorTypeRateLimit indicates rate limit was exceeded.
	ErrorTypeRateLimit
	// ErrorTypeAuthentication indicates invalid or expired credentials.
	ErrorTypeAuthentication
	// ErrorTypeForbidden indicates the caller lacks permission for the resource.
	ErrorTypeForbidden
	// ErrorTypeBadRequest indicates invalid request parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound indicates the requested resource does not exist.
	ErrorTypeNotFound
	// ErrorTypeServerError indicates a server-side error.
	ErrorTypeServerError
	// ErrorTypeSessionLost indicates credentials could not be recovered and the user must log in again.
	ErrorTypeSessionLost
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	return [...]string{
		"UNKNOWN",
		"NETWORK",
		"TIMEOUT",
		"RATE_LIMIT",
		"AUTHENTICATION",
		"FORBIDDEN",
		"BAD_REQUEST",
		"NOT_FOUND",
		"SERVER_ERROR",
		"SESSION_LOST",
	}[t]
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrNotAuthenticated is returned when an operation needs a credential and none is stored.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotConnected is returned when the realtime connection is not established.
	ErrNotConnected = errors.New("realtime connection not established")
	// ErrDisconnected is returned to connect waiters when Disconnect is called.
	ErrDisconnected = errors.New("realtime connection closed by client")
	// ErrMaxReconnectAttempts is returned when automatic reconnection gave up.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	// ErrSessionLost is returned when credentials could not be refreshed.
	ErrSessionLost = errors.New("session lost")
	// ErrSessionCleared is returned to refresh waiters when credentials are cleared during a refresh.
	ErrSessionCleared = errors.New("session cleared during refresh")
	// ErrNoRefreshToken is returned when a refresh is needed but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrMalformedFrame is returned when an inbound realtime frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// APIError represents a classified failure returned by a backend service.
type APIError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code from the response, zero for transport failures.
	StatusCode int `json:"status_code"`
	// Message is the server supplied description, if any.
	Message string `json:"message"`
	// Service identifies which backend produced the error.
	Service string `json:"service"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`

	cause error
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s: %s", e.Service, e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s (%d): %s", e.Service, e.Type, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause so errors.Is sees through to sentinels and transport errors.
func (e *APIError) Unwrap() error {
	return e.cause
}

// UserMessage returns a short text suitable for showing to an end user.
func (e *APIError) UserMessage() string {
	switch e.Type {
	case ErrorTypeBadRequest:
		if e.Message != "" {
			return "Bad Request: " + e.Message
		}
		return "Bad Request."
	case ErrorTypeForbidden:
		return "Access denied. You do not have permission to perform this action."
	case ErrorTypeNotFound:
		return "Resource not found."
	case ErrorTypeRateLimit:
		return "Too many requests. Please try again later."
	case ErrorTypeServerError:
		return "Internal server error. Please try again later."
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return "Network error. Please check your connection."
	case ErrorTypeSessionLost:
		return "Session expired. Please login again."
	}
	if e.Message != "" {
		return e.Message
	}
	return "An unexpected error occurred."
}

// NewAPIError creates a new APIError with the specified details.
// The timestamp is automatically set to the current time.
func NewAPIError(service string, errorType ErrorType, statusCode int, message string) *APIError {
	return &APIError{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Service:    service,
		Timestamp:  time.Now(),
	}
}

// WrapAPIError creates an APIError that keeps cause reachable through errors.Is and errors.As.
func WrapAPIError(service string, errorType ErrorType, statusCode int, cause error) *APIError {
	e := NewAPIError(service, errorType, statusCode, cause.Error())
	e.cause = cause
	return e
}

// NewSessionLostError wraps cause as a session-lost failure.
func NewSessionLostError(service string, cause error) *APIError {
	e := NewAPIError(service, ErrorTypeSessionLost, http.StatusUnauthorized, "session expired")
	if cause != nil {
		e.cause = fmt.Errorf("%w: %w", ErrSessionLost, cause)
		e.Message = cause.Error()
	} else {
		e.cause = ErrSessionLost
	}
	return e
}

// ErrorTypeForStatus maps an HTTP status code to its error category.
func ErrorTypeForStatus(statusCode int) ErrorType {
	switch {
	case statusCode >= 500:
		return ErrorTypeServerError
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case statusCode == http.StatusForbidden:
		return ErrorTypeForbidden
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound
	case statusCode == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case statusCode >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

func errorType(err error) (ErrorType, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type, true
	}
	return ErrorTypeUnknown, false
}

// IsNetworkError returns true if the error is a network connectivity issue.
func IsNetworkError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrorTypeNetwork
}

// IsTimeoutError returns true if the error is a timeout.
func IsTimeoutError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrorTypeTimeout
}

// IsRateLimitError returns true if the error is a rate limit violation.
func IsRateLimitError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrorTypeRateLimit
}

// IsAuthenticationError returns true if the error is an authentication failure.
func IsAuthenticationError(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrorTypeAuthentication
}

// IsSessionLost returns true if the session cannot be recovered without logging in again.
func IsSessionLost(err error) bool {
	if errors.Is(err, ErrSessionLost) {
		return true
	}
	t, ok := errorType(err)
	return ok && t == ErrorTypeSessionLost
}
