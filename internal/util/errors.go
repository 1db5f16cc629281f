// Package util provides the request context and error taxonomy shared by
// the gateway packages.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: registry.ErrServiceNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., GatewayError, proxy.ForwardError). Each type
//     implements Error() and, when it wraps, Unwrap().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a gateway-generated error.
type ErrorKind string

// Error kinds.
const (
	KindAuthentication      ErrorKind = "AuthenticationError"
	KindRateLimitExceeded   ErrorKind = "RateLimitExceeded"
	KindServiceUnavailable  ErrorKind = "ServiceUnavailable"
	KindUpstreamTimeout     ErrorKind = "UpstreamTimeout"
	KindTransport           ErrorKind = "TransportError"
	KindUpstreamApplication ErrorKind = "UpstreamApplicationError"
	KindConfiguration       ErrorKind = "ConfigurationError"
	KindInternal            ErrorKind = "InternalError"
)

// Error codes carried in the JSON body.
const (
	CodeUnauthorized      = "unauthorized"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeServiceUnavail    = "service_unavailable"
	CodeCircuitOpen       = "circuit_open"
	CodeNoHealthyInstance = "no_healthy_instance"
	CodeAuthUnavailable   = "auth_unavailable"
	CodeUpstreamTimeout   = "upstream_timeout"
	CodeBadGateway        = "bad_gateway"
	CodeUnknownService    = "unknown_service"
	CodeInternal          = "internal_error"
)

// GatewayError is an error the gateway answers on its own, without passing
// a downstream response through.
type GatewayError struct {
	Kind       ErrorKind
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error wrapping cause.
func (e *GatewayError) WithCause(cause error) *GatewayError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// NewAuthenticationError creates a 401 error.
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{
		Kind:    KindAuthentication,
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// NewRateLimitError creates a 429 error.
func NewRateLimitError(retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Kind:       KindRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// NewServiceUnavailableError creates a 503 error with the given code.
func NewServiceUnavailableError(code, message string) *GatewayError {
	return &GatewayError{
		Kind:    KindServiceUnavailable,
		Status:  http.StatusServiceUnavailable,
		Code:    code,
		Message: message,
	}
}

// NewUpstreamTimeoutError creates a 503 error for a downstream that did not
// answer in time.
func NewUpstreamTimeoutError(timeout time.Duration) *GatewayError {
	return &GatewayError{
		Kind:    KindUpstreamTimeout,
		Status:  http.StatusServiceUnavailable,
		Code:    CodeUpstreamTimeout,
		Message: fmt.Sprintf("upstream did not respond within %s", timeout),
	}
}

// NewTransportError creates a 502 error.
func NewTransportError(cause error) *GatewayError {
	return &GatewayError{
		Kind:    KindTransport,
		Status:  http.StatusBadGateway,
		Code:    CodeBadGateway,
		Message: "upstream connection failed",
		Cause:   cause,
	}
}

// NewUnknownServiceError creates a 404 error for an unregistered service.
func NewUnknownServiceError(service string) *GatewayError {
	return &GatewayError{
		Kind:    KindConfiguration,
		Status:  http.StatusNotFound,
		Code:    CodeUnknownService,
		Message: fmt.Sprintf("no service registered as %q", service),
	}
}

// NewInternalError creates a 500 error.
func NewInternalError(message string) *GatewayError {
	return &GatewayError{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: message,
	}
}

// ErrorBody is the JSON body of a gateway-generated error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Service   string `json:"service,omitempty"`
}

// Body renders the error as a JSON body.
func (e *GatewayError) Body(requestID, service string) []byte {
	body, err := json.Marshal(ErrorBody{
		Error:     e.Code,
		Message:   e.Message,
		RequestID: requestID,
		Service:   service,
	})
	if err != nil {
		return []byte(`{"error":"internal_error","message":"failed to encode error"}`)
	}
	return body
}

// WriteError writes err as a JSON response.
func WriteError(w http.ResponseWriter, err *GatewayError, requestID, service string) {
	w.Header().Set("Content-Type", "application/json")
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(err.RetryAfter)))
	}
	w.WriteHeader(err.Status)
	_, _ = w.Write(err.Body(requestID, service))
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
