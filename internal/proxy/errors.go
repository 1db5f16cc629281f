package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for forwarding.
var (
	// ErrUpstreamTimeout indicates that the instance did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates a transport-level failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrClientCanceled indicates that the caller went away mid-flight.
	ErrClientCanceled = errors.New("client canceled request")

	// ErrResponseTooLarge indicates a response body over the buffer limit.
	ErrResponseTooLarge = errors.New("upstream response too large")

	// ErrInvalidTargetURL indicates that the instance address is not a URL.
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrHookRejected indicates that a pre-forward hook aborted the call.
	ErrHookRejected = errors.New("pre-forward hook rejected request")
)

// ForwardError describes a failed forward.
type ForwardError struct {
	Op       string // build_request, pre_hook, round_trip, read_body
	Service  string
	Instance string
	Target   string
	Cause    error
}

// Error implements the error interface.
func (e *ForwardError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("forward [%s] service=%s instance=%s target=%s: %v",
			e.Op, e.Service, e.Instance, e.Target, e.Cause)
	}
	return fmt.Sprintf("forward [%s] service=%s instance=%s: %v",
		e.Op, e.Service, e.Instance, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ForwardError) Unwrap() error {
	return e.Cause
}

func newForwardError(op, service, instance, target string, cause error) *ForwardError {
	return &ForwardError{
		Op:       op,
		Service:  service,
		Instance: instance,
		Target:   target,
		Cause:    cause,
	}
}

// IsForwardError checks if an error is a ForwardError.
func IsForwardError(err error) bool {
	var fe *ForwardError
	return errors.As(err, &fe)
}
