package util

import (
	"context"
	"sync"
	"time"
)

// Outcome is the final classification of a proxied request.
type Outcome string

// Request outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCanceled    Outcome = "canceled"
)

// CountsAsFailure reports whether the outcome is a downstream failure the
// circuit breaker must record.
func (o Outcome) CountsAsFailure() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// RequestContext carries the per-request state of one inbound request.
// It lives for the duration of the request and is never persisted.
type RequestContext struct {
	RequestID string
	ClientIP  string
	Method    string
	Path      string
	StartTime time.Time

	mu         sync.RWMutex
	userID     string
	companyID  string
	service    string
	instanceID string
	outcome    Outcome
}

// NewRequestContext creates a request context.
func NewRequestContext(requestID, clientIP, method, path string, start time.Time) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		ClientIP:  clientIP,
		Method:    method,
		Path:      path,
		StartTime: start,
	}
}

// SetIdentity records the identity resolved by the auth service.
func (rc *RequestContext) SetIdentity(userID, companyID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.userID = userID
	rc.companyID = companyID
}

// Identity returns the resolved user and company IDs.
func (rc *RequestContext) Identity() (userID, companyID string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.userID, rc.companyID
}

// SetService records the target service name.
func (rc *RequestContext) SetService(name string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.service = name
}

// Service returns the target service name.
func (rc *RequestContext) Service() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.service
}

// SetInstance records the chosen instance ID.
func (rc *RequestContext) SetInstance(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.instanceID = id
}

// Instance returns the chosen instance ID.
func (rc *RequestContext) Instance() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.instanceID
}

// SetOutcome records the request outcome.
func (rc *RequestContext) SetOutcome(o Outcome) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outcome = o
}

// Outcome returns the request outcome.
func (rc *RequestContext) Outcome() Outcome {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.outcome
}

// Elapsed returns the time since the request started.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

type ctxKey string

const ctxKeyRequestContext ctxKey = "request_context"

// ContextWithRequestContext attaches rc to ctx.
func ContextWithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKeyRequestContext, rc)
}

// RequestContextFrom extracts the request context from ctx.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKeyRequestContext).(*RequestContext)
	return rc, ok && rc != nil
}
