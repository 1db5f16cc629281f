// Package ratelimit limits inbound requests per client IP with a fixed
// window counter.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow counts one request for key.
	Allow(ctx context.Context, key string) (*Result, error)
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed per window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the current window ends.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying when not allowed.
	RetryAfter time.Duration

	// Degraded is set when the store failed and the request was let
	// through without being counted.
	Degraded bool
}

// NoopLimiter always allows requests. It is used when rate limiting is
// disabled.
type NoopLimiter struct{}

// Allow implements Limiter.
func (NoopLimiter) Allow(context.Context, string) (*Result, error) {
	return &Result{Allowed: true}, nil
}
