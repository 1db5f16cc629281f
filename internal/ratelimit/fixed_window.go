package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/ratelimit/store"
)

// expiryGrace keeps a window counter alive a little past the window end
// to absorb clock skew between gateway replicas.
const expiryGrace = time.Second

// FixedWindowLimiter divides time into fixed windows aligned to the epoch
// and counts requests per key within each window. Store errors fail open.
type FixedWindowLimiter struct {
	store        store.Store
	limit        int
	window       time.Duration
	storeTimeout time.Duration
	logger       observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// Option is a functional option for the limiter.
type Option func(*FixedWindowLimiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *FixedWindowLimiter) {
		l.logger = logger
	}
}

// WithMetrics counts rejected requests.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *FixedWindowLimiter) {
		l.metrics = metrics
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindowLimiter) {
		l.now = now
	}
}

// NewFixedWindowLimiter creates a limiter over s.
func NewFixedWindowLimiter(s store.Store, cfg config.RateLimitConfig, opts ...Option) *FixedWindowLimiter {
	limit := cfg.Requests
	if limit <= 0 {
		limit = config.DefaultRateLimitRequests
	}
	window := cfg.Window.Duration()
	if window <= 0 {
		window = config.DefaultRateLimitWindow
	}
	storeTimeout := cfg.StoreTimeout.Duration()
	if storeTimeout <= 0 {
		storeTimeout = config.DefaultStoreTimeout
	}

	l := &FixedWindowLimiter{
		store:        s,
		limit:        limit,
		window:       window,
		storeTimeout: storeTimeout,
		logger:       observability.NopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the requests allowed per window.
func (l *FixedWindowLimiter) Limit() int {
	return l.limit
}

// Window returns the window length.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}

// windowStart returns the start of the window containing t.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

// WindowKey returns the counter key of key for the window starting at
// start.
func WindowKey(key string, start time.Time) string {
	return fmt.Sprintf("%s:fw:%d", key, start.UnixMilli())
}

// Allow implements Limiter. The counter is incremented before the check,
// so rejected requests still count toward the window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := l.now()
	start := l.windowStart(now)

	resetAfter := start.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, err := l.store.IncrementWithExpiry(storeCtx, WindowKey(key, start), 1, l.window+expiryGrace)
	if err != nil {
		l.logger.WithContext(ctx).Warn("rate limit store unavailable, allowing request",
			observability.String("key", key),
			observability.Error(err),
		)
		return &Result{
			Allowed:    true,
			Limit:      l.limit,
			Remaining:  l.limit,
			ResetAfter: resetAfter,
			Degraded:   true,
		}, nil
	}

	allowed := count <= int64(l.limit)
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
	if !allowed {
		result.RetryAfter = resetAfter
		l.metrics.RecordRateLimitHit()
	}
	return result, nil
}
