package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Sentinel errors for authentication.
var (
	// ErrUnauthenticated indicates rejected or missing credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrMissingCredentials indicates that no Authorization header was sent.
	ErrMissingCredentials = fmt.Errorf("%w: no credentials provided", ErrUnauthenticated)

	// ErrUnavailable indicates that the auth service could not give a verdict.
	ErrUnavailable = errors.New("auth service unavailable")
)

// Results reported to metrics.
const (
	ResultAuthenticated   = "authenticated"
	ResultUnauthenticated = "unauthenticated"
	ResultMissing         = "missing"
	ResultUnavailable     = "unavailable"
)

// breakerName identifies the auth breaker in logs and metrics.
const breakerName = "auth-service"

// maxVerifyBodyBytes bounds the verify response body.
const maxVerifyBodyBytes = 64 << 10

// Identity is the caller identity resolved by the auth service.
type Identity struct {
	UserID    string `json:"userId"`
	CompanyID string `json:"companyId"`
}

// Verifier verifies an Authorization header value.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (*Identity, error)
}

type verifyResponse struct {
	Valid     bool   `json:"valid"`
	UserID    string `json:"userId"`
	CompanyID string `json:"companyId"`
}

// Client calls the auth service.
type Client struct {
	verifyURL string
	timeout   time.Duration
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
	logger    observability.Logger
	metrics   *observability.Metrics
}

// Option is a functional option for the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records verification results and breaker transitions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// NewClient creates an auth client.
func NewClient(cfg config.AuthConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid auth service URL %q", cfg.URL)
	}

	verifyPath := cfg.VerifyPath
	if verifyPath == "" {
		verifyPath = config.DefaultAuthVerifyPath
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultAuthTimeout
	}

	c := &Client{
		verifyURL: strings.TrimRight(cfg.URL, "/") + verifyPath,
		timeout:   timeout,
		http:      &http.Client{},
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(c.breakerSettings(cfg.Breaker))
	return c, nil
}

func (c *Client) breakerSettings(cfg config.AuthBreakerConfig) gobreaker.Settings {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = config.DefaultAuthBreakerFailures
	}

	return gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval.Duration(),
		Timeout:     cfg.OpenTimeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A verdict is a healthy auth service, whatever the verdict.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrUnauthenticated) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fields := []observability.Field{
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			}
			if to == gobreaker.StateOpen {
				c.logger.Warn("auth circuit breaker opened", fields...)
			} else {
				c.logger.Info("auth circuit breaker state change", fields...)
			}
			c.metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	}
}

// State returns the auth breaker state name.
func (c *Client) State() string {
	return c.cb.State().String()
}

// Verify resolves the identity behind an Authorization header value.
// Errors wrap ErrUnauthenticated or ErrUnavailable.
func (c *Client) Verify(ctx context.Context, authorization string) (*Identity, error) {
	if strings.TrimSpace(authorization) == "" {
		c.metrics.RecordAuth(ResultMissing)
		return nil, ErrMissingCredentials
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.call(ctx, authorization)
	})

	switch {
	case err == nil:
		c.metrics.RecordAuth(ResultAuthenticated)
		return result.(*Identity), nil

	case errors.Is(err, ErrUnauthenticated):
		c.metrics.RecordAuth(ResultUnauthenticated)
		return nil, err

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.RecordAuth(ResultUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)

	default:
		c.metrics.RecordAuth(ResultUnavailable)
		c.logger.WithContext(ctx).Warn("auth verification failed",
			observability.String("url", c.verifyURL),
			observability.Error(err),
		)
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func (c *Client) call(ctx context.Context, authorization string) (*Identity, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.verifyURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	observability.InjectTraceContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyBodyBytes))
		return nil, fmt.Errorf("%w: auth service answered %d", ErrUnauthenticated, resp.StatusCode)

	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyBodyBytes))
		return nil, fmt.Errorf("%w: auth service answered %d", ErrUnavailable, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerifyBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %w", ErrUnavailable, err)
	}
	if !body.Valid {
		return nil, fmt.Errorf("%w: credentials rejected", ErrUnauthenticated)
	}

	return &Identity{UserID: body.UserID, CompanyID: body.CompanyID}, nil
}
