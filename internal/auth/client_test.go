package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

func authServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func authCfg(url string) config.AuthConfig {
	return config.AuthConfig{
		Enabled:    true,
		URL:        url,
		VerifyPath: "/auth/verify",
		Timeout:    config.Duration(time.Second),
		Breaker: config.AuthBreakerConfig{
			ConsecutiveFailures: 2,
			OpenTimeout:         config.Duration(time.Minute),
			HalfOpenRequests:    1,
		},
	}
}

func validHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/auth/verify" || r.Header.Get("Authorization") != "Bearer good" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"valid":     true,
		"userId":    "u-1",
		"companyId": "c-1",
	})
}

func TestVerify_Valid(t *testing.T) {
	t.Parallel()

	srv, _ := authServer(t, validHandler)
	c, err := NewClient(authCfg(srv.URL))
	require.NoError(t, err)

	id, err := c.Verify(context.Background(), "Bearer good")
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "u-1", CompanyID: "c-1"}, id)
}

func TestVerify_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"401", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) }},
		{"403", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusForbidden) }},
		{"valid false", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"valid":false}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := authServer(t, tt.handler)
			c, err := NewClient(authCfg(srv.URL))
			require.NoError(t, err)

			// Rejections never trip the breaker.
			for i := 0; i < 5; i++ {
				_, err = c.Verify(context.Background(), "Bearer bad")
				assert.True(t, errors.Is(err, ErrUnauthenticated))
				assert.False(t, errors.Is(err, ErrUnavailable))
			}
			assert.Equal(t, "closed", c.State())
		})
	}
}

func TestVerify_MissingCredentialSkipsCall(t *testing.T) {
	t.Parallel()

	srv, calls := authServer(t, validHandler)
	c, err := NewClient(authCfg(srv.URL))
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), "  ")
	assert.True(t, errors.Is(err, ErrMissingCredentials))
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	assert.Zero(t, calls.Load())
}

func TestVerify_ServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv, calls := authServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, err := NewClient(authCfg(srv.URL))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Verify(context.Background(), "Bearer good")
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, "open", c.State())

	// Open breaker answers without a call.
	_, err = c.Verify(context.Background(), "Bearer good")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(2), calls.Load())
}

func TestVerify_UnreachableIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewClient(authCfg(addr))
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), "Bearer good")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestVerify_MalformedBodyIsUnavailable(t *testing.T) {
	t.Parallel()

	srv, _ := authServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	c, err := NewClient(authCfg(srv.URL))
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), "Bearer good")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestVerify_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	cfg := authCfg(srv.URL)
	cfg.Timeout = config.Duration(50 * time.Millisecond)
	c, err := NewClient(cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Verify(context.Background(), "Bearer good")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestVerify_ForwardsRequestID(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	srv, _ := authServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Request-ID"))
		validHandler(w, r)
	})
	c, err := NewClient(authCfg(srv.URL))
	require.NoError(t, err)

	ctx := observability.ContextWithRequestID(context.Background(), "req-77")
	_, err = c.Verify(ctx, "Bearer good")
	require.NoError(t, err)
	assert.Equal(t, "req-77", seen.Load())
}

func TestNewClient_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(config.AuthConfig{URL: "://bad"})
	assert.Error(t, err)

	_, err = NewClient(config.AuthConfig{URL: ""})
	assert.Error(t, err)
}
