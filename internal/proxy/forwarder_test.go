package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

type captured struct {
	mu      sync.Mutex
	method  string
	path    string
	rawPath string
	query  string
	header http.Header
	body   string
}

func (c *captured) snapshot() captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captured{
		method:  c.method,
		path:    c.path,
		rawPath: c.rawPath,
		query:   c.query,
		header:  c.header.Clone(),
		body:    c.body,
	}
}

func echoServer(t *testing.T, status int, respBody string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		got.method = r.Method
		got.path = r.URL.Path
		got.rawPath = r.URL.EscapedPath()
		got.query = r.URL.RawQuery
		got.header = r.Header.Clone()
		got.body = string(b)
		got.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Downstream", "yes")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func forwardCfg(timeout time.Duration) config.ForwarderConfig {
	return config.ForwarderConfig{Timeout: config.Duration(timeout)}
}

func newRC(t *testing.T) *util.RequestContext {
	t.Helper()
	rc := util.NewRequestContext("req-123", "203.0.113.7", http.MethodGet, "/gateway/booking/flights", time.Now())
	rc.SetIdentity("user-1", "company-9")
	return rc
}

type recorder struct {
	mu        sync.Mutex
	failures  []int
	successes int
}

func (r *recorder) RecordPassiveFailure(_, _ string, _ time.Time, threshold int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, threshold)
	return nil
}

func (r *recorder) RecordPassiveSuccess(_, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
	return nil
}

// ============================================================================
// Request building
// ============================================================================

func TestForward_RewritesPathAndInjectsHeaders(t *testing.T) {
	t.Parallel()

	srv, got := echoServer(t, http.StatusOK, `{"ok":true}`)
	fwd := NewForwarder(forwardCfg(time.Second))

	svc := &registry.ServiceDescriptor{Name: "booking", PathRewrite: "/api/v1"}
	inst := &registry.Instance{ID: "booking-1", Address: srv.URL}

	in := httptest.NewRequest(http.MethodPost, "/gateway/booking/flights/42?seat=12A", strings.NewReader(`{"pax":1}`))
	in.Header.Set("Authorization", "Bearer tok")
	in.Header.Set("Connection", "X-Secret")
	in.Header.Set("X-Secret", "drop-me")
	in.Header.Set("Keep-Alive", "timeout=5")
	in.Header.Set("X-User-ID", "spoofed")

	resp, outcome := fwd.Forward(context.Background(), svc, inst, in, newRC(t))

	assert.Equal(t, util.OutcomeSuccess, outcome)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "booking-1", resp.InstanceID)

	c := got.snapshot()
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/api/v1/flights/42", c.path)
	assert.Equal(t, "seat=12A", c.query)
	assert.Equal(t, `{"pax":1}`, c.body)
	assert.Equal(t, "Bearer tok", c.header.Get("Authorization"))
	assert.Equal(t, "req-123", c.header.Get(HeaderRequestID))
	assert.Equal(t, "user-1", c.header.Get(HeaderUserID))
	assert.Equal(t, "company-9", c.header.Get(HeaderCompanyID))
	assert.Equal(t, "192.0.2.1", c.header.Get(HeaderForwardedFor))
	assert.Equal(t, "http", c.header.Get(HeaderForwardedProto))
	assert.Equal(t, "example.com", c.header.Get(HeaderForwardedHost))
	assert.Empty(t, c.header.Get("X-Secret"))
	assert.Empty(t, c.header.Get("Keep-Alive"))
}

func TestForward_PreservesEncodedPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		rewrite string
		want    string
		decoded string
	}{
		{"encoded slash", "/gateway/booking/files/a%2Fb", "", "/files/a%2Fb", "/files/a/b"},
		{"encoded space", "/gateway/booking/search/new%20york", "", "/search/new%20york", "/search/new york"},
		{"with rewrite", "/gateway/booking/files/a%2Fb", "/api/v1", "/api/v1/files/a%2Fb", "/api/v1/files/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, got := echoServer(t, http.StatusOK, `{}`)
			fwd := NewForwarder(forwardCfg(time.Second))
			svc := &registry.ServiceDescriptor{Name: "booking", PathRewrite: tt.rewrite}

			_, outcome := fwd.Forward(context.Background(), svc,
				&registry.Instance{ID: "b1", Address: srv.URL},
				httptest.NewRequest(http.MethodGet, tt.path, nil), newRC(t))
			require.Equal(t, util.OutcomeSuccess, outcome)

			c := got.snapshot()
			assert.Equal(t, tt.want, c.rawPath)
			assert.Equal(t, tt.decoded, c.path)
		})
	}
}

func TestRewritePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		in      string
		rewrite string
		want    string
	}{
		{"strip prefix", "", "/gateway/booking/flights", "", "/flights"},
		{"service root", "", "/gateway/booking", "", "/"},
		{"service root with slash", "", "/gateway/booking/", "", "/"},
		{"rewrite", "", "/gateway/booking/flights", "/api", "/api/flights"},
		{"rewrite trailing slash", "", "/gateway/booking/flights", "/api/", "/api/flights"},
		{"rewrite root", "", "/gateway/booking", "/api", "/api"},
		{"base path", "/v2/", "/gateway/booking/flights", "", "/v2/flights"},
		{"base and rewrite", "/v2", "/gateway/booking/x", "/api", "/v2/api/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, RewritePath(tt.base, tt.in, "booking", tt.rewrite))
		})
	}
}

// ============================================================================
// Outcome classification
// ============================================================================

func TestForward_ServerErrorPassesThroughAsFailure(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, http.StatusServiceUnavailable, `{"error":"busy"}`)
	fwd := NewForwarder(forwardCfg(time.Second))

	resp, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeFailure, outcome)
	assert.False(t, resp.Synthesized())
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status())
	assert.Equal(t, `{"error":"busy"}`, string(resp.Body))
}

func TestForward_ClientErrorIsSuccess(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, http.StatusNotFound, `{}`)
	fwd := NewForwarder(forwardCfg(time.Second))

	_, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeSuccess, outcome)
}

func TestForward_TimeoutSynthesizes503(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	fwd := NewForwarder(forwardCfg(time.Second))
	svc := &registry.ServiceDescriptor{Name: "booking", Timeout: 50 * time.Millisecond}

	start := time.Now()
	resp, outcome := fwd.Forward(context.Background(), svc,
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, util.OutcomeTimeout, outcome)
	require.True(t, resp.Synthesized())
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status())
	assert.Equal(t, util.CodeUpstreamTimeout, resp.Err.Code)
	assert.True(t, errors.Is(resp.Err, ErrUpstreamTimeout))
}

func TestForward_TransportErrorSynthesizes502(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rec := &recorder{}
	fwd := NewForwarder(forwardCfg(time.Second), WithPassiveHealth(rec, 3))

	resp, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: addr},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeFailure, outcome)
	require.True(t, resp.Synthesized())
	assert.Equal(t, http.StatusBadGateway, resp.Status())
	assert.Equal(t, util.CodeBadGateway, resp.Err.Code)
	assert.True(t, errors.Is(resp.Err, ErrUpstreamUnavailable))
	assert.True(t, IsForwardError(resp.Err))
	assert.Equal(t, []int{3}, rec.failures)
}

func TestForward_ClientCancelIsCanceled(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	rec := &recorder{}
	fwd := NewForwarder(forwardCfg(5*time.Second), WithPassiveHealth(rec, 1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, outcome := fwd.Forward(ctx,
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeCanceled, outcome)
	assert.False(t, outcome.CountsAsFailure())
	assert.Empty(t, rec.failures)
}

func TestForward_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, http.StatusOK, strings.Repeat("x", 64))
	fwd := NewForwarder(config.ForwarderConfig{
		Timeout:          config.Duration(time.Second),
		MaxResponseBytes: 16,
	})

	resp, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeFailure, outcome)
	assert.Equal(t, http.StatusBadGateway, resp.Status())
	assert.True(t, errors.Is(resp.Err, ErrResponseTooLarge))
}

func TestForward_InvalidAddress(t *testing.T) {
	t.Parallel()

	fwd := NewForwarder(forwardCfg(time.Second))
	resp, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: "not-a-url"},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeFailure, outcome)
	assert.True(t, errors.Is(resp.Err, ErrInvalidTargetURL))
}

func TestForward_PassiveSuccess(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, http.StatusInternalServerError, `{}`)
	rec := &recorder{}
	fwd := NewForwarder(forwardCfg(time.Second), WithPassiveHealth(rec, 3))

	_, _ = fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, 1, rec.successes)
	assert.Empty(t, rec.failures)
}

func TestForward_PassiveMarkingWithRegistry(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.ServiceDescriptor{
		Name:      "booking",
		Instances: []registry.Instance{{ID: "b1", Address: addr}},
	}))
	fwd := NewForwarder(forwardCfg(time.Second), WithPassiveHealth(reg, 2))

	svc := &registry.ServiceDescriptor{Name: "booking"}
	inst := &registry.Instance{ID: "b1", Address: addr}
	for i := 0; i < 2; i++ {
		_, _ = fwd.Forward(context.Background(), svc, inst,
			httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))
	}

	assert.Empty(t, reg.ListHealthyInstances("booking"))
}

// ============================================================================
// Hooks
// ============================================================================

func TestForward_HooksRunInOrder(t *testing.T) {
	t.Parallel()

	srv, got := echoServer(t, http.StatusOK, `{}`)

	var order []string
	fwd := NewForwarder(forwardCfg(time.Second),
		WithPreForwardHook(func(_ context.Context, out *http.Request, _ *util.RequestContext) error {
			order = append(order, "pre1")
			out.Header.Set("X-Hook", "1")
			return nil
		}),
		WithPreForwardHook(func(context.Context, *http.Request, *util.RequestContext) error {
			order = append(order, "pre2")
			return nil
		}),
		WithPostForwardHook(func(_ context.Context, resp *Response, outcome util.Outcome, _ *util.RequestContext) {
			order = append(order, "post:"+string(outcome))
		}),
	)

	_, _ = fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, []string{"pre1", "pre2", "post:success"}, order)
	assert.Equal(t, "1", got.snapshot().header.Get("X-Hook"))
}

func TestForward_PreHookRejects(t *testing.T) {
	t.Parallel()

	srv, got := echoServer(t, http.StatusOK, `{}`)
	fwd := NewForwarder(forwardCfg(time.Second),
		WithPreForwardHook(func(context.Context, *http.Request, *util.RequestContext) error {
			return errors.New("nope")
		}),
	)

	resp, outcome := fwd.Forward(context.Background(),
		&registry.ServiceDescriptor{Name: "booking"},
		&registry.Instance{ID: "b1", Address: srv.URL},
		httptest.NewRequest(http.MethodGet, "/gateway/booking/x", nil), newRC(t))

	assert.Equal(t, util.OutcomeRejected, outcome)
	assert.True(t, errors.Is(resp.Err, ErrHookRejected))
	assert.Empty(t, got.snapshot().method)
}

// ============================================================================
// Rendering
// ============================================================================

func TestResponse_Render(t *testing.T) {
	t.Parallel()

	t.Run("downstream", func(t *testing.T) {
		resp := &Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"Content-Type": {"application/json"}, "X-Request-Id": {"other"}},
			Body:       []byte(`{"id":1}`),
		}
		w := httptest.NewRecorder()
		w.Header().Set("X-Request-ID", "req-1")
		resp.Render(w, "req-1", "booking")

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
		assert.Equal(t, `{"id":1}`, w.Body.String())
	})

	t.Run("synthesized", func(t *testing.T) {
		resp := &Response{Err: util.NewUpstreamTimeoutError(3 * time.Second)}
		w := httptest.NewRecorder()
		resp.Render(w, "req-1", "booking")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"error":"upstream_timeout"`)
		assert.Contains(t, w.Body.String(), `"requestId":"req-1"`)
	})
}

func TestForwarder_Timeout(t *testing.T) {
	t.Parallel()

	fwd := NewForwarder(config.ForwarderConfig{})
	assert.Equal(t, config.DefaultForwardTimeout, fwd.Timeout(&registry.ServiceDescriptor{}))
	assert.Equal(t, time.Second, fwd.Timeout(&registry.ServiceDescriptor{Timeout: time.Second}))
}
