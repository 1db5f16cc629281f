package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// GatewayPrefix is the path prefix of proxied traffic.
const GatewayPrefix = "/gateway/"

// Headers injected into every forwarded request.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderUserID         = "X-User-ID"
	HeaderCompanyID      = "X-Company-ID"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PreForwardHook runs before the outbound call and may mutate the outbound
// request. A non-nil error aborts the forward.
type PreForwardHook func(ctx context.Context, out *http.Request, rc *util.RequestContext) error

// PostForwardHook runs after the outcome is known.
type PostForwardHook func(ctx context.Context, resp *Response, outcome util.Outcome, rc *util.RequestContext)

// PassiveHealthRecorder receives the results of forwarded calls.
type PassiveHealthRecorder interface {
	RecordPassiveFailure(name, instanceID string, at time.Time, threshold int) error
	RecordPassiveSuccess(name, instanceID string, at time.Time) error
}

// Response is either a buffered downstream response or a synthesized
// gateway error.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	InstanceID string
	Duration   time.Duration

	// Err is set when the gateway answers on its own.
	Err *util.GatewayError
}

// Synthesized reports whether the response was generated by the gateway.
func (r *Response) Synthesized() bool {
	return r.Err != nil
}

// Status returns the HTTP status the caller will see.
func (r *Response) Status() int {
	if r.Err != nil {
		return r.Err.Status
	}
	return r.StatusCode
}

// Render writes the response. Headers already present on w belong to the
// gateway and are not overwritten by downstream values.
func (r *Response) Render(w http.ResponseWriter, requestID, service string) {
	if r.Err != nil {
		util.WriteError(w, r.Err, requestID, service)
		return
	}

	h := w.Header()
	for key, values := range r.Header {
		if _, owned := h[key]; owned {
			continue
		}
		for _, v := range values {
			h.Add(key, v)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// Forwarder sends one request to one instance.
type Forwarder struct {
	client           *http.Client
	timeout          time.Duration
	maxResponseBytes int64
	logger           observability.Logger
	metrics          *observability.Metrics
	tracer           *observability.Tracer
	passive          PassiveHealthRecorder
	passiveThreshold int
	preHooks         []PreForwardHook
	postHooks        []PostForwardHook
	now              func() time.Time
}

// Option is a functional option for the forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics records forward durations.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// WithTracer creates a client span per forward.
func WithTracer(tracer *observability.Tracer) Option {
	return func(f *Forwarder) {
		f.tracer = tracer
	}
}

// WithTransport replaces the outbound transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.client.Transport = transport
	}
}

// WithPassiveHealth reports transport errors and successes to rec. An
// instance is marked unhealthy after threshold consecutive transport
// errors; zero only counts them.
func WithPassiveHealth(rec PassiveHealthRecorder, threshold int) Option {
	return func(f *Forwarder) {
		f.passive = rec
		f.passiveThreshold = threshold
	}
}

// WithPreForwardHook appends a pre-forward hook.
func WithPreForwardHook(hook PreForwardHook) Option {
	return func(f *Forwarder) {
		f.preHooks = append(f.preHooks, hook)
	}
}

// WithPostForwardHook appends a post-forward hook.
func WithPostForwardHook(hook PostForwardHook) Option {
	return func(f *Forwarder) {
		f.postHooks = append(f.postHooks, hook)
	}
}

// WithClock replaces time.Now for passive health timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) {
		f.now = now
	}
}

// NewForwarder creates a forwarder. Redirects are passed back to the
// caller, never followed.
func NewForwarder(cfg config.ForwarderConfig, opts ...Option) *Forwarder {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultForwardTimeout
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxResponseBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}

	f := &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:          timeout,
		maxResponseBytes: maxBytes,
		logger:           observability.NopLogger(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Timeout returns the effective timeout for svc.
func (f *Forwarder) Timeout(svc *registry.ServiceDescriptor) time.Duration {
	if svc != nil && svc.Timeout > 0 {
		return svc.Timeout
	}
	return f.timeout
}

// Forward sends in to inst and classifies the result. It makes exactly
// one attempt. The returned response is never nil.
func (f *Forwarder) Forward(
	ctx context.Context,
	svc *registry.ServiceDescriptor,
	inst *registry.Instance,
	in *http.Request,
	rc *util.RequestContext,
) (*Response, util.Outcome) {
	start := time.Now()
	timeout := f.Timeout(svc)

	ctx, span := f.tracer.StartSpan(ctx, "forward "+svc.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", in.Method),
			attribute.String("gateway.service", svc.Name),
			attribute.String("gateway.instance", inst.ID),
			attribute.String("server.address", inst.Address),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, outcome, cause := f.roundTrip(ctx, callCtx, svc, inst, in, rc, timeout)
	resp.InstanceID = inst.ID
	resp.Duration = time.Since(start)

	f.recordPassive(svc.Name, inst.ID, resp, cause)
	f.metrics.RecordForward(svc.Name, string(outcome), resp.Duration)

	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status()),
		attribute.String("gateway.outcome", string(outcome)),
	)
	if outcome.CountsAsFailure() {
		span.SetStatus(codes.Error, string(outcome))
		if cause != nil {
			span.RecordError(cause)
		}
	}

	f.log(ctx, svc.Name, inst, resp, outcome, cause)

	for _, hook := range f.postHooks {
		hook(ctx, resp, outcome, rc)
	}

	return resp, outcome
}

// roundTrip performs the call. cause is non-nil whenever no downstream
// response was obtained.
func (f *Forwarder) roundTrip(
	parent, ctx context.Context,
	svc *registry.ServiceDescriptor,
	inst *registry.Instance,
	in *http.Request,
	rc *util.RequestContext,
	timeout time.Duration,
) (*Response, util.Outcome, error) {
	out, err := f.buildRequest(ctx, svc, inst, in, rc)
	if err != nil {
		fe := newForwardError("build_request", svc.Name, inst.ID, inst.Address, err)
		return &Response{Err: util.NewTransportError(fe)}, util.OutcomeFailure, fe
	}

	for _, hook := range f.preHooks {
		if err := hook(ctx, out, rc); err != nil {
			fe := newForwardError("pre_hook", svc.Name, inst.ID, out.URL.String(),
				fmt.Errorf("%w: %w", ErrHookRejected, err))
			return &Response{Err: util.NewInternalError("request rejected before forwarding").WithCause(fe)},
				util.OutcomeRejected, fe
		}
	}

	httpResp, err := f.client.Do(out)
	if err != nil {
		return f.classify(parent, ctx, "round_trip", svc, inst, out, err, timeout)
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp.Body, f.maxResponseBytes)
	if err != nil {
		if errors.Is(err, ErrResponseTooLarge) {
			fe := newForwardError("read_body", svc.Name, inst.ID, out.URL.String(), err)
			return &Response{Err: util.NewTransportError(fe)}, util.OutcomeFailure, fe
		}
		return f.classify(parent, ctx, "read_body", svc, inst, out, err, timeout)
	}

	header := httpResp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	outcome := util.OutcomeSuccess
	if httpResp.StatusCode >= http.StatusInternalServerError {
		outcome = util.OutcomeFailure
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
	}, outcome, nil
}

// classify maps a failed call to an outcome. A canceled caller wins over
// the timeout, which wins over a plain transport error.
func (f *Forwarder) classify(
	parent, ctx context.Context,
	op string,
	svc *registry.ServiceDescriptor,
	inst *registry.Instance,
	out *http.Request,
	err error,
	timeout time.Duration,
) (*Response, util.Outcome, error) {
	target := out.URL.String()

	switch {
	case parent.Err() != nil:
		fe := newForwardError(op, svc.Name, inst.ID, target, fmt.Errorf("%w: %w", ErrClientCanceled, err))
		return &Response{Err: util.NewServiceUnavailableError(util.CodeServiceUnavail, "request canceled").WithCause(fe)},
			util.OutcomeCanceled, fe

	case isTimeout(ctx, err):
		fe := newForwardError(op, svc.Name, inst.ID, target, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err))
		return &Response{Err: util.NewUpstreamTimeoutError(timeout).WithCause(fe)}, util.OutcomeTimeout, fe

	default:
		fe := newForwardError(op, svc.Name, inst.ID, target, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
		return &Response{Err: util.NewTransportError(fe)}, util.OutcomeFailure, fe
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (f *Forwarder) buildRequest(
	ctx context.Context,
	svc *registry.ServiceDescriptor,
	inst *registry.Instance,
	in *http.Request,
	rc *util.RequestContext,
) (*http.Request, error) {
	target, err := url.Parse(inst.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargetURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargetURL, inst.Address)
	}

	// Rewrite the escaped form so encoded separators like %2F survive.
	rewrite := (&url.URL{Path: svc.PathRewrite}).EscapedPath()
	escaped := RewritePath(target.EscapedPath(), in.URL.EscapedPath(), svc.Name, rewrite)
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("invalid request path: %w", err)
	}

	u := *target
	u.Path = path
	u.RawPath = escaped
	u.RawQuery = in.URL.RawQuery
	u.Fragment = ""

	body := in.Body
	if body == nil {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = in.ContentLength
	out.Host = target.Host

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	f.setForwardingHeaders(ctx, out, in, rc)

	return out, nil
}

func (f *Forwarder) setForwardingHeaders(ctx context.Context, out, in *http.Request, rc *util.RequestContext) {
	h := out.Header

	// Identity headers are only ever set by the gateway.
	h.Del(HeaderUserID)
	h.Del(HeaderCompanyID)

	if rc != nil {
		h.Set(HeaderRequestID, rc.RequestID)
		userID, companyID := rc.Identity()
		if userID != "" {
			h.Set(HeaderUserID, userID)
		}
		if companyID != "" {
			h.Set(HeaderCompanyID, companyID)
		}
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get(HeaderForwardedFor); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set(HeaderForwardedFor, clientIP)
	}
	if in.TLS != nil {
		h.Set(HeaderForwardedProto, "https")
	} else {
		h.Set(HeaderForwardedProto, "http")
	}
	h.Set(HeaderForwardedHost, in.Host)

	observability.InjectTraceContext(ctx, h)
}

func (f *Forwarder) recordPassive(service, instanceID string, resp *Response, cause error) {
	if f.passive == nil {
		return
	}

	var err error
	switch {
	case !resp.Synthesized():
		err = f.passive.RecordPassiveSuccess(service, instanceID, f.now())
	case errors.Is(cause, ErrUpstreamUnavailable):
		err = f.passive.RecordPassiveFailure(service, instanceID, f.now(), f.passiveThreshold)
	}
	if err != nil {
		f.logger.Warn("failed to record passive health",
			observability.String("service", service),
			observability.String("instance", instanceID),
			observability.Error(err),
		)
	}
}

func (f *Forwarder) log(
	ctx context.Context,
	service string,
	inst *registry.Instance,
	resp *Response,
	outcome util.Outcome,
	cause error,
) {
	fields := []observability.Field{
		observability.String("service", service),
		observability.String("instance", inst.ID),
		observability.Int("status", resp.Status()),
		observability.String("outcome", string(outcome)),
		observability.Duration("duration", resp.Duration),
	}
	logger := f.logger.WithContext(ctx)
	if cause != nil && outcome.CountsAsFailure() {
		logger.Warn("forward failed", append(fields, observability.Error(cause))...)
		return
	}
	logger.Debug("forward completed", fields...)
}

// RewritePath replaces the /gateway/{service} prefix of inPath with
// rewrite and joins the result onto the instance base path.
func RewritePath(basePath, inPath, service, rewrite string) string {
	rest := strings.TrimPrefix(inPath, GatewayPrefix+service)
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if rest != "" {
		rewrite = strings.TrimRight(rewrite, "/")
	}

	p := rewrite + rest
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if base := strings.TrimRight(basePath, "/"); base != "" {
		p = base + p
	}
	return p
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func readBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
