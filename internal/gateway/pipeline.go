package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/proxy"
	"github.com/vyrodovalexey/svcgate/internal/sink"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// Response headers set on every proxied request.
const (
	HeaderResponseTime       = "X-Response-Time"
	HeaderGatewayService     = "X-Gateway-Service"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// serviceFromPath extracts {service} from /gateway/{service}/...
func serviceFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, proxy.GatewayPrefix)
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(rest, "/")
	return name, name != ""
}

// handleProxy runs the admission pipeline of one proxied request: rate
// limit, authentication, service resolution, circuit breaker, instance
// selection, forward and outcome accounting.
func (g *Gateway) handleProxy(c *gin.Context) {
	start := time.Now()
	requestID := c.GetString(requestIDKey)

	rc := util.NewRequestContext(requestID, c.ClientIP(), c.Request.Method, c.Request.URL.Path, start)
	ctx := util.ContextWithRequestContext(c.Request.Context(), rc)
	c.Request = c.Request.WithContext(ctx)

	if gwErr := g.admitRate(ctx, c, rc); gwErr != nil {
		g.counters.recordRateLimited()
		g.reject(c, rc, gwErr, util.OutcomeRejected)
		return
	}

	if gwErr, outcome := g.authenticate(ctx, c, rc); gwErr != nil {
		g.reject(c, rc, gwErr, outcome)
		return
	}

	name, _ := serviceFromPath(c.Request.URL.Path)
	desc, err := g.registry.Get(name)
	if err != nil {
		g.counters.recordUnknownService()
		g.reject(c, rc, util.NewUnknownServiceError(name), util.OutcomeRejected)
		return
	}
	rc.SetService(desc.Name)

	breaker := g.breakerFor(desc)
	permit, err := breaker.Allow(ctx)
	if err != nil {
		gwErr := util.NewServiceUnavailableError(util.CodeCircuitOpen,
			fmt.Sprintf("service %s is temporarily unavailable", desc.Name))
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			gwErr.RetryAfter = breaker.Config().ResetTimeout
		}
		g.reject(c, rc, gwErr.WithCause(err), util.OutcomeUnavailable)
		return
	}

	inst, err := g.balancer.Select(desc.Name)
	if err != nil {
		permit.Cancel()
		gwErr := util.NewServiceUnavailableError(util.CodeNoHealthyInstance,
			fmt.Sprintf("no healthy instance of service %s", desc.Name))
		g.reject(c, rc, gwErr.WithCause(err), util.OutcomeUnavailable)
		return
	}
	rc.SetInstance(inst.ID)

	resp, outcome := g.forwarder.Forward(ctx, desc, inst, c.Request, rc)
	report(permit, outcome)

	g.respond(c, rc, resp, outcome)
}

// report hands the forward outcome to the breaker. Only downstream
// failures count against the service; anything else releases the permit.
func report(permit *circuitbreaker.Permit, outcome util.Outcome) {
	switch {
	case outcome == util.OutcomeSuccess:
		permit.Success()
	case outcome.CountsAsFailure():
		permit.Failure()
	default:
		permit.Cancel()
	}
}

func (g *Gateway) admitRate(ctx context.Context, c *gin.Context, rc *util.RequestContext) *util.GatewayError {
	result, err := g.limiter.Allow(ctx, rc.ClientIP)
	if err != nil {
		g.logger.WithContext(ctx).Warn("rate limit check failed, allowing request",
			observability.String("client_ip", rc.ClientIP),
			observability.Error(err),
		)
		return nil
	}

	if result.Limit > 0 && !result.Degraded {
		c.Header(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
	}

	if result.Allowed {
		return nil
	}
	return util.NewRateLimitError(result.RetryAfter)
}

func (g *Gateway) authenticate(ctx context.Context, c *gin.Context, rc *util.RequestContext) (*util.GatewayError, util.Outcome) {
	if g.verifier == nil {
		return nil, ""
	}

	identity, err := g.verifier.Verify(ctx, c.GetHeader("Authorization"))
	switch {
	case err == nil:
		rc.SetIdentity(identity.UserID, identity.CompanyID)
		return nil, ""

	case errors.Is(err, auth.ErrUnauthenticated):
		g.counters.recordUnauthenticated()
		msg := "invalid credentials"
		if errors.Is(err, auth.ErrMissingCredentials) {
			msg = "missing credentials"
		}
		return util.NewAuthenticationError(msg).WithCause(err), util.OutcomeRejected

	default:
		g.counters.recordAuthUnavailable()
		return util.NewServiceUnavailableError(util.CodeAuthUnavailable,
			"authentication service is unavailable").WithCause(err), util.OutcomeUnavailable
	}
}

// reject answers a request the gateway turned away on its own.
func (g *Gateway) reject(c *gin.Context, rc *util.RequestContext, gwErr *util.GatewayError, outcome util.Outcome) {
	g.respond(c, rc, &proxy.Response{Err: gwErr}, outcome)
}

// respond writes resp and performs the outcome accounting shared by every
// proxied request.
func (g *Gateway) respond(c *gin.Context, rc *util.RequestContext, resp *proxy.Response, outcome util.Outcome) {
	rc.SetOutcome(outcome)
	service := rc.Service()
	elapsed := rc.Elapsed()

	if service != "" {
		c.Header(HeaderGatewayService, service)
	}
	c.Header(HeaderResponseTime, fmt.Sprintf("%dms", elapsed.Milliseconds()))

	resp.Render(c.Writer, rc.RequestID, service)
	// Proxied paths are served from the no-route chain, which would
	// otherwise replace an empty 404 body with its default page.
	c.Writer.WriteHeaderNow()
	c.Abort()

	status := resp.Status()

	if service != "" {
		g.counters.Record(service, outcome)
	}
	g.metrics.RecordRequest(metricService(service), string(outcome), status, elapsed)

	if resp.Err != nil && resp.Err.Status >= http.StatusInternalServerError {
		g.logger.WithContext(c.Request.Context()).Debug("request answered by gateway",
			observability.String("service", service),
			observability.String("code", resp.Err.Code),
			observability.Error(resp.Err),
		)
	}

	g.sink.Record(g.logEntry(c, rc, resp, outcome, status, elapsed))
}

func (g *Gateway) logEntry(
	c *gin.Context,
	rc *util.RequestContext,
	resp *proxy.Response,
	outcome util.Outcome,
	status int,
	elapsed time.Duration,
) *sink.Entry {
	userID, companyID := rc.Identity()
	e := &sink.Entry{
		RequestID:  rc.RequestID,
		Timestamp:  rc.StartTime.UTC(),
		Method:     rc.Method,
		Path:       rc.Path,
		Service:    rc.Service(),
		Instance:   rc.Instance(),
		ClientIP:   rc.ClientIP,
		UserID:     userID,
		CompanyID:  companyID,
		Status:     status,
		Outcome:    string(outcome),
		DurationMS: float64(elapsed.Microseconds()) / 1000,
		TraceID:    observability.TraceIDFromContext(c.Request.Context()),
	}
	if resp.Err != nil {
		e.ErrorCode = resp.Err.Code
	}
	return e
}

// metricService keeps the service label bounded for unresolved requests.
func metricService(service string) string {
	if service == "" {
		return "none"
	}
	return service
}

// circuitState returns the breaker state name of a service.
func (g *Gateway) circuitState(service string) string {
	if b, ok := g.breakers.Get(service); ok {
		return b.State().String()
	}
	return circuitbreaker.StateClosed.String()
}
