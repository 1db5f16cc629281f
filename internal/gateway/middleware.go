package gateway

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/proxy"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// Keys stored on the gin context.
const (
	requestIDKey = "svcgate.request_id"
	spanKey      = "svcgate.span"
)

// maxRequestIDLength bounds an inbound request ID.
const maxRequestIDLength = 128

// recovery turns a panic in a handler into a 500 so one bad request never
// takes the process down.
func recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := c.GetString(requestIDKey)

				logger.Error("panic recovered",
					observability.Any("error", err),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("client_ip", c.ClientIP()),
					observability.String("request_id", requestID),
					observability.String("stack", string(debug.Stack())),
				)

				if span := spanFrom(c); span != nil {
					span.RecordError(fmt.Errorf("panic: %v", err))
					span.SetStatus(codes.Error, "panic")
				}

				if !c.Writer.Written() {
					util.WriteError(c.Writer, util.NewInternalError("an unexpected error occurred"), requestID, "")
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}

// requestID assigns a request ID unless the caller sent a usable one, and
// echoes it in the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(proxy.HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(requestIDKey, id)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), id))
		c.Header(proxy.HeaderRequestID, id)

		c.Next()
	}
}

// tracing opens the server span of a request.
func tracing(tracer *observability.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := observability.ExtractTraceContext(c.Request.Context(), c.Request.Header)

		ctx, span := tracer.StartSpan(ctx, c.Request.Method+" "+routeName(c.Request.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("url.path", c.Request.URL.Path),
				attribute.String("client.address", c.ClientIP()),
				attribute.String("user_agent.original", c.Request.UserAgent()),
				attribute.String("gateway.request_id", c.GetString(requestIDKey)),
			),
		)
		defer span.End()

		ctx = observability.ContextWithSpan(ctx, span)
		c.Set(spanKey, span)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if rc, ok := util.RequestContextFrom(c.Request.Context()); ok {
			if service := rc.Service(); service != "" {
				span.SetAttributes(attribute.String("gateway.service", service))
			}
			if outcome := rc.Outcome(); outcome != "" {
				span.SetAttributes(attribute.String("gateway.outcome", string(outcome)))
			}
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}
	}
}

// accessLog writes one line per request once it has been answered.
func accessLog(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Int("size", c.Writer.Size()),
			observability.Duration("duration", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
		}
		if rc, ok := util.RequestContextFrom(c.Request.Context()); ok {
			fields = append(fields,
				observability.String("service", rc.Service()),
				observability.String("instance", rc.Instance()),
				observability.String("outcome", string(rc.Outcome())),
			)
			if userID, companyID := rc.Identity(); userID != "" {
				fields = append(fields,
					observability.String("user_id", userID),
					observability.String("company_id", companyID),
				)
			}
		}

		log := logger.WithContext(c.Request.Context())
		switch {
		case status >= 500:
			log.Warn("request completed", fields...)
		default:
			log.Info("request completed", fields...)
		}
	}
}

func spanFrom(c *gin.Context) trace.Span {
	if v, ok := c.Get(spanKey); ok {
		if span, ok := v.(trace.Span); ok {
			return span
		}
	}
	return nil
}

// routeName collapses proxied paths to /gateway/{service} to bound span
// name cardinality.
func routeName(path string) string {
	if service, ok := serviceFromPath(path); ok {
		return proxy.GatewayPrefix + service
	}
	return path
}
