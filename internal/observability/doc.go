// Package observability provides logging, metrics, and tracing for the
// service gateway.
//
// # Logging
//
// The Logger interface wraps zap with a runtime-adjustable level:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request forwarded",
//	    observability.String("service", "flights"),
//	    observability.Int("status", 200),
//	)
//
// # Metrics
//
// Each gateway owns a Prometheus registry:
//
//	metrics := observability.NewMetrics("gateway")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export and W3C trace context
// propagation:
//
//	tracer, err := observability.NewTracer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
package observability
