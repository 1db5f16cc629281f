// Package proxy forwards admitted requests to one chosen backend instance.
//
// The Forwarder performs exactly one outbound call per request, bounded by
// a fixed timeout, and classifies what happened into an outcome the circuit
// breaker understands.
//
// # Features
//
//   - Gateway prefix rewriting (/gateway/{service} replaced by PathRewrite)
//   - Hop-by-hop header removal per RFC 7230
//   - Identity, request ID, X-Forwarded-* and W3C trace context injection
//   - Response buffering bounded by MaxResponseBytes
//   - Synthesized 502/503 responses for transport errors and timeouts
//   - Passive instance marking after consecutive transport errors
//   - Synchronous pre-forward and post-forward hooks
//
// # Usage
//
//	fwd := proxy.NewForwarder(cfg.Forwarder,
//	    proxy.WithLogger(logger),
//	    proxy.WithTracer(tracer),
//	    proxy.WithPassiveHealth(reg, cfg.Forwarder.PassiveFailureThreshold),
//	)
//	resp, outcome := fwd.Forward(ctx, &desc, inst, r, rc)
//	resp.WriteTo(w, rc.RequestID, desc.Name)
package proxy
