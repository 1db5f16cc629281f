// Package gateway wires the service gateway together.
//
// A Gateway owns every stateful component of one gateway process: the
// service registry, the circuit breaker bank, the load balancer, the
// forwarder, the rate limiter, the auth client, the request-log sink and
// the health monitor. Nothing is kept in package-level state, so several
// gateways can run side by side in tests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcgate/internal/auth"
	"github.com/vyrodovalexey/svcgate/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/discovery"
	"github.com/vyrodovalexey/svcgate/internal/health"
	"github.com/vyrodovalexey/svcgate/internal/loadbalancer"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/proxy"
	"github.com/vyrodovalexey/svcgate/internal/ratelimit"
	"github.com/vyrodovalexey/svcgate/internal/ratelimit/store"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/sink"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid races.
var ginModeOnce sync.Once

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway is the service gateway.
type Gateway struct {
	config  *config.GatewayConfig
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	registry  *registry.Registry
	breakers  *circuitbreaker.Bank
	balancer  *loadbalancer.Balancer
	forwarder *proxy.Forwarder
	limiter   ratelimit.Limiter
	verifier  auth.Verifier
	sink      sink.Sink
	monitor   *health.Monitor
	counters  *Counters

	redis        redis.UniversalClient
	ownsRedis    bool
	limitStore   store.Store
	etcd         *discovery.EtcdSource
	extraSources []discovery.Source

	transport    http.RoundTripper
	healthClient *http.Client
	preHooks     []proxy.PreForwardHook
	postHooks    []proxy.PostForwardHook

	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error

	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithClock sets the clock driving circuit breakers and rate-limit windows.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithVerifier replaces the auth client built from configuration.
func WithVerifier(v auth.Verifier) Option {
	return func(g *Gateway) {
		g.verifier = v
	}
}

// WithLimiter replaces the rate limiter built from configuration.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// WithSink replaces the request-log sink built from configuration.
func WithSink(s sink.Sink) Option {
	return func(g *Gateway) {
		g.sink = s
	}
}

// WithRedisClient uses client instead of dialing the configured address.
// The gateway does not close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) {
		g.redis = client
	}
}

// WithSources adds descriptor sources consulted after the configuration
// file.
func WithSources(sources ...discovery.Source) Option {
	return func(g *Gateway) {
		g.extraSources = append(g.extraSources, sources...)
	}
}

// WithTransport sets the transport used to reach downstream services.
func WithTransport(transport http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = transport
	}
}

// WithHealthClient sets the HTTP client used by health probes.
func WithHealthClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.healthClient = client
	}
}

// WithPreForwardHook adds a hook run before every forwarded call.
func WithPreForwardHook(hook proxy.PreForwardHook) Option {
	return func(g *Gateway) {
		g.preHooks = append(g.preHooks, hook)
	}
}

// WithPostForwardHook adds a hook run after every forwarded call.
func WithPostForwardHook(hook proxy.PostForwardHook) Option {
	return func(g *Gateway) {
		g.postHooks = append(g.postHooks, hook)
	}
}

// New creates a gateway from cfg. It loads service descriptors, connects
// to Redis when configured and builds the HTTP engine, but serves nothing
// until Start.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	g := &Gateway{
		config: cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}
	g.state.Store(int32(StateStopped))

	if err := g.initRegistry(ctx); err != nil {
		g.closeStores()
		return nil, err
	}

	g.initBreakers()
	g.balancer = loadbalancer.New(g.registry)
	g.initForwarder()
	g.initRedis(ctx)
	g.initLimiter()
	if err := g.initAuth(); err != nil {
		g.closeStores()
		return nil, err
	}
	g.initSink()
	g.initMonitor()
	g.counters = NewCounters(g.registry.Names())
	g.initEngine()

	return g, nil
}

func (g *Gateway) initRegistry(ctx context.Context) error {
	g.registry = registry.New(
		registry.WithLogger(g.logger),
		registry.WithTransitionHook(func(t registry.Transition) {
			g.metrics.SetInstanceHealth(t.Service, t.Instance, t.Healthy)
		}),
	)

	sources := []discovery.Source{discovery.NewStaticSource(g.config.Services)}
	if g.config.Discovery.Etcd.Enabled {
		src, err := discovery.NewEtcdSource(g.config.Discovery.Etcd, discovery.WithEtcdLogger(g.logger))
		if err != nil {
			return fmt.Errorf("failed to create etcd source: %w", err)
		}
		g.etcd = src
		sources = append(sources, src)
	}
	sources = append(sources, g.extraSources...)

	n, err := discovery.Populate(ctx, g.registry, g.logger, sources...)
	if err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no services configured")
	}

	for _, desc := range g.registry.List() {
		for _, inst := range desc.Instances {
			g.metrics.SetInstanceHealth(desc.Name, inst.ID, inst.Healthy)
		}
	}
	return nil
}

// initBreakers creates one breaker per service up front so every service
// reports a state from the first request on.
func (g *Gateway) initBreakers() {
	g.breakers = circuitbreaker.NewBank(
		circuitbreaker.FromConfig(g.config.Breaker),
		circuitbreaker.WithLogger(g.logger),
		circuitbreaker.WithMetrics(g.metrics),
		circuitbreaker.WithClock(g.now),
	)
	for _, desc := range g.registry.List() {
		g.breakerFor(&desc)
	}
}

func (g *Gateway) breakerFor(desc *registry.ServiceDescriptor) *circuitbreaker.Breaker {
	if desc.Breaker == nil {
		return g.breakers.GetOrCreate(desc.Name, nil)
	}
	cfg := circuitbreaker.FromConfig(desc.Breaker.Merge(g.config.Breaker))
	return g.breakers.GetOrCreate(desc.Name, &cfg)
}

func (g *Gateway) initForwarder() {
	opts := []proxy.Option{
		proxy.WithLogger(g.logger),
		proxy.WithMetrics(g.metrics),
		proxy.WithTracer(g.tracer),
		proxy.WithPassiveHealth(g.registry, g.config.Forwarder.PassiveFailureThreshold),
	}
	if g.transport != nil {
		opts = append(opts, proxy.WithTransport(g.transport))
	}
	for _, hook := range g.preHooks {
		opts = append(opts, proxy.WithPreForwardHook(hook))
	}
	for _, hook := range g.postHooks {
		opts = append(opts, proxy.WithPostForwardHook(hook))
	}
	g.forwarder = proxy.NewForwarder(g.config.Forwarder, opts...)
}

// initRedis connects to Redis when configured. A failed connection is
// logged and the gateway runs without it: counters stay in memory and
// request logs are discarded.
func (g *Gateway) initRedis(ctx context.Context) {
	if g.redis != nil || !g.config.Redis.Enabled() {
		return
	}
	if !g.config.RateLimit.Enabled && !g.config.Sink.Enabled {
		return
	}

	client, err := store.Connect(ctx, g.config.Redis, g.logger)
	if err != nil {
		g.logger.Warn("redis unavailable, using in-memory rate limiting and no request log",
			observability.String("address", g.config.Redis.Address),
			observability.Error(err),
		)
		return
	}
	g.redis = client
	g.ownsRedis = true
}

func (g *Gateway) initLimiter() {
	if g.limiter != nil {
		return
	}
	if !g.config.RateLimit.Enabled {
		g.limiter = ratelimit.NoopLimiter{}
		return
	}

	if g.redis != nil {
		prefix := g.config.RateLimit.KeyPrefix
		if prefix == "" {
			prefix = config.DefaultRateLimitPrefix
		}
		g.limitStore = store.NewRedisStore(g.redis, prefix)
	} else {
		g.limitStore = store.NewMemoryStore(0, store.WithMemoryClock(g.now))
	}

	g.limiter = ratelimit.NewFixedWindowLimiter(g.limitStore, g.config.RateLimit,
		ratelimit.WithLogger(g.logger),
		ratelimit.WithMetrics(g.metrics),
		ratelimit.WithClock(g.now),
	)
}

func (g *Gateway) initAuth() error {
	if g.verifier != nil || !g.config.Auth.Enabled {
		return nil
	}
	client, err := auth.NewClient(g.config.Auth,
		auth.WithLogger(g.logger),
		auth.WithMetrics(g.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create auth client: %w", err)
	}
	g.verifier = client
	return nil
}

func (g *Gateway) initSink() {
	if g.sink != nil {
		return
	}
	if !g.config.Sink.Enabled || g.redis == nil {
		g.sink = sink.NoopSink{}
		return
	}
	g.sink = sink.NewRedisSink(g.redis, g.config.Sink,
		sink.WithLogger(g.logger),
		sink.WithMetrics(g.metrics),
	)
}

func (g *Gateway) initMonitor() {
	opts := []health.Option{
		health.WithLogger(g.logger),
		health.WithMetrics(g.metrics),
	}
	if g.healthClient != nil {
		opts = append(opts, health.WithHTTPClient(g.healthClient))
	}
	g.monitor = health.NewMonitor(g.registry, g.config.Health, opts...)
}

func (g *Gateway) initEngine() {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.HandleMethodNotAllowed = false
	if err := engine.SetTrustedProxies(g.config.Server.TrustedProxies); err != nil {
		g.logger.Warn("invalid trusted proxies, trusting none", observability.Error(err))
		_ = engine.SetTrustedProxies(nil)
	}

	engine.Use(
		recovery(g.logger),
		requestID(),
		tracing(g.tracer),
		accessLog(g.logger),
	)
	g.setupRoutes(engine)
	g.engine = engine
}

// Start starts the health monitor and the HTTP listener.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("gateway is not in stopped state")
	}

	listener, err := net.Listen("tcp", g.config.Server.Address)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", g.config.Server.Address, err)
	}

	server := &http.Server{
		Handler:           g.engine,
		ReadTimeout:       g.config.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: g.config.Server.ReadTimeout.Duration(),
		WriteTimeout:      g.config.Server.WriteTimeout.Duration(),
		IdleTimeout:       g.config.Server.IdleTimeout.Duration(),
	}

	g.mu.Lock()
	g.listener = listener
	g.httpServer = server
	g.serveErr = make(chan error, 1)
	g.startTime = time.Now()
	serveErr := g.serveErr
	g.mu.Unlock()

	g.monitor.Start(ctx)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server failed", observability.Error(err))
			serveErr <- err
		}
		close(serveErr)
	}()

	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", listener.Addr().String()),
		observability.Strings("services", g.registry.Names()),
	)

	return nil
}

// Stop drains in-flight requests until ctx is done, then stops the
// monitor, flushes the request log and releases stores.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("gateway is not running")
	}

	g.logger.Info("stopping gateway")

	var errs []error

	g.mu.RLock()
	server := g.httpServer
	g.mu.RUnlock()

	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	g.monitor.Stop()

	if err := g.sink.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	g.closeStores()

	g.state.Store(int32(StateStopped))
	g.logger.Info("gateway stopped")

	return errors.Join(errs...)
}

func (g *Gateway) closeStores() {
	if g.limitStore != nil {
		_ = g.limitStore.Close()
	}
	if g.ownsRedis && g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("failed to close redis client", observability.Error(err))
		}
	}
	if g.etcd != nil {
		if err := g.etcd.Close(); err != nil {
			g.logger.Warn("failed to close etcd client", observability.Error(err))
		}
	}
}

// Errors returns a channel that receives a fatal serve error, if any. It
// is closed when the server stops.
func (g *Gateway) Errors() <-chan error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.serveErr
}

// State returns the current state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns whether the gateway is serving.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Addr returns the listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Uptime returns the time since Start.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Handler returns the HTTP handler of the gateway.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Registry returns the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Breakers returns the circuit breaker bank.
func (g *Gateway) Breakers() *circuitbreaker.Bank {
	return g.breakers
}

// Monitor returns the health monitor.
func (g *Gateway) Monitor() *health.Monitor {
	return g.monitor
}

// Counters returns the per-service request counters.
func (g *Gateway) Counters() *Counters {
	return g.counters
}

// Metrics returns the Prometheus collectors.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}
