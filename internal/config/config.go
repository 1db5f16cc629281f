package config

import (
	"fmt"
	"time"
)

// Default values for the gateway configuration.
const (
	DefaultServerAddress   = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "gateway"

	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultHealthPath     = "/health"

	DefaultVolumeThreshold          = 10
	DefaultErrorThresholdPercentage = 50.0
	DefaultResetTimeout             = 30 * time.Second
	DefaultHalfOpenMaxCalls         = 1
	DefaultSuccessThreshold         = 1

	DefaultForwardTimeout          = 3 * time.Second
	DefaultMaxResponseBytes        = 10 << 20
	DefaultPassiveFailureThreshold = 3
	DefaultMaxIdleConnsPerHost     = 32

	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = time.Minute
	DefaultStoreTimeout      = 50 * time.Millisecond
	DefaultRateLimitPrefix   = "svcgate:ratelimit:"

	DefaultAuthVerifyPath       = "/auth/verify"
	DefaultAuthTimeout          = 2 * time.Second
	DefaultAuthBreakerFailures  = 5
	DefaultAuthBreakerOpenFor   = 10 * time.Second
	DefaultAuthBreakerHalfOpen  = 1
	DefaultAuthBreakerResetEach = 60 * time.Second

	DefaultRedisPoolSize    = 10
	DefaultRedisDialTimeout = 5 * time.Second

	DefaultSinkPrefix      = "svcgate:log:"
	DefaultSinkMaxEntries  = 10000
	DefaultSinkBufferSize  = 1024
	DefaultSinkPushTimeout = 200 * time.Millisecond

	DefaultEtcdPrefix      = "/svcgate/services/"
	DefaultEtcdDialTimeout = 5 * time.Second

	DefaultServiceName = "svcgate"
)

// GatewayConfig is the root configuration of the gateway process.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Forwarder ForwarderConfig `yaml:"forwarder" json:"forwarder"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Sink      SinkConfig      `yaml:"sink" json:"sink"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Services  []ServiceConfig `yaml:"services" json:"services"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	TrustedProxies  []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Port      int    `yaml:"port" json:"port"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// HealthConfig configures the active health monitor.
type HealthConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// BreakerConfig holds circuit breaker tunables. In a per-service override
// a zero field inherits the gateway-wide value.
type BreakerConfig struct {
	VolumeThreshold          int      `yaml:"volumeThreshold" json:"volumeThreshold"`
	ErrorThresholdPercentage float64  `yaml:"errorThresholdPercentage" json:"errorThresholdPercentage"`
	ResetTimeout             Duration `yaml:"resetTimeout" json:"resetTimeout"`
	HalfOpenMaxCalls         int      `yaml:"halfOpenMaxCalls" json:"halfOpenMaxCalls"`
	SuccessThreshold         int      `yaml:"successThreshold" json:"successThreshold"`
}

// Merge returns b with zero fields taken from base.
func (b BreakerConfig) Merge(base BreakerConfig) BreakerConfig {
	if b.VolumeThreshold == 0 {
		b.VolumeThreshold = base.VolumeThreshold
	}
	if b.ErrorThresholdPercentage == 0 {
		b.ErrorThresholdPercentage = base.ErrorThresholdPercentage
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = base.ResetTimeout
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = base.HalfOpenMaxCalls
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = base.SuccessThreshold
	}
	return b
}

// ForwarderConfig configures downstream calls.
type ForwarderConfig struct {
	Timeout                 Duration `yaml:"timeout" json:"timeout"`
	MaxResponseBytes        int64    `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	PassiveFailureThreshold int      `yaml:"passiveFailureThreshold" json:"passiveFailureThreshold"`
	MaxIdleConnsPerHost     int      `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
}

// RateLimitConfig configures the fixed-window limiter keyed by client IP.
type RateLimitConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Requests     int      `yaml:"requests" json:"requests"`
	Window       Duration `yaml:"window" json:"window"`
	StoreTimeout Duration `yaml:"storeTimeout" json:"storeTimeout"`
	KeyPrefix    string   `yaml:"keyPrefix" json:"keyPrefix"`
}

// AuthConfig configures delegation to the auth service.
type AuthConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	URL        string            `yaml:"url" json:"url"`
	VerifyPath string            `yaml:"verifyPath" json:"verifyPath"`
	Timeout    Duration          `yaml:"timeout" json:"timeout"`
	Breaker    AuthBreakerConfig `yaml:"breaker" json:"breaker"`
}

// AuthBreakerConfig configures the breaker guarding auth service calls.
type AuthBreakerConfig struct {
	ConsecutiveFailures uint32   `yaml:"consecutiveFailures" json:"consecutiveFailures"`
	OpenTimeout         Duration `yaml:"openTimeout" json:"openTimeout"`
	HalfOpenRequests    uint32   `yaml:"halfOpenRequests" json:"halfOpenRequests"`
	Interval            Duration `yaml:"interval" json:"interval"`
}

// RedisConfig configures the shared Redis client. An empty address
// disables Redis; the limiter then keeps counters in memory and the
// request-log sink is off.
type RedisConfig struct {
	Address     string   `yaml:"address" json:"address"`
	Password    string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB          int      `yaml:"db" json:"db"`
	PoolSize    int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// SinkConfig configures the request-log sink.
type SinkConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	KeyPrefix   string   `yaml:"keyPrefix" json:"keyPrefix"`
	MaxEntries  int64    `yaml:"maxEntries" json:"maxEntries"`
	BufferSize  int      `yaml:"bufferSize" json:"bufferSize"`
	PushTimeout Duration `yaml:"pushTimeout" json:"pushTimeout"`
}

// DiscoveryConfig configures additional descriptor sources.
type DiscoveryConfig struct {
	Etcd EtcdConfig `yaml:"etcd" json:"etcd"`
}

// EtcdConfig configures the etcd descriptor source.
type EtcdConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Endpoints   []string `yaml:"endpoints" json:"endpoints"`
	Prefix      string   `yaml:"prefix" json:"prefix"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout"`
	Username    string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string   `yaml:"password,omitempty" json:"password,omitempty"`
}

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	Name        string           `yaml:"name" json:"name"`
	HealthPath  string           `yaml:"healthPath" json:"healthPath"`
	PathRewrite string           `yaml:"pathRewrite,omitempty" json:"pathRewrite,omitempty"`
	Timeout     Duration         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Breaker     *BreakerConfig   `yaml:"breaker,omitempty" json:"breaker,omitempty"`
	Instances   []InstanceConfig `yaml:"instances" json:"instances"`
}

// InstanceConfig describes one instance of a service.
type InstanceConfig struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Weight  int    `yaml:"weight" json:"weight"`
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			ReadTimeout:     Duration(DefaultReadTimeout),
			WriteTimeout:    Duration(DefaultWriteTimeout),
			IdleTimeout:     Duration(DefaultIdleTimeout),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      DefaultMetricsPort,
			Path:      DefaultMetricsPath,
			Namespace: DefaultMetricsNamespace,
		},
		Tracing: TracingConfig{
			ServiceName:  DefaultServiceName,
			SamplingRate: 1.0,
		},
		Health: HealthConfig{
			Interval: Duration(DefaultHealthInterval),
			Timeout:  Duration(DefaultHealthTimeout),
		},
		Breaker: BreakerConfig{
			VolumeThreshold:          DefaultVolumeThreshold,
			ErrorThresholdPercentage: DefaultErrorThresholdPercentage,
			ResetTimeout:             Duration(DefaultResetTimeout),
			HalfOpenMaxCalls:         DefaultHalfOpenMaxCalls,
			SuccessThreshold:         DefaultSuccessThreshold,
		},
		Forwarder: ForwarderConfig{
			Timeout:                 Duration(DefaultForwardTimeout),
			MaxResponseBytes:        DefaultMaxResponseBytes,
			PassiveFailureThreshold: DefaultPassiveFailureThreshold,
			MaxIdleConnsPerHost:     DefaultMaxIdleConnsPerHost,
		},
		RateLimit: RateLimitConfig{
			Enabled:      true,
			Requests:     DefaultRateLimitRequests,
			Window:       Duration(DefaultRateLimitWindow),
			StoreTimeout: Duration(DefaultStoreTimeout),
			KeyPrefix:    DefaultRateLimitPrefix,
		},
		Auth: AuthConfig{
			Enabled:    true,
			VerifyPath: DefaultAuthVerifyPath,
			Timeout:    Duration(DefaultAuthTimeout),
			Breaker: AuthBreakerConfig{
				ConsecutiveFailures: DefaultAuthBreakerFailures,
				OpenTimeout:         Duration(DefaultAuthBreakerOpenFor),
				HalfOpenRequests:    DefaultAuthBreakerHalfOpen,
				Interval:            Duration(DefaultAuthBreakerResetEach),
			},
		},
		Redis: RedisConfig{
			PoolSize:    DefaultRedisPoolSize,
			DialTimeout: Duration(DefaultRedisDialTimeout),
		},
		Sink: SinkConfig{
			Enabled:     true,
			KeyPrefix:   DefaultSinkPrefix,
			MaxEntries:  DefaultSinkMaxEntries,
			BufferSize:  DefaultSinkBufferSize,
			PushTimeout: Duration(DefaultSinkPushTimeout),
		},
		Discovery: DiscoveryConfig{
			Etcd: EtcdConfig{
				Prefix:      DefaultEtcdPrefix,
				DialTimeout: Duration(DefaultEtcdDialTimeout),
			},
		},
	}
}

// ApplyDefaults fills zero values that have a meaningful default. Boolean
// switches and PassiveFailureThreshold are left alone since zero is a valid
// explicit choice for them.
func ApplyDefaults(cfg *GatewayConfig) {
	def := DefaultConfig()

	setString(&cfg.Server.Address, def.Server.Address)
	setDuration(&cfg.Server.ReadTimeout, def.Server.ReadTimeout)
	setDuration(&cfg.Server.WriteTimeout, def.Server.WriteTimeout)
	setDuration(&cfg.Server.IdleTimeout, def.Server.IdleTimeout)
	setDuration(&cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)

	setString(&cfg.Logging.Level, def.Logging.Level)
	setString(&cfg.Logging.Format, def.Logging.Format)
	setString(&cfg.Logging.Output, def.Logging.Output)

	setInt(&cfg.Metrics.Port, def.Metrics.Port)
	setString(&cfg.Metrics.Path, def.Metrics.Path)
	setString(&cfg.Metrics.Namespace, def.Metrics.Namespace)

	setString(&cfg.Tracing.ServiceName, def.Tracing.ServiceName)

	setDuration(&cfg.Health.Interval, def.Health.Interval)
	setDuration(&cfg.Health.Timeout, def.Health.Timeout)

	cfg.Breaker = cfg.Breaker.Merge(def.Breaker)

	setDuration(&cfg.Forwarder.Timeout, def.Forwarder.Timeout)
	if cfg.Forwarder.MaxResponseBytes == 0 {
		cfg.Forwarder.MaxResponseBytes = def.Forwarder.MaxResponseBytes
	}
	setInt(&cfg.Forwarder.MaxIdleConnsPerHost, def.Forwarder.MaxIdleConnsPerHost)

	setInt(&cfg.RateLimit.Requests, def.RateLimit.Requests)
	setDuration(&cfg.RateLimit.Window, def.RateLimit.Window)
	setDuration(&cfg.RateLimit.StoreTimeout, def.RateLimit.StoreTimeout)
	setString(&cfg.RateLimit.KeyPrefix, def.RateLimit.KeyPrefix)

	setString(&cfg.Auth.VerifyPath, def.Auth.VerifyPath)
	setDuration(&cfg.Auth.Timeout, def.Auth.Timeout)
	if cfg.Auth.Breaker.ConsecutiveFailures == 0 {
		cfg.Auth.Breaker.ConsecutiveFailures = def.Auth.Breaker.ConsecutiveFailures
	}
	if cfg.Auth.Breaker.HalfOpenRequests == 0 {
		cfg.Auth.Breaker.HalfOpenRequests = def.Auth.Breaker.HalfOpenRequests
	}
	setDuration(&cfg.Auth.Breaker.OpenTimeout, def.Auth.Breaker.OpenTimeout)
	setDuration(&cfg.Auth.Breaker.Interval, def.Auth.Breaker.Interval)

	setInt(&cfg.Redis.PoolSize, def.Redis.PoolSize)
	setDuration(&cfg.Redis.DialTimeout, def.Redis.DialTimeout)

	setString(&cfg.Sink.KeyPrefix, def.Sink.KeyPrefix)
	if cfg.Sink.MaxEntries == 0 {
		cfg.Sink.MaxEntries = def.Sink.MaxEntries
	}
	setInt(&cfg.Sink.BufferSize, def.Sink.BufferSize)
	setDuration(&cfg.Sink.PushTimeout, def.Sink.PushTimeout)

	setString(&cfg.Discovery.Etcd.Prefix, def.Discovery.Etcd.Prefix)
	setDuration(&cfg.Discovery.Etcd.DialTimeout, def.Discovery.Etcd.DialTimeout)

	for i := range cfg.Services {
		ApplyServiceDefaults(&cfg.Services[i])
	}
}

// ApplyServiceDefaults fills the defaults of one service descriptor.
func ApplyServiceDefaults(svc *ServiceConfig) {
	setString(&svc.HealthPath, DefaultHealthPath)
	for i := range svc.Instances {
		inst := &svc.Instances[i]
		if inst.ID == "" {
			inst.ID = fmt.Sprintf("%s-%d", svc.Name, i+1)
		}
		setInt(&inst.Weight, 1)
	}
}

// BreakerFor returns the effective breaker tunables of a service.
func (c *GatewayConfig) BreakerFor(svc ServiceConfig) BreakerConfig {
	if svc.Breaker == nil {
		return c.Breaker
	}
	return svc.Breaker.Merge(c.Breaker)
}

// TimeoutFor returns the effective forward timeout of a service.
func (c *GatewayConfig) TimeoutFor(svc ServiceConfig) time.Duration {
	if svc.Timeout > 0 {
		return svc.Timeout.Duration()
	}
	return c.Forwarder.Timeout.Duration()
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func setDuration(field *Duration, def Duration) {
	if *field == 0 {
		*field = def
	}
}
