package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns ValidationErrors when
// anything is wrong.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateLogging(&cfg.Logging)
	v.validateMetrics(&cfg.Metrics)
	v.validateTracing(&cfg.Tracing)
	v.validateHealth(&cfg.Health)
	v.validateBreaker(cfg.Breaker, "breaker", false)
	v.validateForwarder(&cfg.Forwarder)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateAuth(&cfg.Auth)
	v.validateSink(&cfg.Sink)
	v.validateEtcd(&cfg.Discovery.Etcd)
	v.validateServices(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "address is required")
	}
	if s.ShutdownTimeout < 0 {
		v.addError("server.shutdownTimeout", "must not be negative")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unsupported level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unsupported format %q", l.Format))
	}
}

func (v *Validator) validateMetrics(m *MetricsConfig) {
	if !m.Enabled {
		return
	}
	if m.Port < 1 || m.Port > 65535 {
		v.addError("metrics.port", "port must be between 1 and 65535")
	}
	if !strings.HasPrefix(m.Path, "/") {
		v.addError("metrics.path", "path must start with /")
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "samplingRate must be between 0 and 1")
	}
}

func (v *Validator) validateHealth(h *HealthConfig) {
	if h.Interval <= 0 {
		v.addError("health.interval", "interval must be positive")
	}
	if h.Timeout <= 0 {
		v.addError("health.timeout", "timeout must be positive")
	}
	if h.Timeout > h.Interval {
		v.addError("health.timeout", "timeout must not exceed interval")
	}
}

// validateBreaker checks breaker tunables. Overrides may leave fields at
// zero to inherit.
func (v *Validator) validateBreaker(b BreakerConfig, path string, override bool) {
	if b.VolumeThreshold < 0 || (!override && b.VolumeThreshold == 0) {
		v.addError(path+".volumeThreshold", "volumeThreshold must be positive")
	}
	if b.ErrorThresholdPercentage < 0 || b.ErrorThresholdPercentage > 100 ||
		(!override && b.ErrorThresholdPercentage == 0) {
		v.addError(path+".errorThresholdPercentage", "errorThresholdPercentage must be in (0, 100]")
	}
	if b.ResetTimeout < 0 || (!override && b.ResetTimeout == 0) {
		v.addError(path+".resetTimeout", "resetTimeout must be positive")
	}
	if b.HalfOpenMaxCalls < 0 || (!override && b.HalfOpenMaxCalls == 0) {
		v.addError(path+".halfOpenMaxCalls", "halfOpenMaxCalls must be positive")
	}
	if b.SuccessThreshold < 0 || (!override && b.SuccessThreshold == 0) {
		v.addError(path+".successThreshold", "successThreshold must be positive")
	}
}

func (v *Validator) validateForwarder(f *ForwarderConfig) {
	if f.Timeout <= 0 {
		v.addError("forwarder.timeout", "timeout must be positive")
	}
	if f.MaxResponseBytes <= 0 {
		v.addError("forwarder.maxResponseBytes", "maxResponseBytes must be positive")
	}
	if f.PassiveFailureThreshold < 0 {
		v.addError("forwarder.passiveFailureThreshold", "must not be negative")
	}
}

func (v *Validator) validateRateLimit(r *RateLimitConfig) {
	if !r.Enabled {
		return
	}
	if r.Requests <= 0 {
		v.addError("rateLimit.requests", "requests must be positive")
	}
	if r.Window <= 0 {
		v.addError("rateLimit.window", "window must be positive")
	}
}

func (v *Validator) validateAuth(a *AuthConfig) {
	if !a.Enabled {
		return
	}
	if a.URL == "" {
		v.addError("auth.url", "url is required when auth is enabled")
	} else {
		v.validateURL("auth.url", a.URL)
	}
	if !strings.HasPrefix(a.VerifyPath, "/") {
		v.addError("auth.verifyPath", "verifyPath must start with /")
	}
}

func (v *Validator) validateSink(s *SinkConfig) {
	if !s.Enabled {
		return
	}
	if s.MaxEntries <= 0 {
		v.addError("sink.maxEntries", "maxEntries must be positive")
	}
	if s.BufferSize <= 0 {
		v.addError("sink.bufferSize", "bufferSize must be positive")
	}
}

func (v *Validator) validateEtcd(e *EtcdConfig) {
	if !e.Enabled {
		return
	}
	if len(e.Endpoints) == 0 {
		v.addError("discovery.etcd.endpoints", "at least one endpoint is required")
	}
	if e.Prefix == "" {
		v.addError("discovery.etcd.prefix", "prefix is required")
	}
}

func (v *Validator) validateServices(cfg *GatewayConfig) {
	if len(cfg.Services) == 0 && !cfg.Discovery.Etcd.Enabled {
		v.addError("services", "at least one service is required")
	}

	names := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		path := fmt.Sprintf("services[%d]", i)

		if names[svc.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate service name %q", svc.Name))
		}
		names[svc.Name] = true

		for _, e := range ValidateService(svc) {
			v.addError(path+prefixed(e.Path), e.Message)
		}
		if svc.Breaker != nil {
			v.validateBreaker(*svc.Breaker, path+".breaker", true)
		}
	}
}

// reservedServiceNames collide with the operator endpoints under /gateway/.
var reservedServiceNames = map[string]bool{
	"health":   true,
	"services": true,
	"metrics":  true,
}

// ValidateService validates one service descriptor. It is shared with
// descriptors loaded from etcd.
func ValidateService(svc *ServiceConfig) ValidationErrors {
	var errs ValidationErrors
	add := func(path, msg string) {
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}

	if svc.Name == "" {
		add("name", "name is required")
	} else if strings.ContainsAny(svc.Name, "/ ") {
		add("name", "name must not contain '/' or spaces")
	} else if reservedServiceNames[svc.Name] {
		add("name", fmt.Sprintf("name %q is reserved for operator endpoints", svc.Name))
	}
	if !strings.HasPrefix(svc.HealthPath, "/") {
		add("healthPath", "healthPath must start with /")
	}
	if svc.PathRewrite != "" && !strings.HasPrefix(svc.PathRewrite, "/") {
		add("pathRewrite", "pathRewrite must start with /")
	}
	if svc.Timeout < 0 {
		add("timeout", "timeout must not be negative")
	}
	if len(svc.Instances) == 0 {
		add("instances", "at least one instance is required")
	}

	ids := make(map[string]bool, len(svc.Instances))
	for j, inst := range svc.Instances {
		path := fmt.Sprintf("instances[%d]", j)
		if ids[inst.ID] {
			add(path+".id", fmt.Sprintf("duplicate instance id %q", inst.ID))
		}
		ids[inst.ID] = true

		if msg := checkURL(inst.Address); msg != "" {
			add(path+".address", msg)
		}
		if inst.Weight < 0 {
			add(path+".weight", "weight must not be negative")
		}
	}

	return errs
}

func (v *Validator) validateURL(path, raw string) {
	if msg := checkURL(raw); msg != "" {
		v.addError(path, msg)
	}
}

func checkURL(raw string) string {
	if raw == "" {
		return "address is required"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "URL scheme must be http or https"
	}
	if u.Host == "" {
		return "URL host is required"
	}
	return ""
}

func prefixed(path string) string {
	if path == "" {
		return ""
	}
	return "." + path
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
