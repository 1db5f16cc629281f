package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *GatewayConfig {
	cfg := DefaultConfig()
	cfg.Auth.URL = "http://auth:9000"
	cfg.Services = []ServiceConfig{{
		Name: "booking",
		Instances: []InstanceConfig{
			{Address: "http://booking-1:8080"},
			{Address: "http://booking-2:8080"},
		},
	}}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateConfig_Valid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()
	assert.Error(t, ValidateConfig(nil))
}

func TestValidateConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
		path   string
	}{
		{"no services", func(c *GatewayConfig) { c.Services = nil }, "services"},
		{"duplicate service", func(c *GatewayConfig) { c.Services = append(c.Services, c.Services[0]) }, "services[1].name"},
		{"no instances", func(c *GatewayConfig) { c.Services[0].Instances = nil }, "services[0].instances"},
		{"duplicate instance", func(c *GatewayConfig) { c.Services[0].Instances[1].ID = "booking-1" }, "services[0].instances[1].id"},
		{"bad scheme", func(c *GatewayConfig) { c.Services[0].Instances[0].Address = "tcp://x:1" }, "services[0].instances[0].address"},
		{"slash in name", func(c *GatewayConfig) { c.Services[0].Name = "a/b" }, "services[0].name"},
		{"bad health path", func(c *GatewayConfig) { c.Services[0].HealthPath = "health" }, "services[0].healthPath"},
		{"auth without url", func(c *GatewayConfig) { c.Auth.URL = "" }, "auth.url"},
		{"bad log level", func(c *GatewayConfig) { c.Logging.Level = "loud" }, "logging.level"},
		{"sampling rate", func(c *GatewayConfig) { c.Tracing.SamplingRate = 2 }, "tracing.samplingRate"},
		{"error threshold", func(c *GatewayConfig) { c.Breaker.ErrorThresholdPercentage = 150 }, "breaker.errorThresholdPercentage"},
		{"negative override", func(c *GatewayConfig) {
			c.Services[0].Breaker = &BreakerConfig{VolumeThreshold: -1}
		}, "services[0].breaker.volumeThreshold"},
		{"probe timeout", func(c *GatewayConfig) { c.Health.Timeout = c.Health.Interval + 1 }, "health.timeout"},
		{"etcd endpoints", func(c *GatewayConfig) { c.Discovery.Etcd.Enabled = true }, "discovery.etcd.endpoints"},
		{"rate limit requests", func(c *GatewayConfig) { c.RateLimit.Requests = 0 }, "rateLimit.requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))

			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidateConfig_PartialOverrideAllowed(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Services[0].Breaker = &BreakerConfig{ResetTimeout: Duration(5e9)}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: b", ValidationErrors{{Path: "a", Message: "b"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "b"}, {Message: "c"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "1. a: b")
	assert.Contains(t, multi, "2. c")
}

func TestValidateService(t *testing.T) {
	t.Parallel()

	svc := &ServiceConfig{
		Name:       "flights",
		HealthPath: "/health",
		Instances:  []InstanceConfig{{ID: "f1", Address: "http://f1:80", Weight: 1}},
	}
	assert.Empty(t, ValidateService(svc))

	svc.Instances[0].Address = ""
	errs := ValidateService(svc)
	require.Len(t, errs, 1)
	assert.Equal(t, "instances[0].address", errs[0].Path)

	svc.Instances[0].Address = "http://f1:80"
	svc.Name = "metrics"
	errs = ValidateService(svc)
	require.Len(t, errs, 1)
	assert.Equal(t, "name", errs[0].Path)
}
