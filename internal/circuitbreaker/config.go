// Package circuitbreaker provides the per-service circuit breakers of the
// gateway. A breaker counts downstream outcomes over a sliding window of
// the most recent calls and fails fast while the service is unhealthy.
package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
)

// Config holds the tunables of one breaker.
type Config struct {
	// VolumeThreshold is the size of the sliding window. The breaker only
	// trips once the window is full.
	VolumeThreshold int

	// ErrorThresholdPercentage is the failure percentage (0-100] of a full
	// window at which the breaker opens.
	ErrorThresholdPercentage float64

	// ResetTimeout is how long the breaker stays open before admitting a
	// trial call.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls bounds the number of concurrent trial calls.
	HalfOpenMaxCalls int

	// SuccessThreshold is the number of successful trials needed to close.
	SuccessThreshold int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:          config.DefaultVolumeThreshold,
		ErrorThresholdPercentage: config.DefaultErrorThresholdPercentage,
		ResetTimeout:             config.DefaultResetTimeout,
		HalfOpenMaxCalls:         config.DefaultHalfOpenMaxCalls,
		SuccessThreshold:         config.DefaultSuccessThreshold,
	}
}

// FromConfig converts file configuration into breaker tunables.
func FromConfig(c config.BreakerConfig) Config {
	return Config{
		VolumeThreshold:          c.VolumeThreshold,
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		ResetTimeout:             c.ResetTimeout.Duration(),
		HalfOpenMaxCalls:         c.HalfOpenMaxCalls,
		SuccessThreshold:         c.SuccessThreshold,
	}
}

// normalize replaces out-of-range values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.VolumeThreshold < 1 {
		c.VolumeThreshold = def.VolumeThreshold
	}
	if c.ErrorThresholdPercentage <= 0 || c.ErrorThresholdPercentage > 100 {
		c.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxCalls < 1 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// WithVolumeThreshold sets the window size.
func (c Config) WithVolumeThreshold(n int) Config {
	c.VolumeThreshold = n
	return c
}

// WithErrorThresholdPercentage sets the failure percentage.
func (c Config) WithErrorThresholdPercentage(p float64) Config {
	c.ErrorThresholdPercentage = p
	return c
}

// WithResetTimeout sets the open duration.
func (c Config) WithResetTimeout(d time.Duration) Config {
	c.ResetTimeout = d
	return c
}

// WithHalfOpenMaxCalls sets the trial concurrency.
func (c Config) WithHalfOpenMaxCalls(n int) Config {
	c.HalfOpenMaxCalls = n
	return c
}

// WithSuccessThreshold sets the successful trials needed to close.
func (c Config) WithSuccessThreshold(n int) Config {
	c.SuccessThreshold = n
	return c
}
