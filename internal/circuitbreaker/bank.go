package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Bank owns exactly one breaker per service name for its lifetime.
type Bank struct {
	defaults Config
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBank creates a bank. opts are applied to every breaker it creates.
func NewBank(defaults Config, opts ...Option) *Bank {
	return &Bank{
		defaults: defaults,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker of a service.
func (k *Bank) Get(name string) (*Breaker, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	b, ok := k.breakers[name]
	return b, ok
}

// GetOrCreate returns the breaker of a service, creating it with cfg (or
// the bank defaults when cfg is nil) on first use. A later cfg is ignored.
func (k *Bank) GetOrCreate(name string, cfg *Config) *Breaker {
	if b, ok := k.Get(name); ok {
		return b
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if b, ok := k.breakers[name]; ok {
		return b
	}

	effective := k.defaults
	if cfg != nil {
		effective = *cfg
	}
	b := New(name, effective, k.opts...)
	k.breakers[name] = b

	b.logger.Debug("created circuit breaker",
		observability.String("service", name),
		observability.Int("volume_threshold", b.config.VolumeThreshold),
		observability.Float64("error_threshold_percentage", b.config.ErrorThresholdPercentage),
		observability.Duration("reset_timeout", b.config.ResetTimeout),
	)

	return b
}

// Names returns the services that have a breaker, sorted.
func (k *Bank) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.breakers))
	for name := range k.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every breaker.
func (k *Bank) Stats() map[string]Stats {
	k.mu.RLock()
	breakers := make([]*Breaker, 0, len(k.breakers))
	for _, b := range k.breakers {
		breakers = append(breakers, b)
	}
	k.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		stats[b.name] = b.Stats()
	}
	return stats
}
