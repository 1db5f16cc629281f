package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/svcgate/internal/util"
)

// serviceCounters are the lock-free counters of one service.
type serviceCounters struct {
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
	fallbacks atomic.Int64
	canceled  atomic.Int64
}

// ServiceCounts is a snapshot of one service's counters.
type ServiceCounts struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
	Fallbacks int64 `json:"fallbacks"`
	Canceled  int64 `json:"canceled"`
}

// RejectionCounts counts requests turned away before a service was
// resolved.
type RejectionCounts struct {
	RateLimited     int64 `json:"rateLimited"`
	Unauthenticated int64 `json:"unauthenticated"`
	AuthUnavailable int64 `json:"authUnavailable"`
	UnknownService  int64 `json:"unknownService"`
}

// Counters aggregates request outcomes. Counts are eventually consistent
// totals; no ordering across requests is implied.
type Counters struct {
	mu       sync.RWMutex
	services map[string]*serviceCounters

	rateLimited     atomic.Int64
	unauthenticated atomic.Int64
	authUnavailable atomic.Int64
	unknownService  atomic.Int64
}

// NewCounters creates counters with zero entries for names.
func NewCounters(names []string) *Counters {
	c := &Counters{services: make(map[string]*serviceCounters, len(names))}
	for _, name := range names {
		c.services[name] = &serviceCounters{}
	}
	return c
}

func (c *Counters) service(name string) *serviceCounters {
	c.mu.RLock()
	sc, ok := c.services[name]
	c.mu.RUnlock()
	if ok {
		return sc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok = c.services[name]; !ok {
		sc = &serviceCounters{}
		c.services[name] = sc
	}
	return sc
}

// Record counts one request to service that ended with outcome. A
// gateway-generated unavailable answer counts as a fallback.
func (c *Counters) Record(service string, outcome util.Outcome) {
	sc := c.service(service)
	sc.requests.Add(1)

	switch outcome {
	case util.OutcomeSuccess:
		sc.successes.Add(1)
	case util.OutcomeTimeout:
		sc.timeouts.Add(1)
		sc.failures.Add(1)
	case util.OutcomeFailure:
		sc.failures.Add(1)
	case util.OutcomeUnavailable:
		sc.fallbacks.Add(1)
	case util.OutcomeCanceled:
		sc.canceled.Add(1)
	}
}

func (c *Counters) recordRateLimited()     { c.rateLimited.Add(1) }
func (c *Counters) recordUnauthenticated() { c.unauthenticated.Add(1) }
func (c *Counters) recordAuthUnavailable() { c.authUnavailable.Add(1) }
func (c *Counters) recordUnknownService()  { c.unknownService.Add(1) }

// Service returns the counts of one service.
func (c *Counters) Service(name string) ServiceCounts {
	c.mu.RLock()
	sc, ok := c.services[name]
	c.mu.RUnlock()
	if !ok {
		return ServiceCounts{}
	}
	return sc.snapshot()
}

// Services returns the counts of every service seen so far.
func (c *Counters) Services() map[string]ServiceCounts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ServiceCounts, len(c.services))
	for name, sc := range c.services {
		out[name] = sc.snapshot()
	}
	return out
}

// Rejections returns the counts of requests rejected before resolution.
func (c *Counters) Rejections() RejectionCounts {
	return RejectionCounts{
		RateLimited:     c.rateLimited.Load(),
		Unauthenticated: c.unauthenticated.Load(),
		AuthUnavailable: c.authUnavailable.Load(),
		UnknownService:  c.unknownService.Load(),
	}
}

func (sc *serviceCounters) snapshot() ServiceCounts {
	return ServiceCounts{
		Requests:  sc.requests.Load(),
		Successes: sc.successes.Load(),
		Failures:  sc.failures.Load(),
		Timeouts:  sc.timeouts.Load(),
		Fallbacks: sc.fallbacks.Load(),
		Canceled:  sc.canceled.Load(),
	}
}
