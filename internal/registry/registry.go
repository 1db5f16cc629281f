// Package registry holds the in-memory catalog of backend services and the
// health state of their instances.
//
// Services are registered once at startup and never removed. Instance
// health is mutated by the health monitor and by the forwarder's passive
// failure accounting; readers always receive copies.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Sentinel errors.
var (
	ErrServiceNotFound  = errors.New("service not found")
	ErrServiceExists    = errors.New("service already registered")
	ErrNoInstances      = errors.New("service has no instances")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInvalidService   = errors.New("invalid service descriptor")
)

// Instance is one addressable copy of a service.
type Instance struct {
	ID                  string    `json:"id"`
	Address             string    `json:"address"`
	Weight              int       `json:"weight"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitempty"`
	LastCheckedAt       time.Time `json:"lastCheckedAt,omitempty"`
}

// ServiceDescriptor describes one logical backend service.
type ServiceDescriptor struct {
	Name        string                `json:"name"`
	HealthPath  string                `json:"healthPath"`
	PathRewrite string                `json:"pathRewrite,omitempty"`
	Timeout     time.Duration         `json:"timeout,omitempty"`
	Breaker     *config.BreakerConfig `json:"breaker,omitempty"`
	Instances   []Instance            `json:"instances"`
}

// HealthyCount returns the number of healthy instances.
func (d *ServiceDescriptor) HealthyCount() int {
	n := 0
	for i := range d.Instances {
		if d.Instances[i].Healthy {
			n++
		}
	}
	return n
}

// Transition describes an instance health change.
type Transition struct {
	Service  string
	Instance string
	Healthy  bool
	At       time.Time
	Reason   string
}

// TransitionHook is invoked after an instance changes health. It runs
// outside registry locks.
type TransitionHook func(Transition)

// entry is one registered service. The descriptor fields other than
// Instances never change after registration.
type entry struct {
	mu        sync.RWMutex
	desc      ServiceDescriptor
	instances []*Instance
	byID      map[string]*Instance
}

// Registry is the service catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	logger observability.Logger
	hooks  []TransitionHook
}

// Option is a functional option for the registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTransitionHook registers a hook called on every health transition.
func WithTransitionHook(hook TransitionHook) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, hook)
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a service. Instances start healthy so traffic flows before
// the first probe completes. A zero weight is treated as 1.
func (r *Registry) Register(desc ServiceDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidService)
	}
	if len(desc.Instances) == 0 {
		return fmt.Errorf("%s: %w", desc.Name, ErrNoInstances)
	}

	e := &entry{
		desc:      desc,
		instances: make([]*Instance, 0, len(desc.Instances)),
		byID:      make(map[string]*Instance, len(desc.Instances)),
	}
	e.desc.Instances = nil

	for i, inst := range desc.Instances {
		if inst.ID == "" {
			inst.ID = fmt.Sprintf("%s-%d", desc.Name, i+1)
		}
		if _, dup := e.byID[inst.ID]; dup {
			return fmt.Errorf("%w: %s: duplicate instance id %q", ErrInvalidService, desc.Name, inst.ID)
		}
		if inst.Address == "" {
			return fmt.Errorf("%w: %s: instance %q has no address", ErrInvalidService, desc.Name, inst.ID)
		}
		if inst.Weight <= 0 {
			inst.Weight = 1
		}
		inst.Healthy = true
		inst.ConsecutiveFailures = 0

		stored := inst
		e.instances = append(e.instances, &stored)
		e.byID[stored.ID] = &stored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%s: %w", desc.Name, ErrServiceExists)
	}
	r.entries[desc.Name] = e
	r.order = append(r.order, desc.Name)

	r.logger.Info("service registered",
		observability.String("service", desc.Name),
		observability.Int("instances", len(e.instances)),
	)

	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrServiceNotFound)
	}
	return e, nil
}

// Get returns a snapshot of the named service.
func (r *Registry) Get(name string) (*ServiceDescriptor, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	snap := e.snapshot()
	return &snap, nil
}

// Names returns service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns snapshots of all services in registration order.
func (r *Registry) List() []ServiceDescriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.entries[name])
	}
	r.mu.RUnlock()

	out := make([]ServiceDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// ListHealthyInstances returns copies of the healthy instances of a
// service in registration order. It is empty when the service is unknown
// or has no healthy instance.
func (r *Registry) ListHealthyInstances(name string) []Instance {
	e, err := r.lookup(name)
	if err != nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	healthy := make([]Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.Healthy {
			healthy = append(healthy, *inst)
		}
	}
	return healthy
}

// MarkInstanceHealth records a health verdict for an instance.
func (r *Registry) MarkInstanceHealth(name, instanceID string, healthy bool, at time.Time) error {
	reason := "probe failed"
	if healthy {
		reason = "probe succeeded"
	}
	return r.update(name, instanceID, func(inst *Instance) bool {
		was := inst.Healthy
		if healthy {
			inst.LastSuccessAt = at
			inst.ConsecutiveFailures = 0
		} else {
			inst.LastFailureAt = at
			inst.ConsecutiveFailures++
		}
		inst.Healthy = healthy
		return was != healthy
	}, at, reason)
}

// RecordCheck stamps the time of the latest probe.
func (r *Registry) RecordCheck(name, instanceID string, at time.Time) error {
	return r.update(name, instanceID, func(inst *Instance) bool {
		inst.LastCheckedAt = at
		return false
	}, at, "")
}

// RecordPassiveFailure records a hard transport error seen while
// forwarding. The instance is marked unhealthy once its consecutive
// failures reach threshold; a threshold of zero only counts.
func (r *Registry) RecordPassiveFailure(name, instanceID string, at time.Time, threshold int) error {
	return r.update(name, instanceID, func(inst *Instance) bool {
		inst.LastFailureAt = at
		inst.ConsecutiveFailures++
		if threshold > 0 && inst.Healthy && inst.ConsecutiveFailures >= threshold {
			inst.Healthy = false
			return true
		}
		return false
	}, at, "consecutive transport errors")
}

// RecordPassiveSuccess resets the failure streak after a forwarded call
// reached the instance. It never marks an instance healthy; only probes do.
func (r *Registry) RecordPassiveSuccess(name, instanceID string, at time.Time) error {
	return r.update(name, instanceID, func(inst *Instance) bool {
		inst.LastSuccessAt = at
		inst.ConsecutiveFailures = 0
		return false
	}, at, "")
}

// update applies fn to one instance under the entry lock and fires
// transition hooks after releasing it.
func (r *Registry) update(name, instanceID string, fn func(*Instance) bool, at time.Time, reason string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	inst, ok := e.byID[instanceID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", name, instanceID, ErrInstanceNotFound)
	}
	changed := fn(inst)
	healthy := inst.Healthy
	e.mu.Unlock()

	if changed {
		r.notify(Transition{
			Service:  name,
			Instance: instanceID,
			Healthy:  healthy,
			At:       at,
			Reason:   reason,
		})
	}
	return nil
}

func (r *Registry) notify(t Transition) {
	if t.Healthy {
		r.logger.Info("instance became healthy",
			observability.String("service", t.Service),
			observability.String("instance", t.Instance),
			observability.String("reason", t.Reason),
		)
	} else {
		r.logger.Warn("instance became unhealthy",
			observability.String("service", t.Service),
			observability.String("instance", t.Instance),
			observability.String("reason", t.Reason),
		)
	}
	for _, hook := range r.hooks {
		hook(t)
	}
}

func (e *entry) snapshot() ServiceDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := e.desc
	snap.Instances = make([]Instance, len(e.instances))
	for i, inst := range e.instances {
		snap.Instances[i] = *inst
	}
	return snap
}

// FromConfig converts a configured service into a descriptor.
func FromConfig(svc config.ServiceConfig) ServiceDescriptor {
	desc := ServiceDescriptor{
		Name:        svc.Name,
		HealthPath:  svc.HealthPath,
		PathRewrite: svc.PathRewrite,
		Timeout:     svc.Timeout.Duration(),
		Breaker:     svc.Breaker,
		Instances:   make([]Instance, 0, len(svc.Instances)),
	}
	for _, inst := range svc.Instances {
		desc.Instances = append(desc.Instances, Instance{
			ID:      inst.ID,
			Address: inst.Address,
			Weight:  inst.Weight,
		})
	}
	return desc
}
