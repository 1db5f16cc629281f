// Package loadbalancer picks a healthy instance of a service using weighted
// round-robin.
package loadbalancer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// ErrUnavailable is returned when a service has no healthy instance.
var ErrUnavailable = errors.New("no healthy instance available")

// InstanceSource lists the healthy instances of a service in registration
// order.
type InstanceSource interface {
	ListHealthyInstances(name string) []registry.Instance
}

// Balancer selects instances with interleaved weighted round-robin. Each
// service has its own cursor.
type Balancer struct {
	source InstanceSource

	mu      sync.Mutex
	cursors map[string]*cursor
}

type cursor struct {
	mu  sync.Mutex
	pos int
}

// New creates a balancer reading instances from source.
func New(source InstanceSource) *Balancer {
	return &Balancer{
		source:  source,
		cursors: make(map[string]*cursor),
	}
}

// Select returns the next healthy instance of service. The healthy list is
// re-read on every call so health changes take effect immediately.
func (b *Balancer) Select(service string) (*registry.Instance, error) {
	healthy := b.source.ListHealthyInstances(service)
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%s: %w", service, ErrUnavailable)
	}

	slots := Slots(healthy)
	c := b.cursorFor(service)

	c.mu.Lock()
	idx := c.pos % len(slots)
	c.pos = (idx + 1) % len(slots)
	c.mu.Unlock()

	inst := healthy[slots[idx]]
	return &inst, nil
}

func (b *Balancer) cursorFor(service string) *cursor {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cursors[service]
	if !ok {
		c = &cursor{}
		b.cursors[service] = c
	}
	return c
}

// Slots expands instances into an interleaved selection sequence of
// indexes: round r lists, in order, every instance whose weight exceeds r.
// Weights below 1 count as 1. Equal weights yield plain round-robin.
func Slots(instances []registry.Instance) []int {
	maxWeight := 0
	total := 0
	for _, inst := range instances {
		w := weightOf(inst)
		total += w
		if w > maxWeight {
			maxWeight = w
		}
	}

	slots := make([]int, 0, total)
	for round := 0; round < maxWeight; round++ {
		for i, inst := range instances {
			if weightOf(inst) > round {
				slots = append(slots, i)
			}
		}
	}
	return slots
}

func weightOf(inst registry.Instance) int {
	if inst.Weight < 1 {
		return 1
	}
	return inst.Weight
}
