// Package discovery loads service descriptors into the registry at
// startup. Descriptors come from the configuration file and, optionally,
// from JSON documents stored in etcd under a key prefix. The set is closed
// once the gateway starts serving.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/observability"
	"github.com/vyrodovalexey/svcgate/internal/registry"
)

// Source yields service descriptors.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Load returns the descriptors held by the source.
	Load(ctx context.Context) ([]config.ServiceConfig, error)
}

// StaticSource serves descriptors from the configuration file.
type StaticSource struct {
	services []config.ServiceConfig
}

// NewStaticSource creates a source over services.
func NewStaticSource(services []config.ServiceConfig) *StaticSource {
	return &StaticSource{services: services}
}

// Name implements Source.
func (s *StaticSource) Name() string {
	return "config"
}

// Load implements Source.
func (s *StaticSource) Load(context.Context) ([]config.ServiceConfig, error) {
	out := make([]config.ServiceConfig, len(s.services))
	copy(out, s.services)
	return out, nil
}

// Populate registers the descriptors of every source in order. A name
// already registered by an earlier source is skipped with a warning, so
// the configuration file wins over etcd. A failing source aborts.
func Populate(ctx context.Context, reg *registry.Registry, logger observability.Logger, sources ...Source) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	registered := 0
	for _, src := range sources {
		services, err := src.Load(ctx)
		if err != nil {
			return registered, fmt.Errorf("load services from %s: %w", src.Name(), err)
		}

		for _, svc := range services {
			err := reg.Register(registry.FromConfig(svc))
			switch {
			case err == nil:
				registered++
			case errors.Is(err, registry.ErrServiceExists):
				logger.Warn("duplicate service ignored",
					observability.String("service", svc.Name),
					observability.String("source", src.Name()),
				)
			default:
				return registered, fmt.Errorf("register %s from %s: %w", svc.Name, src.Name(), err)
			}
		}
	}
	return registered, nil
}
