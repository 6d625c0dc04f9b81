package driver

import (
	"context"
	"sort"
	"sync"

	"github.com/osiris-pipelines/osiris/engine/component"
	"github.com/osiris-pipelines/osiris/engine/core"
	"github.com/osiris-pipelines/osiris/engine/session"
	"github.com/osiris-pipelines/osiris/pkg/logger"
)

// Registry maps component names to driver factories. Instantiation is lazy:
// the first Get builds and caches the driver.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Driver),
	}
}

// Register binds a component name to a factory, replacing any previous one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.instances, name)
}

// Names returns the registered component names sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the driver for a component, instantiating it on first use.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.instances[name]; ok {
		return d, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, core.NewError(nil, core.CodeDriverNotRegistered, map[string]any{
			"component": name,
			"available": r.namesLocked(),
		})
	}
	d, err := factory()
	if err != nil {
		return nil, core.NewError(err, core.CodeDriverFailure, map[string]any{
			"component": name,
			"phase":     "instantiate",
		})
	}
	r.instances[name] = d
	return d, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterFromSpecs walks the loaded component specs and binds every
// x-runtime.driver reference it can resolve against the factory table.
// Unresolvable drivers are logged as driver_registration_failed and skipped;
// the gap only matters if a step later requires that component.
func (r *Registry) RegisterFromSpecs(ctx context.Context, specs *component.Registry, factories map[string]Factory) {
	log := logger.FromContext(ctx)
	for _, name := range specs.Names() {
		spec, _ := specs.Get(name)
		ref := spec.DriverRef()
		if ref == "" {
			continue
		}
		factory, ok := factories[ref]
		if !ok {
			log.Warn("driver registration failed", "component", name, "driver", ref)
			session.Event(ctx, "driver_registration_failed", map[string]any{
				"component": name,
				"driver":    ref,
			})
			continue
		}
		r.Register(name, factory)
	}
}
