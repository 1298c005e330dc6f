package bundlehost

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Activator is the entry point of a bundle. Start runs when the bundle starts and Stop
// when it stops; both receive a context that carries the caller's lock ownership, so
// lifecycle calls made from inside them through the BundleContext are reentrant.
type Activator interface {
	Start(ctx context.Context, bc BundleContext) error
	Stop(ctx context.Context, bc BundleContext) error
}

// Destroyer is implemented by activators that release resources after Stop.
type Destroyer interface {
	Destroy(ctx context.Context, bc BundleContext) error
}

// ActivatorFactory creates a fresh activator instance for one activation.
type ActivatorFactory func(bc BundleContext) (Activator, error)

// ActivatorHandle is the opaque per-activation value produced by an ActivatorLoader.
type ActivatorHandle interface{}

// ActivatorLoader creates and drives bundle activators.
type ActivatorLoader interface {
	Create(ctx context.Context, bc BundleContext) (ActivatorHandle, error)
	Start(ctx context.Context, h ActivatorHandle, bc BundleContext) error
	Stop(ctx context.Context, h ActivatorHandle, bc BundleContext) error
	Destroy(ctx context.Context, h ActivatorHandle, bc BundleContext) error
}

// ActivatorRegistry maps manifest activator names to factories. Bundles are linked
// into the host binary and register their factory at init time.
type ActivatorRegistry struct {
	mu        sync.RWMutex
	factories map[string]ActivatorFactory
}

// NewActivatorRegistry creates an empty registry.
func NewActivatorRegistry() *ActivatorRegistry {
	return &ActivatorRegistry{factories: make(map[string]ActivatorFactory)}
}

var defaultActivators = NewActivatorRegistry()

// DefaultActivators returns the process-wide registry used when no loader is configured.
func DefaultActivators() *ActivatorRegistry { return defaultActivators }

// RegisterActivator adds a factory to the process-wide registry.
func RegisterActivator(name string, factory ActivatorFactory) error {
	return defaultActivators.Register(name, factory)
}

// Register adds a factory under name.
func (r *ActivatorRegistry) Register(name string, factory ActivatorFactory) error {
	if factory == nil {
		return fmt.Errorf("%w: activator factory %q", ErrCollaboratorNil, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivatorAlreadyExists, name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (r *ActivatorRegistry) Lookup(name string) (ActivatorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists registered activator names in sorted order.
func (r *ActivatorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegistryActivatorLoader resolves the manifest's activator name through an
// ActivatorRegistry. Bundles without an activator name get a nil handle and their
// start and stop are no-ops.
type RegistryActivatorLoader struct {
	registry *ActivatorRegistry
}

// NewRegistryActivatorLoader creates a loader backed by registry.
func NewRegistryActivatorLoader(registry *ActivatorRegistry) *RegistryActivatorLoader {
	return &RegistryActivatorLoader{registry: registry}
}

func (l *RegistryActivatorLoader) Create(_ context.Context, bc BundleContext) (ActivatorHandle, error) {
	name := bc.Manifest().Activator
	if name == "" {
		return nil, nil
	}
	factory, ok := l.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivatorNotRegistered, name)
	}
	act, err := factory(bc)
	if err != nil {
		return nil, fmt.Errorf("create activator %s: %w", name, err)
	}
	return act, nil
}

func (l *RegistryActivatorLoader) Start(ctx context.Context, h ActivatorHandle, bc BundleContext) error {
	if act, ok := h.(Activator); ok {
		return act.Start(ctx, bc)
	}
	return nil
}

func (l *RegistryActivatorLoader) Stop(ctx context.Context, h ActivatorHandle, bc BundleContext) error {
	if act, ok := h.(Activator); ok {
		return act.Stop(ctx, bc)
	}
	return nil
}

func (l *RegistryActivatorLoader) Destroy(ctx context.Context, h ActivatorHandle, bc BundleContext) error {
	if d, ok := h.(Destroyer); ok {
		return d.Destroy(ctx, bc)
	}
	return nil
}
