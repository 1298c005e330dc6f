package bundlehost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
	"github.com/GoCodeAlone/bundlehost/registry"
	"github.com/GoCodeAlone/bundlehost/resolver"
)

// Option represents a functional option for configuring a framework
type Option func(*FrameworkBuilder) error

// FrameworkBuilder collects the collaborators of a framework before it is built.
type FrameworkBuilder struct {
	logger     Logger
	cfg        config.FrameworkConfig
	resolver   resolver.Resolver
	archives   archive.Loader
	memory     *archive.MemoryLoader
	store      archive.Store
	activators ActivatorLoader
	registry   *ActivatorRegistry
	services   ServiceRegistry
	instr      Instrumentation
	observers  []ObserverFunc
	properties map[string]string
}

// New creates a framework with the provided options. The framework bundle is left
// INSTALLED; call Start to run the start sequence.
func New(opts ...Option) (*Framework, error) {
	b := &FrameworkBuilder{properties: make(map[string]string)}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b.Build(context.Background())
}

// WithLogger sets the framework logger.
func WithLogger(logger Logger) Option {
	return func(b *FrameworkBuilder) error {
		if logger == nil {
			return fmt.Errorf("%w: logger", ErrCollaboratorNil)
		}
		b.logger = logger
		return nil
	}
}

// WithConfig sets the framework configuration. Zero values take their defaults.
func WithConfig(cfg config.FrameworkConfig) Option {
	return func(b *FrameworkBuilder) error {
		b.cfg = cfg
		return nil
	}
}

// WithResolver replaces the default resolver.
func WithResolver(r resolver.Resolver) Option {
	return func(b *FrameworkBuilder) error {
		if r == nil {
			return fmt.Errorf("%w: resolver", ErrCollaboratorNil)
		}
		b.resolver = r
		return nil
	}
}

// WithArchiveLoader replaces the default loader, which serves mem:// locations and
// falls back to directories and zip archives.
func WithArchiveLoader(l archive.Loader) Option {
	return func(b *FrameworkBuilder) error {
		if l == nil {
			return fmt.Errorf("%w: archive loader", ErrCollaboratorNil)
		}
		b.archives = l
		return nil
	}
}

// WithMemoryLoader sets the loader serving mem:// locations in the default loader.
func WithMemoryLoader(l *archive.MemoryLoader) Option {
	return func(b *FrameworkBuilder) error {
		if l == nil {
			return fmt.Errorf("%w: memory loader", ErrCollaboratorNil)
		}
		b.memory = l
		return nil
	}
}

// WithStore replaces the bundle state store.
func WithStore(s archive.Store) Option {
	return func(b *FrameworkBuilder) error {
		if s == nil {
			return fmt.Errorf("%w: store", ErrCollaboratorNil)
		}
		b.store = s
		return nil
	}
}

// WithActivatorLoader replaces the activator loader entirely.
func WithActivatorLoader(l ActivatorLoader) Option {
	return func(b *FrameworkBuilder) error {
		if l == nil {
			return fmt.Errorf("%w: activator loader", ErrCollaboratorNil)
		}
		b.activators = l
		return nil
	}
}

// WithActivatorRegistry resolves manifest activator names against r instead of the
// process-wide registry.
func WithActivatorRegistry(r *ActivatorRegistry) Option {
	return func(b *FrameworkBuilder) error {
		if r == nil {
			return fmt.Errorf("%w: activator registry", ErrCollaboratorNil)
		}
		b.registry = r
		return nil
	}
}

// WithServiceRegistry replaces the service registry.
func WithServiceRegistry(s ServiceRegistry) Option {
	return func(b *FrameworkBuilder) error {
		if s == nil {
			return fmt.Errorf("%w: service registry", ErrCollaboratorNil)
		}
		b.services = s
		return nil
	}
}

// WithInstrumentation reports lock, delivery and operation statistics to instr.
func WithInstrumentation(instr Instrumentation) Option {
	return func(b *FrameworkBuilder) error {
		b.instr = instr
		return nil
	}
}

// WithObserver subscribes fn to every bundle and framework event as CloudEvents.
func WithObserver(fn ObserverFunc) Option {
	return func(b *FrameworkBuilder) error {
		if fn == nil {
			return fmt.Errorf("%w: observer", ErrCollaboratorNil)
		}
		b.observers = append(b.observers, fn)
		return nil
	}
}

// WithProperties adds framework properties visible to bundles.
func WithProperties(props map[string]string) Option {
	return func(b *FrameworkBuilder) error {
		for k, v := range props {
			b.properties[k] = v
		}
		return nil
	}
}

// Build constructs the framework.
func (b *FrameworkBuilder) Build(ctx context.Context) (*Framework, error) {
	cfg := b.cfg
	if err := config.ApplyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("framework config: %w", err)
	}
	logger := b.logger
	if logger == nil {
		logger = nopLogger{}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("framework uuid: %w", err)
	}

	store, err := b.buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	archives, err := b.buildArchives(cfg, id.String())
	if err != nil {
		return nil, err
	}
	systemCaps, err := ParseCapabilities(cfg.SystemCapabilities)
	if err != nil {
		return nil, err
	}

	f := &Framework{
		cfg:        cfg,
		uuid:       id.String(),
		properties: make(map[string]string),
		logger:     logger,
		resolver:   b.resolver,
		archives:   archives,
		store:      store,
		activators: b.activators,
		services:   b.services,
		instr:      b.instr,
		byLocation: make(map[string]*Bundle),
		byID:       make(map[BundleID]*Bundle),
		removed:    make(map[BundleID]*Bundle),
		installing: cmap.New[chan struct{}](),
		stopping:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for k, v := range cfg.Properties {
		f.properties[k] = v
	}
	for k, v := range b.properties {
		f.properties[k] = v
	}
	f.properties[PropFrameworkUUID] = f.uuid
	f.properties[PropFrameworkVersion] = Version
	if cfg.StorageDir != "" {
		f.properties[PropStorageDir] = cfg.StorageDir
	}

	if f.resolver == nil {
		f.resolver = resolver.New()
	}
	if f.activators == nil {
		reg := b.registry
		if reg == nil {
			reg = DefaultActivators()
		}
		f.activators = NewRegistryActivatorLoader(reg)
	}
	if f.services == nil {
		f.services = registry.NewRegistry(logger)
	}

	f.locks = NewLockManager(logger, b.instr)
	f.dispatcher = lifecycle.NewDispatcher(&lifecycle.DispatchConfig{
		QueueHint:   int64(cfg.EventQueueHint),
		OwnerActive: f.ownerActive,
		Logger:      logger,
		Observer:    b.instr,
	})

	f.system = &Bundle{
		id:       FrameworkBundleID,
		location: SystemBundleLocation,
		state:    StateInstalled,
		module:   newSystemModule(Version, systemCaps),
	}
	f.registerBundle(f.system)

	if err := f.initNextID(ctx); err != nil {
		return nil, err
	}
	if err := f.dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("start event dispatcher: %w", err)
	}
	for _, fn := range b.observers {
		if err := f.addObserver(fn); err != nil {
			return nil, err
		}
	}
	logger.Debug("Framework created", "uuid", f.uuid, "storage", cfg.StorageDir)
	return f, nil
}

func (b *FrameworkBuilder) buildStore(ctx context.Context, cfg config.FrameworkConfig, logger Logger) (archive.Store, error) {
	store := b.store
	if store == nil {
		if cfg.StorageDir != "" {
			store = archive.NewFileStore(cfg.StorageDir)
		} else {
			store = archive.NewMemoryStore()
		}
	}
	if cfg.CleanStorage {
		logger.Info("Cleaning bundle cache", "dir", cfg.StorageDir)
		if err := store.Clean(ctx); err != nil {
			return nil, fmt.Errorf("%w: clean bundle cache: %w", ErrFileIO, err)
		}
	}
	return store, nil
}

func (b *FrameworkBuilder) buildArchives(cfg config.FrameworkConfig, instance string) (archive.Loader, error) {
	if b.archives != nil {
		return b.archives, nil
	}
	cacheDir := cfg.StorageDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "bundlehost-"+instance)
	}
	mux := archive.NewMux(archive.NewFileLoader(cacheDir))
	mem := b.memory
	if mem == nil {
		mem = archive.NewMemoryLoader()
	}
	mux.Handle("mem", mem)
	return mux, nil
}

// initNextID continues numbering after the highest id ever handed out.
func (f *Framework) initNextID(ctx context.Context) error {
	next, err := f.store.NextID(ctx)
	if err != nil {
		return fmt.Errorf("%w: read next bundle id: %w", ErrFileIO, err)
	}
	records, err := f.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: read bundle cache: %w", ErrFileIO, err)
	}
	for _, rec := range records {
		if rec.ID >= next {
			next = rec.ID + 1
		}
	}
	if next < 1 {
		next = 1
	}
	f.nextID = next
	return nil
}

// ParseCapabilities parses "namespace:name[@version]" entries.
func ParseCapabilities(specs []string) ([]resolver.Capability, error) {
	caps := make([]resolver.Capability, 0, len(specs))
	for _, spec := range specs {
		ns, rest, ok := strings.Cut(strings.TrimSpace(spec), ":")
		if !ok || ns == "" || rest == "" {
			return nil, fmt.Errorf("invalid capability %q: want namespace:name[@version]", spec)
		}
		name, version, _ := strings.Cut(rest, "@")
		if version != "" {
			canonical, err := resolver.Canonical(version)
			if err != nil {
				return nil, fmt.Errorf("invalid capability %q: %w", spec, err)
			}
			version = canonical
		}
		caps = append(caps, resolver.Capability{Namespace: ns, Name: name, Version: version})
	}
	return caps, nil
}
