package bundlehost

import (
	"context"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
	"github.com/GoCodeAlone/bundlehost/registry"
)

// Listener types re-exported from the lifecycle package.
type (
	BundleEvent       = lifecycle.BundleEvent
	FrameworkEvent    = lifecycle.FrameworkEvent
	BundleListener    = lifecycle.BundleListener
	FrameworkListener = lifecycle.FrameworkListener
	ListenerID        = lifecycle.ListenerID
)

// ServiceRegistry is the service registry the framework drives. The framework only
// needs UnregisterAll and UngetAll to clean up after a stopping bundle; the rest backs
// BundleContext.
type ServiceRegistry interface {
	Register(ctx context.Context, owner BundleID, reg *registry.ServiceRegistration) (registry.ServiceID, error)
	Unregister(ctx context.Context, owner BundleID, id registry.ServiceID) error
	Get(ctx context.Context, consumer BundleID, name string) (interface{}, registry.ServiceID, error)
	Unget(ctx context.Context, consumer BundleID, id registry.ServiceID) error
	UnregisterAll(ctx context.Context, owner BundleID) error
	UngetAll(ctx context.Context, consumer BundleID) error
	List(ctx context.Context) ([]registry.ServiceEntry, error)
}

// BundleContext is a bundle's view of the framework during one activation. Pass the
// context received by the activator into these calls to stay on the same lock owner.
type BundleContext interface {
	BundleID() BundleID
	Location() string
	Manifest() archive.Manifest
	Property(key string) (string, bool)
	Logger() Logger

	InstallBundle(ctx context.Context, location, source string) (BundleID, error)
	StartBundle(ctx context.Context, id BundleID) error
	StopBundle(ctx context.Context, id BundleID, persist bool) error
	UpdateBundle(ctx context.Context, id BundleID, source string) error
	UninstallBundle(ctx context.Context, id BundleID) error
	Bundle(id BundleID) (BundleInfo, error)
	Bundles() []BundleInfo

	RegisterService(ctx context.Context, name string, svc interface{}, props map[string]string) (registry.ServiceID, error)
	UnregisterService(ctx context.Context, id registry.ServiceID) error
	GetService(ctx context.Context, name string) (interface{}, registry.ServiceID, error)
	UngetService(ctx context.Context, id registry.ServiceID) error

	AddBundleListener(l BundleListener) (ListenerID, error)
	RemoveBundleListener(id ListenerID) error
	AddFrameworkListener(l FrameworkListener) (ListenerID, error)
	RemoveFrameworkListener(id ListenerID) error
}

type bundleContext struct {
	fw       *Framework
	bundle   *Bundle
	manifest archive.Manifest
	logger   Logger
}

func newBundleContext(fw *Framework, b *Bundle) *bundleContext {
	bc := &bundleContext{fw: fw, bundle: b}
	if rev := b.currentRevision(); rev != nil {
		bc.manifest = rev.Manifest
	}
	bc.logger = WithArgs(fw.logger, "bundle", b.id, "symbolicName", bc.manifest.SymbolicName)
	return bc
}

func (c *bundleContext) BundleID() BundleID         { return c.bundle.id }
func (c *bundleContext) Location() string           { return c.bundle.location }
func (c *bundleContext) Manifest() archive.Manifest { return c.manifest }
func (c *bundleContext) Logger() Logger             { return c.logger }

func (c *bundleContext) Property(key string) (string, bool) {
	return c.fw.Property(key)
}

func (c *bundleContext) InstallBundle(ctx context.Context, location, source string) (BundleID, error) {
	return c.fw.InstallBundle(ctx, location, source)
}

func (c *bundleContext) StartBundle(ctx context.Context, id BundleID) error {
	return c.fw.StartBundle(ctx, id)
}

func (c *bundleContext) StopBundle(ctx context.Context, id BundleID, persist bool) error {
	return c.fw.StopBundle(ctx, id, persist)
}

func (c *bundleContext) UpdateBundle(ctx context.Context, id BundleID, source string) error {
	return c.fw.UpdateBundle(ctx, id, source)
}

func (c *bundleContext) UninstallBundle(ctx context.Context, id BundleID) error {
	return c.fw.UninstallBundle(ctx, id)
}

func (c *bundleContext) Bundle(id BundleID) (BundleInfo, error) { return c.fw.GetBundleByID(id) }

func (c *bundleContext) Bundles() []BundleInfo {
	ids := c.fw.ListBundles()
	out := make([]BundleInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := c.fw.GetBundleByID(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

func (c *bundleContext) RegisterService(ctx context.Context, name string, svc interface{}, props map[string]string) (registry.ServiceID, error) {
	return c.fw.services.Register(ctx, c.bundle.id, &registry.ServiceRegistration{
		Name:       name,
		Service:    svc,
		Properties: props,
	})
}

func (c *bundleContext) UnregisterService(ctx context.Context, id registry.ServiceID) error {
	return c.fw.services.Unregister(ctx, c.bundle.id, id)
}

func (c *bundleContext) GetService(ctx context.Context, name string) (interface{}, registry.ServiceID, error) {
	return c.fw.services.Get(ctx, c.bundle.id, name)
}

func (c *bundleContext) UngetService(ctx context.Context, id registry.ServiceID) error {
	return c.fw.services.Unget(ctx, c.bundle.id, id)
}

func (c *bundleContext) AddBundleListener(l BundleListener) (ListenerID, error) {
	return c.fw.AddBundleListener(c.bundle.id, l)
}

func (c *bundleContext) RemoveBundleListener(id ListenerID) error {
	return c.fw.RemoveBundleListener(c.bundle.id, id)
}

func (c *bundleContext) AddFrameworkListener(l FrameworkListener) (ListenerID, error) {
	return c.fw.AddFrameworkListener(c.bundle.id, l)
}

func (c *bundleContext) RemoveFrameworkListener(id ListenerID) error {
	return c.fw.RemoveFrameworkListener(c.bundle.id, id)
}
