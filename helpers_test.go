package bundlehost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
	"github.com/GoCodeAlone/bundlehost/resolver"
)

// testHost bundles a framework with the in-memory collaborators tests drive it through.
type testHost struct {
	fw         *Framework
	memory     *archive.MemoryLoader
	activators *ActivatorRegistry
	events     *eventRecorder
}

func newTestHost(t *testing.T, opts ...Option) *testHost {
	t.Helper()
	h := &testHost{
		memory:     archive.NewMemoryLoader(),
		activators: NewActivatorRegistry(),
		events:     &eventRecorder{},
	}
	base := []Option{
		WithMemoryLoader(h.memory),
		WithActivatorRegistry(h.activators),
		WithConfig(config.FrameworkConfig{ShutdownTimeout: 5 * time.Second}),
	}
	fw, err := New(append(base, opts...)...)
	require.NoError(t, err)
	h.fw = fw
	h.events.attach(t, fw)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = fw.Shutdown(ctx)
	})
	return h
}

func (h *testHost) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.fw.Start(context.Background()))
}

// bundle registers a mem:// manifest and returns its location.
func (h *testHost) bundle(t *testing.T, name string, mutate ...func(*archive.Manifest)) string {
	t.Helper()
	m := archive.Manifest{SymbolicName: name, Version: "1.0.0"}
	for _, fn := range mutate {
		fn(&m)
	}
	location := "mem://" + name
	require.NoError(t, h.memory.Register(location, m))
	return location
}

func (h *testHost) install(t *testing.T, location string) BundleID {
	t.Helper()
	id, err := h.fw.InstallBundle(context.Background(), location, "")
	require.NoError(t, err)
	return id
}

func (h *testHost) state(t *testing.T, id BundleID) State {
	t.Helper()
	info, err := h.fw.GetBundleByID(id)
	require.NoError(t, err)
	return info.State
}

func (h *testHost) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.fw.WaitForEmptyEventQueue(ctx))
}

func withActivator(name string) func(*archive.Manifest) {
	return func(m *archive.Manifest) { m.Activator = name }
}

func providing(ns, name, version string) func(*archive.Manifest) {
	return func(m *archive.Manifest) {
		m.Provides = append(m.Provides, resolver.Capability{Namespace: ns, Name: name, Version: version})
	}
}

func requiring(ns, name, rng string, optional bool) func(*archive.Manifest) {
	return func(m *archive.Manifest) {
		m.Requires = append(m.Requires, resolver.Requirement{Namespace: ns, Name: name, Range: rng, Optional: optional})
	}
}

// eventRecorder captures events through framework-owned listeners.
type eventRecorder struct {
	mu        sync.Mutex
	bundle    []lifecycle.BundleEvent
	framework []lifecycle.FrameworkEvent
}

func (r *eventRecorder) attach(t *testing.T, fw *Framework) {
	t.Helper()
	_, err := fw.AddBundleListener(FrameworkBundleID, func(e BundleEvent) {
		r.mu.Lock()
		r.bundle = append(r.bundle, e)
		r.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = fw.AddFrameworkListener(FrameworkBundleID, func(e FrameworkEvent) {
		r.mu.Lock()
		r.framework = append(r.framework, e)
		r.mu.Unlock()
	})
	require.NoError(t, err)
}

// bundleTypes returns the event type names recorded for id, in delivery order.
func (r *eventRecorder) bundleTypes(id BundleID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.bundle {
		if e.BundleID == id {
			out = append(out, e.Type.String())
		}
	}
	return out
}

func (r *eventRecorder) frameworkTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.framework))
	for _, e := range r.framework {
		out = append(out, e.Type.String())
	}
	return out
}

func (r *eventRecorder) frameworkErrors(id BundleID) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, e := range r.framework {
		if e.Type == lifecycle.FrameworkError && e.BundleID == id {
			out = append(out, e.Err)
		}
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundle = nil
	r.framework = nil
}

// funcActivator adapts plain functions to Activator.
type funcActivator struct {
	start   func(ctx context.Context, bc BundleContext) error
	stop    func(ctx context.Context, bc BundleContext) error
	destroy func(ctx context.Context, bc BundleContext) error
}

func (a *funcActivator) Start(ctx context.Context, bc BundleContext) error {
	if a.start == nil {
		return nil
	}
	return a.start(ctx, bc)
}

func (a *funcActivator) Stop(ctx context.Context, bc BundleContext) error {
	if a.stop == nil {
		return nil
	}
	return a.stop(ctx, bc)
}

func (a *funcActivator) Destroy(ctx context.Context, bc BundleContext) error {
	if a.destroy == nil {
		return nil
	}
	return a.destroy(ctx, bc)
}

func registerActivator(t *testing.T, reg *ActivatorRegistry, name string, act *funcActivator) {
	t.Helper()
	require.NoError(t, reg.Register(name, func(BundleContext) (Activator, error) { return act, nil }))
}

var errBoom = errors.New("boom")

// counter is a goroutine-safe call counter.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[key]++
}

func (c *counter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
}

func bundleLocation(i int) string { return fmt.Sprintf("mem://bundle-%d", i) }

// callLog records activator calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// loggingActivator records "start <name>" and "stop <name>" in log.
func loggingActivator(log *callLog, name string) *funcActivator {
	return &funcActivator{
		start: func(context.Context, BundleContext) error {
			log.add("start " + name)
			return nil
		},
		stop: func(context.Context, BundleContext) error {
			log.add("stop " + name)
			return nil
		},
	}
}

// globalHeld reports whether any owner holds the global lock.
func (lm *LockManager) globalHeld() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.globalOwner != 0
}
