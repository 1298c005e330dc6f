// Package bundlehost is a dynamic bundle runtime: bundles are installed from a
// location, resolved against each other's declared capabilities, activated, updated
// and removed while the rest of the process keeps running.
//
// The Framework is the single aggregate owning the bundle registry, the lock manager
// and the event dispatcher. Every lifecycle operation takes a context.Context; the
// context carries lock ownership, so calls made from inside an activator with the
// context it received re-enter locks already held further up the same call chain.
package bundlehost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
	"github.com/GoCodeAlone/bundlehost/resolver"
)

// Version is the framework version advertised by the framework bundle.
const Version = "1.0.0"

// Framework property keys set by the framework itself.
const (
	PropFrameworkUUID    = "bundlehost.framework.uuid"
	PropFrameworkVersion = "bundlehost.framework.version"
	PropStorageDir       = "bundlehost.storage.dir"
)

// Instrumentation receives framework statistics. It may be nil.
type Instrumentation interface {
	LockObserver
	lifecycle.DeliveryObserver
	ObserveOperation(op string, d time.Duration, err error)
}

// Framework hosts bundles.
type Framework struct {
	cfg        config.FrameworkConfig
	uuid       string
	properties map[string]string

	logger     Logger
	locks      *LockManager
	dispatcher *lifecycle.Dispatcher
	resolver   resolver.Resolver
	archives   archive.Loader
	store      archive.Store
	activators ActivatorLoader
	services   ServiceRegistry
	instr      Instrumentation

	mu         sync.RWMutex
	byLocation map[string]*Bundle
	byID       map[BundleID]*Bundle
	removed    map[BundleID]*Bundle
	nextID     BundleID

	wiringMu   sync.RWMutex
	installing cmap.ConcurrentMap[string, chan struct{}]

	listenersMu        sync.RWMutex
	bundleListeners    []lifecycle.Registration
	frameworkListeners []lifecycle.Registration
	lastListenerID     atomic.Uint64

	system   *Bundle
	restored atomic.Bool

	stopOnce sync.Once
	stopping chan struct{}
	stopped  chan struct{}
	stopErr  error
}

// UUID returns the id of this framework instance.
func (f *Framework) UUID() string { return f.uuid }

// Property returns a framework property.
func (f *Framework) Property(key string) (string, bool) {
	v, ok := f.properties[key]
	return v, ok
}

// Properties returns a copy of the framework properties.
func (f *Framework) Properties() map[string]string {
	out := make(map[string]string, len(f.properties))
	for k, v := range f.properties {
		out[k] = v
	}
	return out
}

// Services returns the service registry bundles publish into.
func (f *Framework) Services() ServiceRegistry { return f.services }

// State returns the framework bundle's state.
func (f *Framework) State() State { return f.locks.State(f.system) }

// Start runs the start sequence: restore persisted bundles, install and start the
// configured bundles, then move the framework to ACTIVE and publish STARTED. Failures
// of individual bundles are logged and published as ERROR events; they do not fail
// Start. Starting an ACTIVE framework is a no-op.
func (f *Framework) Start(ctx context.Context) (err error) {
	ctx, _ = withLockOwner(ctx)
	defer f.observeOperation("framework_start", time.Now(), &err)

	if err := f.locks.Acquire(ctx, f.system, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, f.system)

	switch st := f.locks.State(f.system); st {
	case StateActive:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("%w: framework is %s", ErrIllegalBundleState, st)
	}
	f.runStartSequence(ctx)
	return nil
}

// runStartSequence is idempotent so the framework can be restarted in place. The
// caller holds the framework bundle lock.
func (f *Framework) runStartSequence(ctx context.Context) {
	f.locks.SetState(f.system, StateStarting)
	f.logger.Info("Framework starting", "uuid", f.uuid, "version", Version)

	if f.restored.CompareAndSwap(false, true) {
		if err := f.restoreBundles(ctx); err != nil {
			f.logger.Error("Restoring persisted bundles failed", "error", err)
			f.fireFrameworkEvent(lifecycle.FrameworkError, FrameworkBundleID, err)
		}
	}
	if err := f.launch(ctx); err != nil {
		f.logger.Error("Launching configured bundles failed", "error", err)
	}

	f.locks.SetState(f.system, StateActive)
	f.fireFrameworkEvent(lifecycle.FrameworkStarted, FrameworkBundleID, nil)
	f.logger.Info("Framework started", "uuid", f.uuid, "bundles", len(f.ListBundles()))
}

// Stop begins an asynchronous shutdown and returns immediately. From now on lifecycle
// operations fail with ErrFrameworkShuttingDown. Use WaitForStop or Shutdown to wait.
func (f *Framework) Stop() error {
	f.stopOnce.Do(func() {
		ctx, _ := withLockOwner(context.Background())
		f.locks.Shutdown(ctx)
		close(f.stopping)
		go f.shutdown(ctx)
	})
	return nil
}

// WaitForStop blocks until shutdown has completed and returns its error.
func (f *Framework) WaitForStop() error {
	<-f.stopped
	return f.stopErr
}

// Shutdown stops the framework and waits for completion or ctx.
func (f *Framework) Shutdown(ctx context.Context) error {
	_ = f.Stop()
	select {
	case <-f.stopped:
		return f.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once shutdown has completed.
func (f *Framework) Stopped() <-chan struct{} { return f.stopped }

func (f *Framework) shutdown(ctx context.Context) {
	defer close(f.stopped)
	start := time.Now()

	if f.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := f.locks.Acquire(ctx, f.system, notUninstalled); err != nil {
		errs = append(errs, fmt.Errorf("lock framework bundle: %w", err))
	} else {
		f.locks.SetState(f.system, StateStopping)
		f.logger.Info("Framework stopping", "uuid", f.uuid)

		bundles := f.installedBundles()
		for i := len(bundles) - 1; i >= 0; i-- {
			b := bundles[i]
			if b.id == FrameworkBundleID {
				continue
			}
			if err := f.stopBundle(ctx, b, false); err != nil {
				f.logger.Error("Stopping bundle during shutdown failed", "bundle", b.id, "location", b.location, "error", err)
				errs = append(errs, err)
			}
		}
		f.fireFrameworkEvent(lifecycle.FrameworkStopped, FrameworkBundleID, nil)
		f.locks.SetState(f.system, StateResolved)
		f.locks.Release(ctx, f.system)
	}

	if err := f.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain event queue: %w", err))
	}
	f.stopErr = errors.Join(errs...)
	f.observeOperation("framework_stop", start, &f.stopErr)
	f.logger.Info("Framework stopped", "uuid", f.uuid, "duration", time.Since(start))
}

// WaitForEmptyEventQueue blocks until every event posted so far has been delivered.
func (f *Framework) WaitForEmptyEventQueue(ctx context.Context) error {
	return f.dispatcher.WaitForEmpty(ctx)
}

// PendingEvents returns the number of queued, undelivered events.
func (f *Framework) PendingEvents() int { return f.dispatcher.Pending() }

// GetBundle returns the id of the bundle installed from location.
func (f *Framework) GetBundle(location string) (BundleID, bool) {
	if b := f.lookupLocation(location); b != nil {
		return b.id, true
	}
	return 0, false
}

// GetBundleByID returns a snapshot of an installed bundle.
func (f *Framework) GetBundleByID(id BundleID) (BundleInfo, error) {
	b := f.lookup(id)
	if b == nil {
		return BundleInfo{}, fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
	}
	return f.info(b), nil
}

// ListBundles returns the ids of all installed bundles in ascending order, including
// the framework bundle.
func (f *Framework) ListBundles() []BundleID {
	bundles := f.installedBundles()
	ids := make([]BundleID, len(bundles))
	for i, b := range bundles {
		ids[i] = b.id
	}
	return ids
}

// StateCounts returns how many installed bundles are in each state.
func (f *Framework) StateCounts() map[State]int {
	counts := make(map[State]int)
	for _, b := range f.installedBundles() {
		counts[f.locks.State(b)]++
	}
	return counts
}

func (f *Framework) info(b *Bundle) BundleInfo {
	st := f.locks.State(b)
	info := BundleInfo{
		ID:        b.id,
		Location:  b.location,
		State:     st,
		StateName: st.String(),
	}
	b.mu.RLock()
	info.PersistentState = b.persistent
	info.LastModified = b.lastModified
	info.RefreshPending = b.refreshPending
	if b.revision != nil {
		info.Revision = b.revision.Number
		info.SymbolicName = b.revision.Manifest.SymbolicName
		info.Version = b.revision.Manifest.Version
	}
	mod := b.module
	b.mu.RUnlock()

	if b.id == FrameworkBundleID {
		info.SymbolicName = "bundlehost.framework"
		info.Version = Version
		info.Revision = 1
	}
	if mod != nil {
		f.wiringMu.RLock()
		info.Resolved = mod.resolved
		f.wiringMu.RUnlock()
	}
	return info
}

func (f *Framework) observeOperation(op string, start time.Time, err *error) {
	if f.instr == nil {
		return
	}
	var e error
	if err != nil {
		e = *err
	}
	f.instr.ObserveOperation(op, time.Since(start), e)
}

func (f *Framework) lookup(id BundleID) *Bundle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byID[id]
}

// lookupAny also finds uninstalled bundles awaiting refresh.
func (f *Framework) lookupAny(id BundleID) *Bundle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if b, ok := f.byID[id]; ok {
		return b
	}
	return f.removed[id]
}

func (f *Framework) lookupLocation(location string) *Bundle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.byLocation[location]
}

func (f *Framework) installedBundles() []*Bundle {
	f.mu.RLock()
	out := make([]*Bundle, 0, len(f.byID))
	for _, b := range f.byID {
		out = append(out, b)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *Framework) removedBundles() []*Bundle {
	f.mu.RLock()
	out := make([]*Bundle, 0, len(f.removed))
	for _, b := range f.removed {
		out = append(out, b)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// registerBundle inserts b. The caller holds the global lock.
func (f *Framework) registerBundle(b *Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byLocation[b.location] = b
	f.byID[b.id] = b
}

// unregisterBundle moves b to the removal-pending set. The caller holds the global lock.
func (f *Framework) unregisterBundle(b *Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byLocation, b.location)
	delete(f.byID, b.id)
	f.removed[b.id] = b
}

// forgetBundle drops a refreshed uninstalled bundle. The caller holds the global lock.
func (f *Framework) forgetBundle(b *Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.removed, b.id)
}

// allocateID hands out the next bundle id and persists the counter.
func (f *Framework) allocateID(ctx context.Context) (BundleID, error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	next := f.nextID
	f.mu.Unlock()
	if err := f.store.SetNextID(ctx, next); err != nil {
		return 0, fmt.Errorf("%w: persist next bundle id: %w", ErrFileIO, err)
	}
	return id, nil
}

// reserveID makes sure ids up to and including id are never handed out again.
func (f *Framework) reserveID(id BundleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id >= f.nextID {
		f.nextID = id + 1
	}
}
