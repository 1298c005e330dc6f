package bundlehost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

const (
	// notUninstalled lets callers wait out transient states held by other owners.
	notUninstalled StateMask = StateInstalled | StateResolved | StateStarting | StateStopping | StateActive
	anyState       StateMask = notUninstalled | StateUninstalled
)

// InstallBundle installs a bundle from location, reading content from source when it is
// not empty. Installing a location that is already installed returns the existing id;
// concurrent installs of one location are serialized and yield the same id.
func (f *Framework) InstallBundle(ctx context.Context, location, source string) (id BundleID, err error) {
	ctx, _ = withLockOwner(ctx)
	defer f.observeOperation("install", time.Now(), &err)

	if strings.TrimSpace(location) == "" || location == SystemBundleLocation {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	if !f.locks.IsRunning(ctx) {
		return 0, ErrFrameworkShuttingDown
	}

	release, err := f.acquireInstallLock(ctx, location)
	if err != nil {
		return 0, err
	}
	defer release()

	if b := f.lookupLocation(location); b != nil {
		return b.id, nil
	}
	b, err := f.installNew(ctx, archive.Record{Location: location, Source: source, Revision: 1})
	if err != nil {
		return 0, err
	}
	return b.id, nil
}

// acquireInstallLock serializes installs per location. The returned func releases it.
func (f *Framework) acquireInstallLock(ctx context.Context, location string) (func(), error) {
	for {
		ch := make(chan struct{})
		if f.installing.SetIfAbsent(location, ch) {
			return func() {
				f.installing.Remove(location)
				close(ch)
			}, nil
		}
		wait, ok := f.installing.Get(location)
		if !ok {
			continue
		}
		select {
		case <-wait:
		case <-f.stopping:
			if !f.locks.IsRunning(ctx) {
				return nil, ErrFrameworkShuttingDown
			}
			<-wait
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: install %s: %w", ErrLockInterrupted, location, ctx.Err())
		}
	}
}

// installNew materializes and registers a bundle described by rec. A zero rec.ID
// allocates a fresh id; restored bundles keep theirs.
func (f *Framework) installNew(ctx context.Context, rec archive.Record) (*Bundle, error) {
	if err := f.locks.AcquireGlobal(ctx); err != nil {
		return nil, err
	}
	defer f.locks.ReleaseGlobal(ctx)

	id := rec.ID
	if id == 0 {
		var err error
		if id, err = f.allocateID(ctx); err != nil {
			return nil, err
		}
	} else {
		f.reserveID(id)
	}

	rev, err := f.archives.Materialize(ctx, archive.Request{
		BundleID: id,
		Location: rec.Location,
		Source:   rec.Source,
		Number:   rec.Revision,
	})
	if err != nil {
		f.logger.Error("Bundle content could not be loaded", "bundle", id, "location", rec.Location, "error", err)
		return nil, fmt.Errorf("%w: install %s: %w", ErrFileIO, rec.Location, err)
	}

	b := newBundle(id, rec.Location, rev)
	b.persistent = rec.PersistentState
	if err := f.store.Save(ctx, b.record()); err != nil {
		_ = f.archives.Close(ctx, rev)
		return nil, fmt.Errorf("%w: persist bundle %d: %w", ErrFileIO, id, err)
	}
	f.registerBundle(b)
	f.logger.Info("Bundle installed", "bundle", id, "location", rec.Location,
		"symbolicName", rev.Manifest.SymbolicName, "version", rev.Manifest.Version)
	f.fireBundleEvent(lifecycle.BundleInstalled, b)
	return b, nil
}

// StartBundle resolves and activates a bundle. Starting an ACTIVE bundle is a no-op.
// Starting id 0 starts the framework.
func (f *Framework) StartBundle(ctx context.Context, id BundleID) (err error) {
	ctx, _ = withLockOwner(ctx)
	if id == FrameworkBundleID {
		return f.Start(ctx)
	}
	defer f.observeOperation("start", time.Now(), &err)

	b := f.lookup(id)
	if b == nil {
		return fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
	}
	return f.startBundle(ctx, b)
}

func (f *Framework) startBundle(ctx context.Context, b *Bundle) error {
	if err := f.locks.Acquire(ctx, b, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, b)

	switch st := f.locks.State(b); st {
	case StateActive:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("%w: bundle %d is %s", ErrIllegalBundleState, b.id, st)
	}

	if err := f.setPersistent(ctx, b, archive.PersistentActive); err != nil {
		f.reportFailure(b, err)
		return err
	}
	if err := f.resolveBundle(ctx, b); err != nil {
		f.reportFailure(b, err)
		return err
	}

	f.locks.SetState(b, StateStarting)
	f.fireBundleEvent(lifecycle.BundleStarting, b)
	if err := f.activate(ctx, b); err != nil {
		f.releaseBundleResources(ctx, b)
		f.locks.SetState(b, StateResolved)
		err = fmt.Errorf("%w: bundle %d (%s): %w", ErrActivationFailure, b.id, b.location, err)
		f.reportFailure(b, err)
		return err
	}
	f.locks.SetState(b, StateActive)
	f.fireBundleEvent(lifecycle.BundleStarted, b)
	f.logger.Info("Bundle started", "bundle", b.id, "location", b.location)
	return nil
}

// StopBundle deactivates a bundle. With persist the bundle is also recorded as not
// to be started on the next framework start. Stopping a bundle that is not ACTIVE is a
// no-op. Stopping id 0 begins framework shutdown; once shutdown has begun it fails with
// ErrFrameworkShuttingDown like every other operation.
func (f *Framework) StopBundle(ctx context.Context, id BundleID, persist bool) (err error) {
	ctx, _ = withLockOwner(ctx)
	if id == FrameworkBundleID {
		if !f.locks.IsRunning(ctx) {
			return ErrFrameworkShuttingDown
		}
		return f.Stop()
	}
	defer f.observeOperation("stop", time.Now(), &err)

	b := f.lookup(id)
	if b == nil {
		return fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
	}
	return f.stopBundle(ctx, b, persist)
}

func (f *Framework) stopBundle(ctx context.Context, b *Bundle, persist bool) error {
	if err := f.locks.Acquire(ctx, b, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, b)

	st := f.locks.State(b)
	if st == StateStarting || st == StateStopping {
		return fmt.Errorf("%w: bundle %d is %s", ErrIllegalBundleState, b.id, st)
	}
	if persist {
		if err := f.setPersistent(ctx, b, archive.PersistentInactive); err != nil {
			f.reportFailure(b, err)
			return err
		}
	}
	if st != StateActive {
		return nil
	}

	f.locks.SetState(b, StateStopping)
	f.fireBundleEvent(lifecycle.BundleStopping, b)
	actErr := f.deactivate(ctx, b)
	f.releaseBundleResources(ctx, b)
	f.locks.SetState(b, StateResolved)
	f.fireBundleEvent(lifecycle.BundleStopped, b)

	if actErr != nil {
		err := fmt.Errorf("%w: bundle %d (%s): %w", ErrActivationFailure, b.id, b.location, actErr)
		f.reportFailure(b, err)
		return err
	}
	f.logger.Info("Bundle stopped", "bundle", b.id, "location", b.location)
	return nil
}

// UpdateBundle replaces a bundle's content with a new revision read from source (or
// from the previous source when empty). An ACTIVE bundle is stopped first and started
// again afterwards. Dependents keep their wiring until the next refresh.
func (f *Framework) UpdateBundle(ctx context.Context, id BundleID, source string) (err error) {
	ctx, _ = withLockOwner(ctx)
	if id == FrameworkBundleID {
		return f.RefreshBundles(ctx, FrameworkBundleID)
	}
	defer f.observeOperation("update", time.Now(), &err)

	b := f.lookup(id)
	if b == nil {
		return fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
	}
	return f.updateBundle(ctx, b, source)
}

func (f *Framework) updateBundle(ctx context.Context, b *Bundle, source string) error {
	if err := f.locks.Acquire(ctx, b, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, b)
	if err := f.locks.AcquireGlobal(ctx); err != nil {
		return err
	}
	defer f.locks.ReleaseGlobal(ctx)

	st := f.locks.State(b)
	if st == StateStarting || st == StateStopping {
		return fmt.Errorf("%w: bundle %d is %s", ErrIllegalBundleState, b.id, st)
	}
	wasActive := st == StateActive
	var stopErr error
	if wasActive {
		if stopErr = f.stopBundle(ctx, b, false); stopErr != nil {
			f.logger.Warn("Bundle stopped with errors before update", "bundle", b.id, "error", stopErr)
		}
	}

	old := b.currentRevision()
	if source == "" {
		source = old.Source
	}
	rev, err := f.archives.Materialize(ctx, archive.Request{
		BundleID: b.id,
		Location: b.location,
		Source:   source,
		Number:   old.Number + 1,
	})
	if err != nil {
		err = fmt.Errorf("%w: update bundle %d: %w", ErrFileIO, b.id, err)
		f.reportFailure(b, err)
		if wasActive {
			if serr := f.startBundle(ctx, b); serr != nil {
				f.logger.Error("Restarting bundle after failed update failed", "bundle", b.id, "error", serr)
			}
		}
		return err
	}

	b.mu.Lock()
	b.stale = append(b.stale, b.revision)
	b.revision = rev
	b.module = newModule(rev)
	b.lastModified = rev.LastModified
	b.refreshPending = true
	b.mu.Unlock()
	if err := f.store.Save(ctx, b.record()); err != nil {
		f.logger.Error("Persisting updated bundle failed", "bundle", b.id, "error", err)
		f.fireFrameworkEvent(lifecycle.FrameworkError, b.id, fmt.Errorf("%w: %w", ErrFileIO, err))
	}

	f.locks.SetState(b, StateInstalled)
	f.fireBundleEvent(lifecycle.BundleUnresolved, b)
	f.fireBundleEvent(lifecycle.BundleUpdated, b)
	f.logger.Info("Bundle updated", "bundle", b.id, "location", b.location, "revision", rev.Number)

	if wasActive {
		if err := f.startBundle(ctx, b); err != nil {
			return err
		}
	}
	return stopErr
}

// UninstallBundle stops a bundle, removes it from the registry and refreshes it
// together with every bundle wired to it.
func (f *Framework) UninstallBundle(ctx context.Context, id BundleID) (err error) {
	ctx, _ = withLockOwner(ctx)
	if id == FrameworkBundleID {
		return fmt.Errorf("%w: the framework bundle cannot be uninstalled", ErrIllegalBundleState)
	}
	defer f.observeOperation("uninstall", time.Now(), &err)

	b := f.lookup(id)
	if b == nil {
		return fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
	}
	return f.uninstallBundle(ctx, b)
}

func (f *Framework) uninstallBundle(ctx context.Context, b *Bundle) error {
	if err := f.locks.Acquire(ctx, b, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, b)
	if err := f.locks.AcquireGlobal(ctx); err != nil {
		return err
	}
	defer f.locks.ReleaseGlobal(ctx)

	st := f.locks.State(b)
	if st == StateStarting || st == StateStopping {
		return fmt.Errorf("%w: bundle %d is %s", ErrIllegalBundleState, b.id, st)
	}

	var errs []error
	if err := f.stopBundle(ctx, b, true); err != nil {
		f.logger.Warn("Bundle stopped with errors during uninstall", "bundle", b.id, "error", err)
		errs = append(errs, err)
	}
	if err := f.setPersistent(ctx, b, archive.PersistentUninstalled); err != nil {
		errs = append(errs, err)
	}

	f.unregisterBundle(b)
	f.locks.SetState(b, StateUninstalled)
	f.fireBundleEvent(lifecycle.BundleUnresolved, b)
	f.fireBundleEvent(lifecycle.BundleUninstalled, b)
	f.logger.Info("Bundle uninstalled", "bundle", b.id, "location", b.location)

	if err := f.refreshBundles(ctx, []*Bundle{b}); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (f *Framework) setPersistent(ctx context.Context, b *Bundle, ps archive.PersistentState) error {
	b.mu.Lock()
	changed := b.persistent != ps
	b.persistent = ps
	b.mu.Unlock()
	if !changed {
		return nil
	}
	if err := f.store.Save(ctx, b.record()); err != nil {
		return fmt.Errorf("%w: persist bundle %d: %w", ErrFileIO, b.id, err)
	}
	return nil
}

// releaseBundleResources drops what a bundle acquired through its context.
func (f *Framework) releaseBundleResources(ctx context.Context, b *Bundle) {
	if err := f.services.UnregisterAll(ctx, b.id); err != nil {
		f.logger.Warn("Unregistering services failed", "bundle", b.id, "error", err)
	}
	if err := f.services.UngetAll(ctx, b.id); err != nil {
		f.logger.Warn("Releasing used services failed", "bundle", b.id, "error", err)
	}
	f.removeListenersOwnedBy(b.id)
}

// reportFailure logs a failed transition and publishes it as a framework ERROR event.
func (f *Framework) reportFailure(b *Bundle, err error) {
	if errors.Is(err, ErrFrameworkShuttingDown) {
		f.logger.Debug("Lifecycle operation rejected during shutdown", "bundle", b.id)
		return
	}
	f.logger.Error("Bundle lifecycle operation failed", "bundle", b.id, "location", b.location, "error", err)
	f.fireFrameworkEvent(lifecycle.FrameworkError, b.id, err)
}
