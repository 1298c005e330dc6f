package bundlehost

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// RefreshBundles rewires the given bundles and every bundle depending on them,
// transitively. With no ids it refreshes uninstalled bundles awaiting removal and
// bundles updated since their last refresh. Members that were ACTIVE are stopped,
// given a fresh module from their current revision and started again. Refreshing the
// framework bundle restarts the framework in place.
func (f *Framework) RefreshBundles(ctx context.Context, ids ...BundleID) (err error) {
	ctx, _ = withLockOwner(ctx)
	defer f.observeOperation("refresh", time.Now(), &err)

	if !f.locks.IsRunning(ctx) {
		return ErrFrameworkShuttingDown
	}

	var roots []*Bundle
	if len(ids) == 0 {
		roots = f.removedBundles()
		for _, b := range f.installedBundles() {
			b.mu.RLock()
			pending := b.refreshPending
			b.mu.RUnlock()
			if pending {
				roots = append(roots, b)
			}
		}
	} else {
		for _, id := range ids {
			b := f.lookupAny(id)
			if b == nil {
				return fmt.Errorf("%w: id %d", ErrBundleNotFound, id)
			}
			roots = append(roots, b)
		}
	}
	if len(roots) == 0 {
		f.fireFrameworkEvent(lifecycle.FrameworkPackagesRefreshed, FrameworkBundleID, nil)
		return nil
	}
	return f.refreshBundles(ctx, roots)
}

// refreshBundles runs a refresh over the dependency closure of roots.
func (f *Framework) refreshBundles(ctx context.Context, roots []*Bundle) error {
	if err := f.locks.AcquireGlobal(ctx); err != nil {
		return err
	}
	defer f.locks.ReleaseGlobal(ctx)

	for _, b := range roots {
		if b.id == FrameworkBundleID {
			return f.restartInPlace(ctx)
		}
	}

	members := f.dependencyClosure(roots)
	locked := make([]*Bundle, 0, len(members))
	defer func() {
		for _, b := range locked {
			f.locks.Release(ctx, b)
		}
	}()
	for _, b := range members {
		if err := f.locks.Acquire(ctx, b, anyState); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		locked = append(locked, b)
	}
	f.logger.Debug("Refreshing bundles", "count", len(members))

	firstErr := f.cycle(ctx, members)
	f.fireFrameworkEvent(lifecycle.FrameworkPackagesRefreshed, FrameworkBundleID, nil)
	return firstErr
}

// cycle stops the ACTIVE members in reverse order, refreshes every member and starts
// the stopped ones again in order. It returns the first failure; the rest are logged.
func (f *Framework) cycle(ctx context.Context, members []*Bundle) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var restart []*Bundle
	for i := len(members) - 1; i >= 0; i-- {
		b := members[i]
		if f.locks.State(b) != StateActive {
			continue
		}
		restart = append([]*Bundle{b}, restart...)
		record(f.stopBundle(ctx, b, false))
	}
	for _, b := range members {
		record(f.refreshBundle(ctx, b))
	}
	for _, b := range restart {
		if err := f.startBundle(ctx, b); err != nil {
			f.logger.Warn("Bundle could not be restarted after refresh", "bundle", b.id, "location", b.location, "error", err)
			record(err)
		}
	}
	return firstErr
}

// refreshBundle discards the wiring of b. Uninstalled bundles are removed for good; the
// rest get a fresh module and return to INSTALLED. The caller holds b's lock.
func (f *Framework) refreshBundle(ctx context.Context, b *Bundle) error {
	b.mu.Lock()
	stale := b.stale
	b.stale = nil
	b.mu.Unlock()
	for _, rev := range stale {
		if err := f.archives.Close(ctx, rev); err != nil {
			f.logger.Warn("Releasing old bundle revision failed", "bundle", b.id, "revision", rev.Number, "error", err)
		}
	}

	if f.locks.State(b) == StateUninstalled {
		if rev := b.currentRevision(); rev != nil {
			if err := f.archives.Close(ctx, rev); err != nil {
				f.logger.Warn("Releasing bundle content failed", "bundle", b.id, "error", err)
			}
		}
		f.forgetBundle(b)
		if err := f.store.Delete(ctx, b.id); err != nil {
			return fmt.Errorf("%w: delete bundle %d: %w", ErrFileIO, b.id, err)
		}
		f.logger.Debug("Uninstalled bundle removed", "bundle", b.id, "location", b.location)
		return nil
	}

	f.wiringMu.Lock()
	b.mu.Lock()
	wasResolved := b.module != nil && b.module.resolved
	if b.revision != nil {
		b.module = newModule(b.revision)
	}
	b.refreshPending = false
	b.mu.Unlock()
	f.wiringMu.Unlock()

	f.locks.SetState(b, StateInstalled)
	if wasResolved {
		f.fireBundleEvent(lifecycle.BundleUnresolved, b)
	}
	return nil
}

// dependencyClosure returns roots plus every bundle wired to a member, transitively,
// in breadth-first collection order: roots first, then dependents as discovered. The
// framework bundle is never a member.
func (f *Framework) dependencyClosure(roots []*Bundle) []*Bundle {
	seen := make(map[BundleID]bool, len(roots))
	out := make([]*Bundle, 0, len(roots))
	for _, b := range roots {
		if !seen[b.id] && b.id != FrameworkBundleID {
			seen[b.id] = true
			out = append(out, b)
		}
	}

	installed := f.installedBundles()
	f.wiringMu.RLock()
	defer f.wiringMu.RUnlock()
	for next := 0; next < len(out); next++ {
		provider := out[next]
		for _, b := range installed {
			if seen[b.id] || b.id == FrameworkBundleID {
				continue
			}
			if mod := b.currentModule(); mod != nil && mod.wiredTo(provider.id) {
				seen[b.id] = true
				out = append(out, b)
			}
		}
	}
	return out
}

// wiringOrder sorts bundles so providers come before the bundles wired to them. Ids
// break ties; members of a wiring cycle keep id order.
func (f *Framework) wiringOrder(bundles []*Bundle) []*Bundle {
	sorted := append([]*Bundle(nil), bundles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	f.wiringMu.RLock()
	defer f.wiringMu.RUnlock()
	pending := make(map[BundleID]int, len(sorted))
	for _, b := range sorted {
		mod := b.currentModule()
		for _, p := range sorted {
			if p != b && mod != nil && mod.wiredTo(p.id) {
				pending[b.id]++
			}
		}
	}

	out := make([]*Bundle, 0, len(sorted))
	placed := make(map[BundleID]bool, len(sorted))
	for len(out) < len(sorted) {
		progressed := false
		for _, b := range sorted {
			if placed[b.id] || pending[b.id] > 0 {
				continue
			}
			placed[b.id] = true
			out = append(out, b)
			progressed = true
			for _, d := range sorted {
				if mod := d.currentModule(); !placed[d.id] && mod != nil && mod.wiredTo(b.id) {
					pending[d.id]--
				}
			}
			break
		}
		if !progressed {
			for _, b := range sorted {
				if !placed[b.id] {
					pending[b.id] = 0
					break
				}
			}
		}
	}
	return out
}

// restartInPlace refreshes every bundle and reruns the framework start sequence without
// tearing the Framework down. The caller holds the global lock.
func (f *Framework) restartInPlace(ctx context.Context) error {
	if err := f.locks.Acquire(ctx, f.system, notUninstalled); err != nil {
		return err
	}
	defer f.locks.Release(ctx, f.system)
	f.logger.Info("Restarting framework in place", "uuid", f.uuid)

	members := f.wiringOrder(append(f.removedBundles(), f.installedBundles()...))
	locked := make([]*Bundle, 0, len(members))
	defer func() {
		for _, b := range locked {
			f.locks.Release(ctx, b)
		}
	}()
	others := make([]*Bundle, 0, len(members))
	for _, b := range members {
		if b.id == FrameworkBundleID {
			continue
		}
		if err := f.locks.Acquire(ctx, b, anyState); err != nil {
			return fmt.Errorf("restart framework: %w", err)
		}
		locked = append(locked, b)
		others = append(others, b)
	}

	f.locks.SetState(f.system, StateStopping)
	err := f.cycle(ctx, others)
	f.locks.SetState(f.system, StateResolved)
	f.fireFrameworkEvent(lifecycle.FrameworkPackagesRefreshed, FrameworkBundleID, nil)
	f.runStartSequence(ctx)
	return err
}
