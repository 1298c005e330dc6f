package bundlehost

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/bundlehost/resolver"
)

// resolveBundle wires b's current module if it is not resolved yet. The caller holds
// b's lock. Providers resolved along the way are marked RESOLVED when their lock is
// free; otherwise their holder observes the resolved module on its next transition.
func (f *Framework) resolveBundle(ctx context.Context, b *Bundle) error {
	m := b.currentModule()
	if m == nil {
		return fmt.Errorf("%w: bundle %d has no module", ErrUnresolvedConstraint, b.id)
	}

	f.wiringMu.Lock()
	if m.resolved {
		f.wiringMu.Unlock()
		f.markResolved(b)
		return nil
	}

	result, err := f.resolver.Resolve(ctx, m.candidate(), f.candidatesExcept(b.id))
	if err != nil {
		f.wiringMu.Unlock()
		f.logger.Warn("Bundle could not be resolved", "bundle", b.id, "location", b.location, "error", err)
		return fmt.Errorf("%w: bundle %d (%s): %w", ErrUnresolvedConstraint, b.id, b.location, err)
	}
	if _, ok := result[b.id]; !ok {
		f.wiringMu.Unlock()
		return fmt.Errorf("%w: bundle %d: resolver returned no wiring", ErrUnresolvedConstraint, b.id)
	}

	var providers []*Bundle
	for id, wires := range result {
		other := b
		if id != b.id {
			if other = f.lookup(id); other == nil {
				continue
			}
			providers = append(providers, other)
		}
		mod := other.currentModule()
		if mod == nil || mod.resolved {
			continue
		}
		mod.wires = wires
		mod.resolved = true
	}
	f.wiringMu.Unlock()

	f.markResolved(b)
	for _, p := range providers {
		if f.locks.TryAcquire(ctx, p, StateInstalled) {
			f.markResolved(p)
			f.locks.Release(ctx, p)
		}
	}
	f.logger.Debug("Bundle resolved", "bundle", b.id, "location", b.location, "wired", len(result))
	return nil
}

func (f *Framework) markResolved(b *Bundle) {
	if f.locks.State(b) == StateInstalled {
		f.locks.SetState(b, StateResolved)
	}
}

// candidatesExcept lists the modules of every installed bundle other than id. The
// caller holds wiringMu.
func (f *Framework) candidatesExcept(id BundleID) []resolver.Candidate {
	bundles := f.installedBundles()
	out := make([]resolver.Candidate, 0, len(bundles))
	for _, other := range bundles {
		if other.id == id || f.locks.State(other) == StateUninstalled {
			continue
		}
		if mod := other.currentModule(); mod != nil {
			out = append(out, mod.candidate())
		}
	}
	return out
}
