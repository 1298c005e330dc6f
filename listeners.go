package bundlehost

import (
	"fmt"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// AddBundleListener registers l on behalf of owner. Listeners are invoked on the
// dispatcher goroutine in registration order, and only while owner is STARTING or
// ACTIVE. Listeners owned by the framework bundle receive events for the framework's
// whole life.
func (f *Framework) AddBundleListener(owner BundleID, l BundleListener) (ListenerID, error) {
	if l == nil {
		return 0, ErrListenerNil
	}
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	id := ListenerID(f.lastListenerID.Add(1))
	f.bundleListeners = append(f.bundleListeners, lifecycle.Registration{ID: id, Owner: owner, Bundle: l})
	return id, nil
}

// RemoveBundleListener unregisters a listener previously added by owner.
func (f *Framework) RemoveBundleListener(owner BundleID, id ListenerID) error {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	out, ok := removeRegistration(f.bundleListeners, owner, id)
	if !ok {
		return fmt.Errorf("%w: bundle listener %d of bundle %d", ErrListenerNotFound, id, owner)
	}
	f.bundleListeners = out
	return nil
}

// AddFrameworkListener registers l on behalf of owner; see AddBundleListener.
func (f *Framework) AddFrameworkListener(owner BundleID, l FrameworkListener) (ListenerID, error) {
	if l == nil {
		return 0, ErrListenerNil
	}
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	id := ListenerID(f.lastListenerID.Add(1))
	f.frameworkListeners = append(f.frameworkListeners, lifecycle.Registration{ID: id, Owner: owner, Framework: l})
	return id, nil
}

// RemoveFrameworkListener unregisters a listener previously added by owner.
func (f *Framework) RemoveFrameworkListener(owner BundleID, id ListenerID) error {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	out, ok := removeRegistration(f.frameworkListeners, owner, id)
	if !ok {
		return fmt.Errorf("%w: framework listener %d of bundle %d", ErrListenerNotFound, id, owner)
	}
	f.frameworkListeners = out
	return nil
}

func removeRegistration(regs []lifecycle.Registration, owner BundleID, id ListenerID) ([]lifecycle.Registration, bool) {
	for i, r := range regs {
		if r.ID == id && r.Owner == owner {
			out := make([]lifecycle.Registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}

// removeListenersOwnedBy drops every listener registered by a stopping bundle.
func (f *Framework) removeListenersOwnedBy(owner BundleID) {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()
	keep := func(regs []lifecycle.Registration) []lifecycle.Registration {
		out := make([]lifecycle.Registration, 0, len(regs))
		for _, r := range regs {
			if r.Owner != owner {
				out = append(out, r)
			}
		}
		return out
	}
	f.bundleListeners = keep(f.bundleListeners)
	f.frameworkListeners = keep(f.frameworkListeners)
}

// ownerActive is the dispatcher's delivery filter.
func (f *Framework) ownerActive(owner BundleID) bool {
	if owner == FrameworkBundleID {
		return true
	}
	b := f.lookupAny(owner)
	if b == nil {
		return false
	}
	return f.locks.State(b).In(StateStarting | StateActive)
}

// fireBundleEvent posts a bundle event with a snapshot of the current listeners.
// Events about the framework bundle itself are not published.
func (f *Framework) fireBundleEvent(typ lifecycle.BundleEventType, b *Bundle) {
	if b.id == FrameworkBundleID {
		return
	}
	ev := lifecycle.NewBundleEvent(typ, b.id, b.location)
	f.listenersMu.RLock()
	snapshot := append([]lifecycle.Registration(nil), f.bundleListeners...)
	f.listenersMu.RUnlock()
	if err := f.dispatcher.Post(lifecycle.Event{Bundle: &ev}, snapshot); err != nil {
		f.logger.Debug("Bundle event dropped", "event", typ, "bundle", b.id, "error", err)
	}
}

// fireFrameworkEvent posts a framework event with a snapshot of the current listeners.
func (f *Framework) fireFrameworkEvent(typ lifecycle.FrameworkEventType, id BundleID, cause error) {
	ev := lifecycle.NewFrameworkEvent(typ, id, cause)
	f.listenersMu.RLock()
	snapshot := append([]lifecycle.Registration(nil), f.frameworkListeners...)
	f.listenersMu.RUnlock()
	if err := f.dispatcher.Post(lifecycle.Event{Framework: &ev}, snapshot); err != nil {
		f.logger.Debug("Framework event dropped", "event", typ, "bundle", id, "error", err)
	}
}
