package bundlehost

import (
	"context"
	"errors"
	"fmt"
)

// activate creates the bundle's activator and runs its start callback. The caller holds
// the bundle lock. On failure the activator is destroyed and nothing is retained.
func (f *Framework) activate(ctx context.Context, b *Bundle) (err error) {
	bc := newBundleContext(f, b)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activator panicked: %v", r)
			f.releaseActivation(ctx, b, bc)
		}
	}()

	handle, err := f.activators.Create(ctx, bc)
	if err != nil {
		return fmt.Errorf("create activator: %w", err)
	}
	b.activator = handle
	b.context = bc

	if err := f.activators.Start(ctx, handle, bc); err != nil {
		f.releaseActivation(ctx, b, bc)
		return fmt.Errorf("start activator: %w", err)
	}
	b.activated = true
	return nil
}

// deactivate runs the stop callback of an activated bundle and destroys its activator.
// Bundles that never reached ACTIVE have nothing to undo.
func (f *Framework) deactivate(ctx context.Context, b *Bundle) (err error) {
	if !b.activated {
		return nil
	}
	bc := b.context
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(err, fmt.Errorf("activator panicked: %v", r))
		}
		b.activator = nil
		b.context = nil
		b.activated = false
	}()

	var stopErr, destroyErr error
	if stopErr = f.activators.Stop(ctx, b.activator, bc); stopErr != nil {
		stopErr = fmt.Errorf("stop activator: %w", stopErr)
	}
	if destroyErr = f.activators.Destroy(ctx, b.activator, bc); destroyErr != nil {
		destroyErr = fmt.Errorf("destroy activator: %w", destroyErr)
	}
	return errors.Join(stopErr, destroyErr)
}

func (f *Framework) releaseActivation(ctx context.Context, b *Bundle, bc *bundleContext) {
	if b.activator != nil {
		if derr := f.activators.Destroy(ctx, b.activator, bc); derr != nil {
			f.logger.Warn("Activator destroy failed after start failure", "bundle", b.id, "error", derr)
		}
	}
	b.activator = nil
	b.context = nil
	b.activated = false
}
