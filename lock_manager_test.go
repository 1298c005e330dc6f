package bundlehost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func owned() context.Context {
	ctx, _ := withLockOwner(context.Background())
	return ctx
}

func TestWithLockOwner(t *testing.T) {
	t.Parallel()
	ctx, owner := withLockOwner(context.Background())
	assert.NotZero(t, owner)

	same, again := withLockOwner(ctx)
	assert.Equal(t, owner, again)
	assert.Equal(t, ctx, same)

	_, other := withLockOwner(context.Background())
	assert.NotEqual(t, owner, other)
}

func TestLockManager_Reentrant(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)
	a, other := owned(), owned()

	require.NoError(t, lm.Acquire(a, b, notUninstalled))
	require.NoError(t, lm.Acquire(a, b, notUninstalled))
	assert.True(t, lm.HoldsLock(a, b))
	assert.False(t, lm.TryAcquire(other, b, notUninstalled))

	lm.Release(a, b)
	assert.False(t, lm.TryAcquire(other, b, notUninstalled), "still held once")
	lm.Release(a, b)
	assert.True(t, lm.TryAcquire(other, b, notUninstalled))
	lm.Release(other, b)

	lm.Release(a, b) // not held: ignored
	assert.False(t, lm.HoldsLock(a, b))
}

func TestLockManager_StateMask(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)

	err := lm.Acquire(owned(), b, StateActive)
	assert.ErrorIs(t, err, ErrIllegalBundleState)

	lm.SetState(b, StateUninstalled)
	assert.ErrorIs(t, lm.Acquire(owned(), b, notUninstalled), ErrIllegalBundleState)
	assert.NoError(t, lm.Acquire(owned(), b, anyState))
}

func TestLockManager_WaiterSeesStateChange(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)
	holder := owned()
	require.NoError(t, lm.Acquire(holder, b, notUninstalled))

	done := make(chan error, 1)
	go func() { done <- lm.Acquire(owned(), b, notUninstalled) }()

	time.Sleep(20 * time.Millisecond)
	lm.SetState(b, StateUninstalled)
	lm.Release(holder, b)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrIllegalBundleState)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the uninstall")
	}
}

func TestLockManager_ContextCancellation(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)
	require.NoError(t, lm.Acquire(owned(), b, notUninstalled))

	ctx, cancel := context.WithTimeout(owned(), 30*time.Millisecond)
	defer cancel()
	err := lm.Acquire(ctx, b, notUninstalled)
	assert.ErrorIs(t, err, ErrLockInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	holder := owned()
	require.NoError(t, lm.AcquireGlobal(holder))
	gctx, gcancel := context.WithTimeout(owned(), 30*time.Millisecond)
	defer gcancel()
	assert.ErrorIs(t, lm.AcquireGlobal(gctx), ErrLockInterrupted)
}

func TestLockManager_GlobalBlocksBundleLocks(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)
	global := owned()

	require.NoError(t, lm.AcquireGlobal(global))
	require.NoError(t, lm.AcquireGlobal(global), "global lock is reentrant")
	assert.True(t, lm.HoldsGlobal(global))
	require.NoError(t, lm.Acquire(global, b, notUninstalled), "the global holder may lock bundles")
	lm.Release(global, b)

	other := owned()
	assert.False(t, lm.TryAcquire(other, b, notUninstalled))

	acquired := make(chan error, 1)
	go func() { acquired <- lm.Acquire(other, b, notUninstalled) }()

	lm.ReleaseGlobal(global)
	select {
	case <-acquired:
		t.Fatal("bundle lock granted while the global lock is still held")
	case <-time.After(30 * time.Millisecond):
	}

	lm.ReleaseGlobal(global)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bundle lock not granted after global release")
	}
	assert.True(t, lm.HoldsLock(other, b))
}

func TestLockManager_BreaksLockInversion(t *testing.T) {
	t.Parallel()

	t.Run("holder waits for the global lock", func(t *testing.T) {
		t.Parallel()
		lm := NewLockManager(nil, nil)
		b := newBundle(1, "mem://a", nil)
		bundleHolder, globalHolder := owned(), owned()

		require.NoError(t, lm.Acquire(bundleHolder, b, notUninstalled))
		require.NoError(t, lm.AcquireGlobal(globalHolder))

		globalErr := make(chan error, 1)
		go func() {
			err := lm.AcquireGlobal(bundleHolder)
			if err != nil {
				lm.Release(bundleHolder, b)
			}
			globalErr <- err
		}()

		bundleErr := make(chan error, 1)
		go func() { bundleErr <- lm.Acquire(globalHolder, b, notUninstalled) }()

		select {
		case err := <-globalErr:
			assert.ErrorIs(t, err, ErrLockInterrupted)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked bundle holder was not interrupted")
		}
		select {
		case err := <-bundleErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("global holder did not get the bundle lock")
		}
		assert.True(t, lm.HoldsLock(globalHolder, b))
	})

	t.Run("holder waits for a bundle held by the global holder", func(t *testing.T) {
		t.Parallel()
		lm := NewLockManager(nil, nil)
		a := newBundle(1, "mem://a", nil)
		b := newBundle(2, "mem://b", nil)
		bundleHolder, globalHolder := owned(), owned()

		require.NoError(t, lm.Acquire(bundleHolder, a, notUninstalled))
		require.NoError(t, lm.AcquireGlobal(globalHolder))
		require.NoError(t, lm.Acquire(globalHolder, b, notUninstalled))

		holderErr := make(chan error, 1)
		go func() {
			err := lm.Acquire(bundleHolder, b, notUninstalled)
			if err != nil {
				lm.Release(bundleHolder, a)
			}
			holderErr <- err
		}()

		globalErr := make(chan error, 1)
		go func() { globalErr <- lm.Acquire(globalHolder, a, notUninstalled) }()

		select {
		case err := <-holderErr:
			assert.ErrorIs(t, err, ErrLockInterrupted)
		case <-time.After(2 * time.Second):
			t.Fatal("bundle holder waiting on a second bundle was not interrupted")
		}
		select {
		case err := <-globalErr:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("global holder did not get the bundle lock")
		}
		assert.True(t, lm.HoldsLock(globalHolder, a))
		assert.False(t, lm.HoldsLock(bundleHolder, b))
	})
}

func TestLockManager_Shutdown(t *testing.T) {
	t.Parallel()
	lm := NewLockManager(nil, nil)
	b := newBundle(1, "mem://a", nil)
	c := newBundle(2, "mem://c", nil)
	holder, closer := owned(), owned()
	require.NoError(t, lm.Acquire(holder, b, notUninstalled))

	lm.Shutdown(closer)
	assert.False(t, lm.IsRunning(holder))
	assert.True(t, lm.IsRunning(closer))

	assert.ErrorIs(t, lm.Acquire(owned(), c, notUninstalled), ErrFrameworkShuttingDown)
	assert.ErrorIs(t, lm.AcquireGlobal(owned()), ErrFrameworkShuttingDown)
	assert.NoError(t, lm.Acquire(holder, b, notUninstalled), "reentrant acquisition is still admitted")
	assert.NoError(t, lm.Acquire(closer, c, notUninstalled))
	assert.NoError(t, lm.AcquireGlobal(closer))
}

type lockWaits struct{ counter }

func (w *lockWaits) ObserveLockWait(kind string, _ time.Duration, err error) {
	if err != nil {
		w.inc(kind + ":error")
		return
	}
	w.inc(kind)
}

func TestLockManager_Observer(t *testing.T) {
	t.Parallel()
	obs := &lockWaits{}
	lm := NewLockManager(nil, obs)
	b := newBundle(1, "mem://a", nil)
	ctx := owned()

	require.NoError(t, lm.Acquire(ctx, b, notUninstalled))
	require.NoError(t, lm.AcquireGlobal(ctx))
	_ = lm.Acquire(owned(), b, StateActive)

	assert.Equal(t, 1, obs.get("bundle"))
	assert.Equal(t, 1, obs.get("global"))
	assert.Equal(t, 1, obs.get("bundle:error"))
}
