package bundlehost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// lockOwner identifies the logical call chain holding a lock. Go has no goroutine
// identity, so ownership travels in the context.
type lockOwner uint64

type lockOwnerKey struct{}

var lastLockOwner atomic.Uint64

// withLockOwner returns ctx unchanged if it already carries an owner, otherwise a
// child context stamped with a fresh one.
func withLockOwner(ctx context.Context) (context.Context, lockOwner) {
	if o, ok := ctx.Value(lockOwnerKey{}).(lockOwner); ok {
		return ctx, o
	}
	o := lockOwner(lastLockOwner.Add(1))
	return context.WithValue(ctx, lockOwnerKey{}, o), o
}

func ownerFrom(ctx context.Context) lockOwner {
	o, _ := ctx.Value(lockOwnerKey{}).(lockOwner)
	return o
}

type lockToken struct {
	owner lockOwner
	depth int
}

// LockObserver receives lock wait durations.
type LockObserver interface {
	ObserveLockWait(kind string, d time.Duration, err error)
}

// LockManager coordinates per-bundle reentrant locks and the reentrant global lock
// under a single monitor. Every lock or state change broadcasts.
type LockManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	running       bool
	shutdownOwner lockOwner

	globalOwner lockOwner
	globalDepth int
	// owners currently waiting while someone else holds the global lock
	globalWaiters map[lockOwner]int
	interrupted   map[lockOwner]bool

	logger   Logger
	observer LockObserver
}

// NewLockManager creates a running lock manager.
func NewLockManager(logger Logger, observer LockObserver) *LockManager {
	if logger == nil {
		logger = nopLogger{}
	}
	lm := &LockManager{
		running:       true,
		globalWaiters: make(map[lockOwner]int),
		interrupted:   make(map[lockOwner]bool),
		logger:        logger,
		observer:      observer,
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

func (lm *LockManager) wake() {
	lm.mu.Lock()
	lm.cond.Broadcast()
	lm.mu.Unlock()
}

func (lm *LockManager) observe(kind string, start time.Time, err error) {
	if lm.observer != nil {
		lm.observer.ObserveLockWait(kind, time.Since(start), err)
	}
}

// admits reports whether owner may take new locks. Callers hold lm.mu.
func (lm *LockManager) admits(owner lockOwner) bool {
	return lm.running || owner == lm.shutdownOwner
}

// Acquire takes the bundle lock for the owner in ctx. It waits until the bundle's state
// leaves allowed (ErrIllegalBundleState), or the bundle is unlocked or already held by
// the owner while the global lock is free or held by the owner.
func (lm *LockManager) Acquire(ctx context.Context, b *Bundle, allowed StateMask) (err error) {
	owner := ownerFrom(ctx)
	start := time.Now()
	defer func() { lm.observe("bundle", start, err) }()

	stop := context.AfterFunc(ctx, lm.wake)
	defer stop()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	blocked := false
	defer func() {
		if blocked {
			lm.leaveGlobalWait(owner)
		}
	}()

	for {
		reentrant := owner != 0 && b.lock.owner == owner
		if !reentrant && !lm.admits(owner) {
			return ErrFrameworkShuttingDown
		}
		if !b.state.In(allowed) {
			return fmt.Errorf("%w: bundle %d is %s", ErrIllegalBundleState, b.id, b.state)
		}
		if blocked && lm.interrupted[owner] {
			lm.logger.Warn("Bundle lock wait interrupted to break lock inversion", "bundle", b.id)
			return fmt.Errorf("%w: bundle %d: global lock holder needs a lock held by this caller", ErrLockInterrupted, b.id)
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: bundle %d: %w", ErrLockInterrupted, b.id, cerr)
		}

		lockable := b.lock.owner == 0 || reentrant
		globalFree := lm.globalOwner == 0 || lm.globalOwner == owner
		if lockable && globalFree {
			b.lock.owner = owner
			b.lock.depth++
			lm.cond.Broadcast()
			return nil
		}

		// A foreign global holder blocks this owner whether or not b is lockable.
		if !globalFree && !blocked {
			blocked = true
			lm.globalWaiters[owner]++
			lm.cond.Broadcast()
		} else if globalFree && blocked {
			lm.leaveGlobalWait(owner)
			blocked = false
		}
		lm.breakInversion(owner, b)
		lm.cond.Wait()
	}
}

// TryAcquire takes the bundle lock only if that is possible without waiting.
func (lm *LockManager) TryAcquire(ctx context.Context, b *Bundle, allowed StateMask) bool {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	reentrant := owner != 0 && b.lock.owner == owner
	if !reentrant && !lm.admits(owner) {
		return false
	}
	if !b.state.In(allowed) {
		return false
	}
	if (b.lock.owner != 0 && !reentrant) || (lm.globalOwner != 0 && lm.globalOwner != owner) {
		return false
	}
	b.lock.owner = owner
	b.lock.depth++
	lm.cond.Broadcast()
	return true
}

// breakInversion flags the holder of b's lock when the caller owns the global lock and
// that holder is itself blocked on it. Callers hold lm.mu.
func (lm *LockManager) breakInversion(owner lockOwner, b *Bundle) {
	holder := b.lock.owner
	if holder == 0 || holder == owner || lm.globalOwner != owner {
		return
	}
	if lm.globalWaiters[holder] > 0 && !lm.interrupted[holder] {
		lm.interrupted[holder] = true
		lm.logger.Debug("Interrupting lock holder blocked on global lock", "bundle", b.id)
		lm.cond.Broadcast()
	}
}

// leaveGlobalWait undoes a global wait registration. Callers hold lm.mu.
func (lm *LockManager) leaveGlobalWait(owner lockOwner) {
	lm.globalWaiters[owner]--
	if lm.globalWaiters[owner] <= 0 {
		delete(lm.globalWaiters, owner)
		delete(lm.interrupted, owner)
	}
}

// Release undoes one Acquire by the owner in ctx. Releasing a lock the owner does not
// hold is a no-op.
func (lm *LockManager) Release(ctx context.Context, b *Bundle) {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if b.lock.owner != owner || b.lock.depth == 0 {
		lm.logger.Debug("Ignoring release of bundle lock not held by caller", "bundle", b.id)
		return
	}
	b.lock.depth--
	if b.lock.depth == 0 {
		b.lock.owner = 0
	}
	lm.cond.Broadcast()
}

// AcquireGlobal takes the reentrant global lock. It fails with ErrLockInterrupted when
// the wait is interrupted to break a lock inversion or ctx is cancelled.
func (lm *LockManager) AcquireGlobal(ctx context.Context) (err error) {
	owner := ownerFrom(ctx)
	start := time.Now()
	defer func() { lm.observe("global", start, err) }()

	stop := context.AfterFunc(ctx, lm.wake)
	defer stop()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if owner != 0 && lm.globalOwner == owner {
		lm.globalDepth++
		return nil
	}
	if !lm.admits(owner) {
		return ErrFrameworkShuttingDown
	}

	lm.globalWaiters[owner]++
	defer lm.leaveGlobalWait(owner)
	lm.cond.Broadcast()

	for lm.globalOwner != 0 {
		lm.cond.Wait()
		if lm.interrupted[owner] {
			lm.logger.Warn("Global lock wait interrupted to break lock inversion")
			return fmt.Errorf("%w: global lock holder needs a bundle lock held by this caller", ErrLockInterrupted)
		}
		if !lm.admits(owner) {
			return ErrFrameworkShuttingDown
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %w", ErrLockInterrupted, cerr)
		}
	}
	lm.globalOwner = owner
	lm.globalDepth = 1
	lm.cond.Broadcast()
	return nil
}

// ReleaseGlobal undoes one AcquireGlobal by the owner in ctx.
func (lm *LockManager) ReleaseGlobal(ctx context.Context) {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.globalOwner != owner || lm.globalDepth == 0 {
		lm.logger.Debug("Ignoring release of global lock not held by caller")
		return
	}
	lm.globalDepth--
	if lm.globalDepth == 0 {
		lm.globalOwner = 0
	}
	lm.cond.Broadcast()
}

// State returns the bundle's current state.
func (lm *LockManager) State(b *Bundle) State {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return b.state
}

// SetState records a transition and wakes every waiter.
func (lm *LockManager) SetState(b *Bundle, s State) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	b.state = s
	lm.cond.Broadcast()
}

// HoldsLock reports whether the owner in ctx holds b's lock.
func (lm *LockManager) HoldsLock(ctx context.Context, b *Bundle) bool {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return owner != 0 && b.lock.owner == owner
}

// HoldsGlobal reports whether the owner in ctx holds the global lock.
func (lm *LockManager) HoldsGlobal(ctx context.Context) bool {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return owner != 0 && lm.globalOwner == owner
}

// Shutdown stops admitting new acquisitions except from the shutdown owner and wakes
// every waiter so it can observe the change.
func (lm *LockManager) Shutdown(ctx context.Context) {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.running = false
	lm.shutdownOwner = owner
	lm.cond.Broadcast()
}

// IsRunning reports whether new acquisitions are admitted for the owner in ctx.
func (lm *LockManager) IsRunning(ctx context.Context) bool {
	owner := ownerFrom(ctx)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.admits(owner)
}
