package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// Static errors for lifecycle package
var (
	ErrDispatcherNotRunning     = errors.New("dispatcher is not running")
	ErrDispatcherAlreadyRunning = errors.New("dispatcher is already running")
	ErrEventCannotBeEmpty       = errors.New("event must carry a bundle or framework payload")
)

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	// QueueHint pre-sizes the queue. The queue itself is unbounded.
	QueueHint int64
	// OwnerActive filters listeners whose owning bundle is not STARTING or ACTIVE.
	// A nil filter delivers to every listener.
	OwnerActive OwnerFilter
	Logger      Logger
	Observer    DeliveryObserver
}

type dispatchEntry struct {
	event     Event
	listeners []Registration
}

type stopMarker struct{}

// Dispatcher delivers events on a single worker goroutine in the order they were
// posted. Producers only take a short mutex to append, so posting never waits for
// listeners.
type Dispatcher struct {
	mu       sync.Mutex
	drained  *sync.Cond
	queue    *queuepkg.Queue
	pending  int
	running  bool
	stopping bool
	done     chan struct{}

	ownerActive OwnerFilter
	logger      Logger
	observer    DeliveryObserver
}

// NewDispatcher creates a dispatcher. Call Start before posting.
func NewDispatcher(config *DispatchConfig) *Dispatcher {
	if config == nil {
		config = &DispatchConfig{}
	}
	hint := config.QueueHint
	if hint <= 0 {
		hint = 64
	}
	d := &Dispatcher{
		queue:       queuepkg.New(hint),
		ownerActive: config.OwnerActive,
		logger:      config.Logger,
		observer:    config.Observer,
	}
	if d.logger == nil {
		d.logger = nopLogger{}
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	d.drained = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	if d.queue.Disposed() {
		return ErrDispatcherNotRunning
	}
	d.running = true
	d.done = make(chan struct{})
	go d.run(d.done)
	return nil
}

// Post enqueues an event together with the listener snapshot taken at fire time.
func (d *Dispatcher) Post(event Event, listeners []Registration) error {
	if event.Bundle == nil && event.Framework == nil {
		return ErrEventCannotBeEmpty
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.stopping {
		return ErrDispatcherNotRunning
	}
	if err := d.queue.Put(dispatchEntry{event: event, listeners: listeners}); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatcherNotRunning, err)
	}
	d.pending++
	d.observer.EventQueued(d.pending)
	return nil
}

// Pending returns the number of posted entries not yet delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// IsRunning returns true while the worker accepts events.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.stopping
}

// WaitForEmpty blocks until every event posted so far has been delivered or ctx ends.
func (d *Dispatcher) WaitForEmpty(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.drained.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.drained.Wait()
	}
	return nil
}

// Stop drains every entry posted before the call, then terminates the worker. Entries
// posted after Stop begins are rejected.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	done := d.done
	if err := d.queue.Put(stopMarker{}); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDispatcherNotRunning, err)
	}
	d.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		d.queue.Dispose()
		<-done
		d.finish()
		return ctx.Err()
	}
	d.queue.Dispose()
	d.finish()
	return nil
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.running = false
	d.pending = 0
	d.drained.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) run(done chan struct{}) {
	defer close(done)
	for {
		items, err := d.queue.Get(1)
		if err != nil {
			// queue disposed
			return
		}
		for _, item := range items {
			switch it := item.(type) {
			case stopMarker:
				return
			case dispatchEntry:
				d.deliver(it)
				d.mu.Lock()
				d.pending--
				if d.pending == 0 {
					d.drained.Broadcast()
				}
				d.mu.Unlock()
			}
		}
	}
}

func (d *Dispatcher) deliver(entry dispatchEntry) {
	kind := entry.event.Kind()
	for _, reg := range entry.listeners {
		if d.ownerActive != nil && !d.ownerActive(reg.Owner) {
			d.observer.DeliverySkipped(kind)
			continue
		}
		switch {
		case entry.event.Bundle != nil && reg.Bundle != nil:
			d.safeCall(kind, reg, func() { reg.Bundle(*entry.event.Bundle) })
		case entry.event.Framework != nil && reg.Framework != nil:
			d.safeCall(kind, reg, func() { reg.Framework(*entry.event.Framework) })
		default:
			continue
		}
	}
}

// safeCall invokes one listener, isolating the worker from its panics.
func (d *Dispatcher) safeCall(kind string, reg Registration, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.observer.ListenerPanicked(kind)
			d.logger.Error("Event listener panicked",
				"event", kind, "listener", reg.ID, "owner", reg.Owner, "panic", r)
		}
	}()
	fn()
	d.observer.EventDelivered(kind)
}
