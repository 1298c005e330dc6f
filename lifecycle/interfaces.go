// Package lifecycle provides bundle and framework event types and the asynchronous
// dispatcher that delivers them to listeners.
package lifecycle

// ListenerID is the handle returned when a listener is registered.
type ListenerID uint64

// BundleListener receives bundle events on the dispatcher goroutine.
type BundleListener func(BundleEvent)

// FrameworkListener receives framework events on the dispatcher goroutine.
type FrameworkListener func(FrameworkEvent)

// Registration binds a listener to the bundle that registered it. Exactly one of
// Bundle or Framework is set.
type Registration struct {
	ID        ListenerID
	Owner     BundleID
	Bundle    BundleListener
	Framework FrameworkListener
}

// Logger is the logging surface the dispatcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DeliveryObserver receives dispatcher statistics. Implementations must be safe for
// concurrent use and must not block.
type DeliveryObserver interface {
	EventQueued(depth int)
	EventDelivered(kind string)
	DeliverySkipped(kind string)
	ListenerPanicked(kind string)
}

// OwnerFilter reports whether listeners owned by the given bundle may currently receive
// events.
type OwnerFilter func(owner BundleID) bool

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopObserver struct{}

func (nopObserver) EventQueued(int)         {}
func (nopObserver) EventDelivered(string)   {}
func (nopObserver) DeliverySkipped(string)  {}
func (nopObserver) ListenerPanicked(string) {}
