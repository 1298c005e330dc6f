// Package eventlog is a built-in bundle that records framework events.
//
// While active it logs every bundle and framework event as a CloudEvent and publishes
// a History service under ServiceName so other bundles and the host can inspect recent
// events. Manifest headers tune it:
//
//	eventlog.capacity  number of events retained (default 256)
//	eventlog.types     comma separated CloudEvent types to record (default all)
//	eventlog.level     log level used for non-error events: debug or info (default info)
package eventlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

const (
	// ActivatorName is the manifest activator value that selects this bundle.
	ActivatorName = "bundlehost.eventlog"
	// ServiceName is the name the History service is registered under.
	ServiceName = "bundlehost.eventlog.history"

	HeaderCapacity = "eventlog.capacity"
	HeaderTypes    = "eventlog.types"
	HeaderLevel    = "eventlog.level"

	defaultCapacity = 256
)

// History gives access to recently recorded events, oldest first.
type History interface {
	Events() []cloudevents.Event
	Len() int
}

// Register adds the event log activator to reg.
func Register(reg *bundlehost.ActivatorRegistry) error {
	return reg.Register(ActivatorName, func(bundlehost.BundleContext) (bundlehost.Activator, error) {
		return &Activator{}, nil
	})
}

// Activator records events between Start and Stop.
type Activator struct {
	log    *ring
	filter map[string]bool
	debug  bool
	source string
}

// Start reads the manifest headers, subscribes to events and publishes the history.
func (a *Activator) Start(ctx context.Context, bc bundlehost.BundleContext) error {
	headers := bc.Manifest().Headers
	capacity := defaultCapacity
	if v, ok := headers[HeaderCapacity]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", HeaderCapacity, v)
		}
		capacity = n
	}
	a.filter = nil
	if v := strings.TrimSpace(headers[HeaderTypes]); v != "" {
		a.filter = make(map[string]bool)
		for _, t := range strings.Split(v, ",") {
			a.filter[strings.TrimSpace(t)] = true
		}
	}
	switch lvl := strings.ToLower(headers[HeaderLevel]); lvl {
	case "", "info":
		a.debug = false
	case "debug":
		a.debug = true
	default:
		return fmt.Errorf("%s must be debug or info, got %q", HeaderLevel, lvl)
	}
	uuid, _ := bc.Property(bundlehost.PropFrameworkUUID)
	a.source = bundlehost.EventSource + "/" + uuid
	a.log = newRing(capacity)

	logger := bc.Logger()
	if _, err := bc.AddBundleListener(func(e bundlehost.BundleEvent) {
		a.record(logger, lifecycle.Event{Bundle: &e})
	}); err != nil {
		return fmt.Errorf("subscribe to bundle events: %w", err)
	}
	if _, err := bc.AddFrameworkListener(func(e bundlehost.FrameworkEvent) {
		a.record(logger, lifecycle.Event{Framework: &e})
	}); err != nil {
		return fmt.Errorf("subscribe to framework events: %w", err)
	}
	if _, err := bc.RegisterService(ctx, ServiceName, History(a.log), map[string]string{
		"capacity": strconv.Itoa(capacity),
	}); err != nil {
		return fmt.Errorf("publish event history: %w", err)
	}
	logger.Info("Event log started", "capacity", capacity, "filtered", len(a.filter) > 0)
	return nil
}

// record runs on the dispatcher goroutine.
func (a *Activator) record(logger bundlehost.Logger, ev lifecycle.Event) {
	ce, err := lifecycle.ToCloudEvent(a.source, ev)
	if err != nil {
		logger.Warn("Event could not be converted", "kind", ev.Kind(), "error", err)
		return
	}
	if a.filter != nil && !a.filter[ce.Type()] {
		return
	}
	a.log.add(ce)

	args := []any{"type", ce.Type(), "subject", ce.Subject(), "id", ce.ID()}
	switch {
	case ev.Framework != nil && ev.Framework.Err != nil:
		logger.Error("Framework event", append(args, "error", ev.Framework.Err)...)
	case a.debug:
		logger.Debug("Framework event", args...)
	default:
		logger.Info("Framework event", args...)
	}
}

// Stop needs no work: the framework removes the listeners and the service of a
// stopping bundle.
func (a *Activator) Stop(context.Context, bundlehost.BundleContext) error { return nil }

func (a *Activator) Destroy(context.Context, bundlehost.BundleContext) error { return nil }

// ring is a fixed-size event buffer.
type ring struct {
	mu    sync.Mutex
	buf   []cloudevents.Event
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]cloudevents.Event, capacity)}
}

func (r *ring) add(e cloudevents.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) Events() []cloudevents.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cloudevents.Event, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)].Clone())
	}
	return out
}

func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
