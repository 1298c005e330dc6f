package bundlehost

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// EventSource is the CloudEvents source of events published by a framework.
const EventSource = "bundlehost://framework"

// ObserverFunc is a functional observer receiving framework events as CloudEvents.
type ObserverFunc func(ctx context.Context, event cloudevents.Event) error

// AddObserver subscribes fn to every bundle and framework event for the framework's
// whole life. It returns the ids of the two listeners it registers.
func (f *Framework) AddObserver(fn ObserverFunc) (bundleListener, frameworkListener ListenerID, err error) {
	if fn == nil {
		return 0, 0, ErrListenerNil
	}
	source := EventSource + "/" + f.uuid
	deliver := func(ev lifecycle.Event) {
		ce, err := lifecycle.ToCloudEvent(source, ev)
		if err != nil {
			f.logger.Warn("Event could not be converted to a CloudEvent", "kind", ev.Kind(), "error", err)
			return
		}
		if err := fn(context.Background(), ce); err != nil {
			f.logger.Warn("Observer returned error", "eventType", ce.Type(), "error", err)
		}
	}

	bundleListener, err = f.AddBundleListener(FrameworkBundleID, func(e BundleEvent) {
		deliver(lifecycle.Event{Bundle: &e})
	})
	if err != nil {
		return 0, 0, err
	}
	frameworkListener, err = f.AddFrameworkListener(FrameworkBundleID, func(e FrameworkEvent) {
		deliver(lifecycle.Event{Framework: &e})
	})
	if err != nil {
		_ = f.RemoveBundleListener(FrameworkBundleID, bundleListener)
		return 0, 0, err
	}
	return bundleListener, frameworkListener, nil
}

func (f *Framework) addObserver(fn ObserverFunc) error {
	if _, _, err := f.AddObserver(fn); err != nil {
		return fmt.Errorf("register observer: %w", err)
	}
	return nil
}
