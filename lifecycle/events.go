package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleID identifies an installed bundle. Ids are assigned monotonically and never
// reused; id 0 is the framework itself.
type BundleID int64

// FrameworkBundleID is the id of the framework bundle.
const FrameworkBundleID BundleID = 0

// BundleEventType enumerates the bundle transitions reported to bundle listeners.
type BundleEventType int

const (
	BundleInstalled BundleEventType = iota + 1
	BundleResolved
	BundleStarting
	BundleStarted
	BundleStopping
	BundleStopped
	BundleUpdated
	BundleUnresolved
	BundleUninstalled
)

var bundleEventNames = map[BundleEventType]string{
	BundleInstalled:   "INSTALLED",
	BundleResolved:    "RESOLVED",
	BundleStarting:    "STARTING",
	BundleStarted:     "STARTED",
	BundleStopping:    "STOPPING",
	BundleStopped:     "STOPPED",
	BundleUpdated:     "UPDATED",
	BundleUnresolved:  "UNRESOLVED",
	BundleUninstalled: "UNINSTALLED",
}

func (t BundleEventType) String() string {
	if name, ok := bundleEventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("BundleEventType(%d)", int(t))
}

// ParseBundleEventType maps an upper-case event name back to its type.
func ParseBundleEventType(name string) (BundleEventType, bool) {
	for t, n := range bundleEventNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// FrameworkEventType enumerates framework-level notifications.
type FrameworkEventType int

const (
	FrameworkStarted FrameworkEventType = iota + 1
	FrameworkError
	FrameworkWarning
	FrameworkInfo
	FrameworkStopped
	FrameworkPackagesRefreshed
)

var frameworkEventNames = map[FrameworkEventType]string{
	FrameworkStarted:           "STARTED",
	FrameworkError:             "ERROR",
	FrameworkWarning:           "WARNING",
	FrameworkInfo:              "INFO",
	FrameworkStopped:           "STOPPED",
	FrameworkPackagesRefreshed: "PACKAGES_REFRESHED",
}

func (t FrameworkEventType) String() string {
	if name, ok := frameworkEventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FrameworkEventType(%d)", int(t))
}

// BundleEvent reports a state transition of one bundle.
type BundleEvent struct {
	ID       string
	Type     BundleEventType
	BundleID BundleID
	Location string
	Time     time.Time
}

// FrameworkEvent reports a framework-level occurrence. Err is set for ERROR and WARNING
// events and names the failure that triggered them.
type FrameworkEvent struct {
	ID       string
	Type     FrameworkEventType
	BundleID BundleID
	Err      error
	Time     time.Time
}

// Event is the unit queued on the dispatcher: exactly one of Bundle or Framework is set.
type Event struct {
	Bundle    *BundleEvent
	Framework *FrameworkEvent
}

// NewBundleEvent builds a bundle event stamped with a fresh time-ordered id.
func NewBundleEvent(typ BundleEventType, id BundleID, location string) BundleEvent {
	return BundleEvent{
		ID:       newEventID(),
		Type:     typ,
		BundleID: id,
		Location: location,
		Time:     time.Now(),
	}
}

// NewFrameworkEvent builds a framework event stamped with a fresh time-ordered id.
func NewFrameworkEvent(typ FrameworkEventType, id BundleID, err error) FrameworkEvent {
	return FrameworkEvent{
		ID:       newEventID(),
		Type:     typ,
		BundleID: id,
		Err:      err,
		Time:     time.Now(),
	}
}

// Kind returns a short description used in logs.
func (e Event) Kind() string {
	switch {
	case e.Bundle != nil:
		return "bundle:" + e.Bundle.Type.String()
	case e.Framework != nil:
		return "framework:" + e.Framework.Type.String()
	default:
		return "empty"
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
