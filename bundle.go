package bundlehost

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// BundleID identifies a bundle. Id 0 is the framework bundle.
type BundleID = lifecycle.BundleID

// FrameworkBundleID is the id of the framework bundle.
const FrameworkBundleID = lifecycle.FrameworkBundleID

// SystemBundleLocation is the registry key of the framework bundle.
const SystemBundleLocation = "System Bundle"

// State is a bundle lifecycle state. Values are distinct bits so that a set of
// states can be expressed as a StateMask.
type State uint32

const (
	StateUninstalled State = 1 << iota
	StateInstalled
	StateResolved
	StateStarting
	StateStopping
	StateActive
)

// StateMask is a set of states.
type StateMask = State

var stateNames = []struct {
	s    State
	name string
}{
	{StateUninstalled, "UNINSTALLED"},
	{StateInstalled, "INSTALLED"},
	{StateResolved, "RESOLVED"},
	{StateStarting, "STARTING"},
	{StateStopping, "STOPPING"},
	{StateActive, "ACTIVE"},
}

func (s State) String() string {
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("State(%d)", uint32(s))
	}
	return strings.Join(parts, "|")
}

// In reports whether s is a member of mask.
func (s State) In(mask StateMask) bool { return s&mask != 0 }

// Bundle is the framework's record of one installed bundle.
//
// state and lock are guarded by the LockManager monitor. The content fields below mu
// change only while the bundle lock is held; mu lets other goroutines read them
// consistently.
type Bundle struct {
	id       BundleID
	location string

	// guarded by LockManager.mu
	state State
	lock  lockToken

	mu             sync.RWMutex
	persistent     archive.PersistentState
	revision       *archive.Revision
	module         *Module
	lastModified   time.Time
	refreshPending bool
	stale          []*archive.Revision

	// touched only by the lock owner
	activator ActivatorHandle
	context   *bundleContext
	activated bool
}

func newBundle(id BundleID, location string, rev *archive.Revision) *Bundle {
	b := &Bundle{
		id:       id,
		location: location,
		state:    StateInstalled,
		revision: rev,
	}
	if rev != nil {
		b.lastModified = rev.LastModified
		b.module = newModule(rev)
	}
	return b
}

// ID returns the bundle id.
func (b *Bundle) ID() BundleID { return b.id }

// Location returns the location the bundle was installed from.
func (b *Bundle) Location() string { return b.location }

func (b *Bundle) currentRevision() *archive.Revision {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.revision
}

func (b *Bundle) currentModule() *Module {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.module
}

func (b *Bundle) persistentState() archive.PersistentState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.persistent
}

func (b *Bundle) record() archive.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec := archive.Record{
		ID:              b.id,
		Location:        b.location,
		PersistentState: b.persistent,
		LastModified:    b.lastModified,
	}
	if b.revision != nil {
		rec.Source = b.revision.Source
		rec.Revision = b.revision.Number
	}
	return rec
}

// BundleInfo is a point-in-time snapshot of a bundle.
type BundleInfo struct {
	ID              BundleID                `json:"id"`
	Location        string                  `json:"location"`
	State           State                   `json:"-"`
	StateName       string                  `json:"state"`
	PersistentState archive.PersistentState `json:"-"`
	SymbolicName    string                  `json:"symbolicName,omitempty"`
	Version         string                  `json:"version,omitempty"`
	Revision        int                     `json:"revision"`
	LastModified    time.Time               `json:"lastModified"`
	Resolved        bool                    `json:"resolved"`
	RefreshPending  bool                    `json:"refreshPending,omitempty"`
}
