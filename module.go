package bundlehost

import (
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/resolver"
)

// FrameworkNamespace is the capability namespace the framework bundle provides in.
const FrameworkNamespace = "bundlehost.framework"

// Module is the resolvable view of one bundle revision. Modules refer to other bundles
// by id only; resolved and wires are guarded by Framework.wiringMu.
type Module struct {
	bundleID     BundleID
	revision     int
	capabilities []resolver.Capability
	requirements []resolver.Requirement

	resolved bool
	wires    []resolver.Wire
}

func newModule(rev *archive.Revision) *Module {
	return &Module{
		bundleID:     rev.BundleID,
		revision:     rev.Number,
		capabilities: rev.Manifest.Capabilities(),
		requirements: rev.Manifest.Requires,
	}
}

func newSystemModule(version string, extra []resolver.Capability) *Module {
	caps := []resolver.Capability{
		{Namespace: "bundle", Name: "bundlehost.framework", Version: version},
		{Namespace: FrameworkNamespace, Name: "bundlehost", Version: version},
	}
	return &Module{
		bundleID:     FrameworkBundleID,
		revision:     1,
		capabilities: append(caps, extra...),
		resolved:     true,
	}
}

func (m *Module) candidate() resolver.Candidate {
	return resolver.Candidate{
		BundleID:     m.bundleID,
		Revision:     m.revision,
		Capabilities: m.capabilities,
		Requirements: m.requirements,
		Resolved:     m.resolved,
		Wires:        m.wires,
	}
}

// wiredTo reports whether any wire of m points at provider.
func (m *Module) wiredTo(provider BundleID) bool {
	for _, w := range m.wires {
		if w.Provider == provider && w.Requirer != provider {
			return true
		}
	}
	return false
}
