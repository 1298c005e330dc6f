// Package resolver matches bundle requirements against the capabilities other bundles
// provide and produces the wires that bind them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// Static errors for resolver package
var (
	ErrUnresolved         = errors.New("unresolved requirement")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrInvalidRange       = errors.New("invalid version range")
	ErrCandidateDuplicate = errors.New("duplicate candidate")
)

// Capability is something a bundle offers to others.
type Capability struct {
	Namespace  string            `yaml:"namespace" toml:"namespace" json:"namespace"`
	Name       string            `yaml:"name" toml:"name" json:"name"`
	Version    string            `yaml:"version,omitempty" toml:"version" json:"version,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty" toml:"attributes" json:"attributes,omitempty"`
}

// Requirement is something a bundle needs from another bundle before it may start.
type Requirement struct {
	Namespace string `yaml:"namespace" toml:"namespace" json:"namespace"`
	Name      string `yaml:"name" toml:"name" json:"name"`
	// Range uses interval notation: "1.2.0" (at least), "[1.0.0,2.0.0)", "(1.0,1.5]".
	Range    string `yaml:"range,omitempty" toml:"range" json:"range,omitempty"`
	Optional bool   `yaml:"optional,omitempty" toml:"optional" json:"optional,omitempty"`
}

func (r Requirement) String() string {
	s := r.Namespace + ":" + r.Name
	if r.Range != "" {
		s += " " + r.Range
	}
	return s
}

// Wire binds one requirement of the requirer to a capability of the provider.
type Wire struct {
	Requirer    lifecycle.BundleID
	Provider    lifecycle.BundleID
	Requirement Requirement
	Capability  Capability
}

// Candidate is a bundle module offered to the resolver.
type Candidate struct {
	BundleID     lifecycle.BundleID
	Revision     int
	Capabilities []Capability
	Requirements []Requirement
	Resolved     bool
	Wires        []Wire
}

// Result maps every bundle resolved in one pass to its wires. The target is always
// present on success; previously unresolved providers it pulled in are present too.
type Result map[lifecycle.BundleID][]Wire

// Resolver computes wiring for a target candidate.
type Resolver interface {
	Resolve(ctx context.Context, target Candidate, available []Candidate) (Result, error)
}

// UnsatisfiedError reports the requirement that could not be wired.
type UnsatisfiedError struct {
	BundleID    lifecycle.BundleID
	Requirement Requirement
	Cause       error
}

func (e *UnsatisfiedError) Error() string {
	msg := fmt.Sprintf("bundle %d: no provider for %s", e.BundleID, e.Requirement)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnsatisfiedError) Is(target error) bool { return target == ErrUnresolved }

func (e *UnsatisfiedError) Unwrap() error { return e.Cause }

// Default is the built-in resolver. Providers are preferred when already resolved, then
// by highest version, then by lowest bundle id. Unresolved providers are resolved
// transitively; cycles between unresolved candidates resolve together.
type Default struct{}

// New returns the default resolver.
func New() *Default { return &Default{} }

type pass struct {
	ctx        context.Context
	candidates map[lifecycle.BundleID]*Candidate
	order      []lifecycle.BundleID
	tentative  map[lifecycle.BundleID][]Wire
	inProgress map[lifecycle.BundleID]bool
	added      []lifecycle.BundleID
}

// Resolve implements Resolver.
func (r *Default) Resolve(ctx context.Context, target Candidate, available []Candidate) (Result, error) {
	p := &pass{
		ctx:        ctx,
		candidates: make(map[lifecycle.BundleID]*Candidate, len(available)+1),
		tentative:  make(map[lifecycle.BundleID][]Wire),
		inProgress: make(map[lifecycle.BundleID]bool),
	}
	all := append([]Candidate{target}, available...)
	for i := range all {
		c := &all[i]
		if _, dup := p.candidates[c.BundleID]; dup {
			return nil, fmt.Errorf("%w: bundle %d", ErrCandidateDuplicate, c.BundleID)
		}
		p.candidates[c.BundleID] = c
		p.order = append(p.order, c.BundleID)
	}

	if target.Resolved {
		return Result{target.BundleID: target.Wires}, nil
	}
	if err := p.resolve(p.candidates[target.BundleID]); err != nil {
		return nil, err
	}
	return Result(p.tentative), nil
}

func (p *pass) resolve(c *Candidate) error {
	if c.Resolved {
		return nil
	}
	if _, done := p.tentative[c.BundleID]; done || p.inProgress[c.BundleID] {
		return nil
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.inProgress[c.BundleID] = true
	defer delete(p.inProgress, c.BundleID)

	var wires []Wire
	for _, req := range c.Requirements {
		providers, err := p.providersFor(req)
		if err != nil {
			return &UnsatisfiedError{BundleID: c.BundleID, Requirement: req, Cause: err}
		}
		var chosen *Wire
		for _, prov := range providers {
			mark := len(p.added)
			if err := p.resolve(prov.candidate); err != nil {
				p.rollback(mark)
				continue
			}
			chosen = &Wire{
				Requirer:    c.BundleID,
				Provider:    prov.candidate.BundleID,
				Requirement: req,
				Capability:  prov.capability,
			}
			break
		}
		if chosen == nil {
			if req.Optional {
				continue
			}
			return &UnsatisfiedError{BundleID: c.BundleID, Requirement: req}
		}
		wires = append(wires, *chosen)
	}
	p.tentative[c.BundleID] = wires
	p.added = append(p.added, c.BundleID)
	return nil
}

func (p *pass) rollback(mark int) {
	for _, id := range p.added[mark:] {
		delete(p.tentative, id)
	}
	p.added = p.added[:mark]
}

type provider struct {
	candidate  *Candidate
	capability Capability
	version    string
}

func (p *pass) providersFor(req Requirement) ([]provider, error) {
	rng, err := ParseRange(req.Range)
	if err != nil {
		return nil, err
	}
	var out []provider
	for _, id := range p.order {
		c := p.candidates[id]
		for _, capability := range c.Capabilities {
			if capability.Namespace != req.Namespace || capability.Name != req.Name {
				continue
			}
			v, err := Canonical(capability.Version)
			if err != nil {
				continue
			}
			if !rng.Includes(v) {
				continue
			}
			out = append(out, provider{candidate: c, capability: capability, version: v})
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.candidate.Resolved != b.candidate.Resolved {
			return a.candidate.Resolved
		}
		if c := compare(a.version, b.version); c != 0 {
			return c > 0
		}
		return a.candidate.BundleID < b.candidate.BundleID
	})
	return out, nil
}
