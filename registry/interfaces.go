// Package registry provides the bundle-scoped service registry: services are owned by
// the bundle that registered them and usage is tracked per consuming bundle so both can
// be released when a bundle stops.
package registry

import (
	"reflect"
	"time"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// ServiceID identifies one registration. Ids are never reused within a registry.
type ServiceID int64

// ServiceRegistration is a registration request.
type ServiceRegistration struct {
	Name       string            `json:"name"`
	Service    interface{}       `json:"-"`
	Properties map[string]string `json:"properties,omitempty"`
	// InterfaceTypes indexes the service for lookup by interface.
	InterfaceTypes []reflect.Type `json:"-"`
}

// ServiceEntry is a live registration.
type ServiceEntry struct {
	ID           ServiceID          `json:"id"`
	Owner        lifecycle.BundleID `json:"owner"`
	Name         string             `json:"name"`
	Properties   map[string]string  `json:"properties,omitempty"`
	RegisteredAt time.Time          `json:"registeredAt"`
	// UsedBy maps consuming bundles to their outstanding get count.
	UsedBy map[lifecycle.BundleID]int `json:"usedBy,omitempty"`

	service        interface{}
	interfaceTypes []reflect.Type
}

// Service returns the registered instance.
func (e *ServiceEntry) Service() interface{} { return e.service }

// Logger is the logging surface the registry needs.
type Logger interface {
	Debug(msg string, args ...any)
}
