package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// Static errors for registry package
var (
	ErrServiceNotFound             = errors.New("service not found")
	ErrServiceNameEmpty            = errors.New("service name cannot be empty")
	ErrServiceNil                  = errors.New("service is nil")
	ErrServiceNotImplemented       = errors.New("service does not implement declared interface")
	ErrNotServiceOwner             = errors.New("bundle does not own service")
	ErrServiceNotInUse             = errors.New("service is not in use by bundle")
	ErrNoServicesFoundForInterface = errors.New("no services found implementing interface")
)

// Registry is a map-based service registry. Lookups by name or interface return the
// oldest matching registration.
type Registry struct {
	mu       sync.RWMutex
	nextID   ServiceID
	services map[ServiceID]*ServiceEntry
	byName   map[string][]ServiceID
	byType   map[reflect.Type][]ServiceID
	logger   Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		services: make(map[ServiceID]*ServiceEntry),
		byName:   make(map[string][]ServiceID),
		byType:   make(map[reflect.Type][]ServiceID),
		logger:   logger,
	}
}

func (r *Registry) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

// Register adds a service owned by the given bundle.
func (r *Registry) Register(ctx context.Context, owner lifecycle.BundleID, registration *ServiceRegistration) (ServiceID, error) {
	if registration == nil || registration.Service == nil {
		return 0, ErrServiceNil
	}
	if registration.Name == "" {
		return 0, ErrServiceNameEmpty
	}
	for _, it := range registration.InterfaceTypes {
		if it.Kind() == reflect.Interface && !reflect.TypeOf(registration.Service).Implements(it) {
			return 0, fmt.Errorf("%w: %s does not implement %s", ErrServiceNotImplemented, registration.Name, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry := &ServiceEntry{
		ID:             r.nextID,
		Owner:          owner,
		Name:           registration.Name,
		Properties:     copyProps(registration.Properties),
		RegisteredAt:   time.Now(),
		UsedBy:         make(map[lifecycle.BundleID]int),
		service:        registration.Service,
		interfaceTypes: registration.InterfaceTypes,
	}
	r.services[entry.ID] = entry
	r.byName[entry.Name] = append(r.byName[entry.Name], entry.ID)
	for _, it := range entry.interfaceTypes {
		r.byType[it] = append(r.byType[it], entry.ID)
	}
	r.debug("Service registered", "service", entry.Name, "id", entry.ID, "owner", owner)
	return entry.ID, nil
}

// Unregister removes a registration. Only the owning bundle may unregister it.
func (r *Registry) Unregister(ctx context.Context, owner lifecycle.BundleID, id ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, id)
	}
	if entry.Owner != owner {
		return fmt.Errorf("%w: bundle %d, service %d", ErrNotServiceOwner, owner, id)
	}
	r.remove(entry)
	return nil
}

// UnregisterAll removes every registration owned by the bundle.
func (r *Registry) UnregisterAll(ctx context.Context, owner lifecycle.BundleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.services {
		if entry.Owner == owner {
			r.remove(entry)
		}
	}
	return nil
}

func (r *Registry) remove(entry *ServiceEntry) {
	delete(r.services, entry.ID)
	r.byName[entry.Name] = without(r.byName[entry.Name], entry.ID)
	if len(r.byName[entry.Name]) == 0 {
		delete(r.byName, entry.Name)
	}
	for _, it := range entry.interfaceTypes {
		r.byType[it] = without(r.byType[it], entry.ID)
		if len(r.byType[it]) == 0 {
			delete(r.byType, it)
		}
	}
	r.debug("Service unregistered", "service", entry.Name, "id", entry.ID, "owner", entry.Owner)
}

// Get returns the oldest service registered under name and records the usage.
func (r *Registry) Get(ctx context.Context, consumer lifecycle.BundleID, name string) (interface{}, ServiceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byName[name]
	if len(ids) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	entry := r.services[ids[0]]
	entry.UsedBy[consumer]++
	return entry.service, entry.ID, nil
}

// GetByInterface returns the oldest service indexed under the interface type.
func (r *Registry) GetByInterface(ctx context.Context, consumer lifecycle.BundleID, interfaceType reflect.Type) (interface{}, ServiceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byType[interfaceType]
	if len(ids) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoServicesFoundForInterface, interfaceType)
	}
	entry := r.services[ids[0]]
	entry.UsedBy[consumer]++
	return entry.service, entry.ID, nil
}

// Unget releases one usage of the service by the consumer.
func (r *Registry) Unget(ctx context.Context, consumer lifecycle.BundleID, id ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, id)
	}
	if entry.UsedBy[consumer] == 0 {
		return fmt.Errorf("%w: bundle %d, service %d", ErrServiceNotInUse, consumer, id)
	}
	entry.UsedBy[consumer]--
	if entry.UsedBy[consumer] == 0 {
		delete(entry.UsedBy, consumer)
	}
	return nil
}

// UngetAll releases every usage recorded for the consumer.
func (r *Registry) UngetAll(ctx context.Context, consumer lifecycle.BundleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.services {
		delete(entry.UsedBy, consumer)
	}
	return nil
}

// List returns snapshots of all registrations ordered by id.
func (r *Registry) List(ctx context.Context) ([]ServiceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceEntry, 0, len(r.services))
	for _, entry := range r.services {
		snap := *entry
		snap.Properties = copyProps(entry.Properties)
		snap.UsedBy = make(map[lifecycle.BundleID]int, len(entry.UsedBy))
		for k, v := range entry.UsedBy {
			snap.UsedBy[k] = v
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Exists reports whether a service is registered under name.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[name]) > 0, nil
}

func without(ids []ServiceID, id ServiceID) []ServiceID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func copyProps(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
