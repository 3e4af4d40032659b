package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ServiceNotFoundError reports a lookup for a model name no descriptor was
// registered under. The transport surfaces it as a not-found condition and
// includes the available names for diagnosis, mirroring the protocol's
// "model not found" behavior.
type ServiceNotFoundError struct {
	Name      string
	Available []string
}

// Error implements error.
func (e *ServiceNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("service %q not found (no services registered)", e.Name)
	}
	return fmt.Sprintf("service %q not found, available: %s", e.Name, strings.Join(e.Available, ", "))
}

// Registry is the process-wide table of descriptors keyed by public name.
// The intended lifecycle is populate at startup, read-only while serving;
// lookups take a read lock so late registration remains safe regardless.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Descriptor
	created  time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Descriptor), created: time.Now()}
}

// Default is the process-wide registry used by the package-level Register
// helpers and, by convention, by servers that are not handed an explicit
// registry.
var Default = NewRegistry()

// Register validates the handler, builds its descriptor and adds it to the
// registry. Duplicate names, nameless registrations, zero-parameter handlers
// and unsupported handler shapes are all rejected here, never deferred to
// first request.
func (r *Registry) Register(name string, handler any, opts ...Option) (*Descriptor, error) {
	d, err := NewDescriptor(name, handler, opts...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return nil, fmt.Errorf("service %q already registered", name)
	}
	r.services[name] = d
	return d, nil
}

// Lookup returns the descriptor registered under name, or a
// ServiceNotFoundError listing the registered names.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	d, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ServiceNotFoundError{Name: name, Available: r.Names()}
	}
	return d, nil
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the registered descriptors, sorted by name.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds := make([]*Descriptor, 0, len(r.services))
	for _, d := range r.services {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].name < ds[j].name })
	return ds
}

// Created returns the registry creation time, used as the "created" stamp in
// model listings.
func (r *Registry) Created() time.Time { return r.created }

// Name implements goa.design/clue/health.Pinger.
func (r *Registry) Name() string { return "registry" }

// Ping implements goa.design/clue/health.Pinger. The registry is healthy
// once at least one service is registered.
func (r *Registry) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.services) == 0 {
		return fmt.Errorf("no services registered")
	}
	return nil
}

// Register adds a service to the Default registry.
func Register(name string, handler any, opts ...Option) (*Descriptor, error) {
	return Default.Register(name, handler, opts...)
}

// MustRegister is like Register but panics on error. Intended for
// registration from package init or main, where a bad registration is fatal
// at startup.
func MustRegister(name string, handler any, opts ...Option) *Descriptor {
	d, err := Register(name, handler, opts...)
	if err != nil {
		panic(err)
	}
	return d
}
