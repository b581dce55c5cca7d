package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/relaykit/sessiond/internal/store"
)

type registration struct {
	schema    Schema
	factory   WorkerFactory
	transport Transport
}

// Registry maps provider names to their config schema, worker factory and
// transport. Populated at startup via typed registration calls; at runtime
// only schema definitions may change (hot reload).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registration{}}
}

// Register declares a provider's config schema and worker factory.
// Re-registering the same name overwrites. A nil factory declares the config
// shape of a provider whose runtime is not implemented yet.
func (r *Registry) Register(name string, schema Schema, factory WorkerFactory) {
	name = normalizeName(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[name]
	if entry == nil {
		entry = &registration{}
		r.entries[name] = entry
	}
	entry.schema = schema
	entry.factory = factory
}

// RegisterTransport attaches the wire capability used by the handshake
// coordinator and by workers of this provider.
func (r *Registry) RegisterTransport(name string, transport Transport) {
	name = normalizeName(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[name]
	if entry == nil {
		entry = &registration{}
		r.entries[name] = entry
	}
	entry.transport = transport
}

// ReloadSchema replaces only the schema for a provider, keeping any factory
// and transport. Used by the schema file watcher.
func (r *Registry) ReloadSchema(name string, schema Schema) {
	name = normalizeName(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[name]
	if entry == nil {
		entry = &registration{}
		r.entries[name] = entry
	}
	entry.schema = schema
}

// ValidateConfig checks cfg against the provider's schema. Problems are
// stable codes for the management surface: MISSING:<f>, EMPTY:<f>, TYPE:<f>,
// or UNKNOWN_PROVIDER when the provider is not registered.
func (r *Registry) ValidateConfig(name string, cfg map[string]any) (bool, []string) {
	r.mu.RLock()
	entry := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if entry == nil {
		return false, []string{"UNKNOWN_PROVIDER"}
	}
	problems := entry.schema.validate(cfg)
	return len(problems) == 0, problems
}

// CreateWorker builds a worker for the resource's provider.
func (r *Registry) CreateWorker(resource store.Resource) (Worker, error) {
	name := normalizeName(resource.Provider)
	r.mu.RLock()
	entry := r.entries[name]
	r.mu.RUnlock()
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if entry.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkerImplementation, name)
	}
	return entry.factory(resource)
}

// Transport returns the wire capability for a provider.
func (r *Registry) Transport(name string) (Transport, error) {
	r.mu.RLock()
	entry := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if entry == nil || entry.transport == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, normalizeName(name))
	}
	return entry.transport, nil
}

// Schema returns the declared schema for a provider, for the management UI.
func (r *Registry) Schema(name string) (Schema, error) {
	r.mu.RLock()
	entry := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if entry == nil {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownProvider, normalizeName(name))
	}
	return entry.schema, nil
}

// Names lists registered providers in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
