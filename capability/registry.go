package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/capmesh/capmesh/logging"
)

// Registry is the process-wide name-to-capability lookup. Registration and
// removal are guarded by a single mutex; reads take a read lock and return
// snapshots so callers never observe a partially mutated table.
//
// Universal capabilities are registered once and implicitly allowed for
// every entity regardless of its declared capability list (the guard unions
// them in).
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]Capability
	universal map[string]bool
	logger    logging.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		caps:      make(map[string]Capability),
		universal: make(map[string]bool),
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// Register adds a capability under its descriptor name. Names are unique; a
// second registration for a live name fails. Re-registering a name after
// Unregister succeeds, and the newest registration wins.
func (r *Registry) Register(c Capability) error {
	desc := c.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("capability has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[desc.Name]; exists {
		return fmt.Errorf("capability %q already registered", desc.Name)
	}
	r.caps[desc.Name] = c

	r.logger.Debug("registry.register", "capability", desc.Name, "kind", string(desc.Kind))
	return nil
}

// RegisterUniversal registers a capability and marks it universal, meaning
// every entity may invoke it without declaring it.
func (r *Registry) RegisterUniversal(c Capability) error {
	if err := r.Register(c); err != nil {
		return err
	}
	r.mu.Lock()
	r.universal[c.Descriptor().Name] = true
	r.mu.Unlock()
	return nil
}

// Unregister removes a capability by name, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; !exists {
		return false
	}
	delete(r.caps, name)
	delete(r.universal, name)

	r.logger.Debug("registry.unregister", "capability", name)
	return true
}

// Get returns the capability registered under name, if any.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Exists reports whether a capability is registered under name.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// List returns descriptors of all capabilities of the given kind, sorted by
// name for stable output.
func (r *Registry) List(kind Kind) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		desc := c.Descriptor()
		if desc.Kind == kind {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UniversalNames returns the sorted names of universal capabilities.
func (r *Registry) UniversalNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.universal))
	for name := range r.universal {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}
