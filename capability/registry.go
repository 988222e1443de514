package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Registry holds capabilities in registration order.
type Registry struct {
	mu    sync.RWMutex
	defs  []Definition
	index map[string]int
}

// NewRegistry creates a registry from defs, in order.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{index: make(map[string]int)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a definition. Names must be unique.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" {
		return fmt.Errorf("register: empty capability name")
	}
	if d.invoke == nil {
		return fmt.Errorf("register %s: no handler; build definitions with Define", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[d.Name]; ok {
		return fmt.Errorf("register %s: %w", d.Name, ErrAlreadyRegistered)
	}
	r.index[d.Name] = len(r.defs)
	r.defs = append(r.defs, d)
	return nil
}

// List returns the capability descriptors in registration order.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.Capability
	}
	return out
}

// Names returns capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.defs))
	for i, d := range r.defs {
		names[i] = d.Name
	}
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

// Invoke validates args and dispatches to the named capability. The error is
// an *UnknownCapabilityError or *ArgumentValidationError; failures of the
// underlying command or lookup are reported in the returned Outcome.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Outcome, error) {
	r.mu.RLock()
	i, ok := r.index[name]
	var d Definition
	if ok {
		d = r.defs[i]
	}
	r.mu.RUnlock()

	if !ok {
		return Outcome{}, &UnknownCapabilityError{Name: name}
	}
	return d.invoke(ctx, args)
}
