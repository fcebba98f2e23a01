// Compute function registry.
//
// Compute steps run registered pure aggregation functions: no external
// services, deterministic, fast. Functions are registered at process start
// and looked up by name from step definitions.

package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ComputeFunc is a pure aggregation function. Inputs are the resolved step
// inputs keyed by declared input key; the returned value is the step output.
type ComputeFunc func(ctx context.Context, inputs map[string]json.RawMessage) (json.RawMessage, error)

// ComputeRegistry maps function names to compute implementations.
type ComputeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]ComputeFunc
}

// NewComputeRegistry creates an empty compute function registry.
func NewComputeRegistry() *ComputeRegistry {
	return &ComputeRegistry{funcs: make(map[string]ComputeFunc)}
}

// Register adds a compute function.
// Returns an error if the name is already taken.
func (r *ComputeRegistry) Register(name string, fn ComputeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("compute function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Get returns a compute function by name.
func (r *ComputeRegistry) Get(name string) (ComputeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, exists := r.funcs[name]
	return fn, exists
}

// Has checks if a function exists in the registry.
func (r *ComputeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.funcs[name]
	return exists
}

// Names returns all registered function names in sorted order.
func (r *ComputeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
