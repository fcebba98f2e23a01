// Package skill provides skill definition management and registration.
//
// Information Hiding:
// - Definition storage and lookup implementation hidden
// - Validation rules internalized behind Register
// - Compute function dispatch hidden from the runtime

package skill

import (
	"fmt"
	"sort"
	"sync"

	"github.com/revlens/revlens/model"
)

// Registry manages skill definitions. Definitions are validated at
// registration time and treated as immutable afterwards; the runtime
// re-validates per run to tolerate hot-reloaded definitions.
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]model.SkillDefinition
	computes *ComputeRegistry
	hasTool  func(string) bool
}

// NewRegistry creates an empty skill registry backed by the given compute
// function registry.
func NewRegistry(computes *ComputeRegistry) *Registry {
	return &Registry{
		skills:   make(map[string]model.SkillDefinition),
		computes: computes,
	}
}

// WithToolCheck enables registration-time validation of reason-step tool
// names against the process tool registry.
func (r *Registry) WithToolCheck(hasTool func(string) bool) *Registry {
	r.hasTool = hasTool
	return r
}

// Register validates and adds a skill definition.
// Returns an error if validation fails or the ID is already taken.
func (r *Registry) Register(def model.SkillDefinition) error {
	if err := r.Validate(def); err != nil {
		return fmt.Errorf("skill %q: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[def.ID]; exists {
		return fmt.Errorf("skill %q already registered", def.ID)
	}
	r.skills[def.ID] = def
	return nil
}

// Get returns a skill definition by ID.
func (r *Registry) Get(id string) (model.SkillDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.skills[id]
	return def, exists
}

// Names returns all registered skill IDs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered skill definitions sorted by ID.
func (r *Registry) List() []model.SkillDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.SkillDefinition, 0, len(r.skills))
	for _, def := range r.skills {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Computes returns the compute function registry.
func (r *Registry) Computes() *ComputeRegistry {
	return r.computes
}
