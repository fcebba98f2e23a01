// Tool registry: a closed set of named capabilities with declared schemas.
//
// Information Hiding:
// - Tool storage and lookup implementation hidden
// - Schema compilation hidden behind Register
// - Registration and discovery mechanisms abstracted

package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry manages available tools. It is populated at process start and
// treated as read-only at runtime, so concurrent runs share it without
// coordination beyond the registration lock.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a new tool to the registry, compiling its parameter schema.
// Returns an error if a tool with the same name already exists or the
// declared schema does not compile.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := tool.Metadata()
	if _, exists := r.tools[meta.Name]; exists {
		return fmt.Errorf("tool %q already registered", meta.Name)
	}

	schema, err := compileSchema(meta.Name, meta.Schema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", meta.Name, err)
	}

	r.tools[meta.Name] = tool
	if schema != nil {
		r.schemas[meta.Name] = schema
	}
	return nil
}

// compileSchema compiles a tool's declared JSON Schema.
// A tool without a schema accepts any parameters.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// Schema returns the compiled parameter schema for a tool, if declared.
func (r *Registry) Schema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, exists := r.schemas[name]
	return schema, exists
}

// Has checks if a tool exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns metadata for all registered tools.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata := make([]Metadata, 0, len(r.tools))
	for _, tool := range r.tools {
		metadata = append(metadata, tool.Metadata())
	}
	sort.Slice(metadata, func(i, j int) bool { return metadata[i].Name < metadata[j].Name })
	return metadata
}

// Subset returns metadata for the named tools, skipping unknown names.
// Reason steps use it to expose only their permitted tools to the provider.
func (r *Registry) Subset(names []string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata := make([]Metadata, 0, len(names))
	for _, name := range names {
		if tool, exists := r.tools[name]; exists {
			metadata = append(metadata, tool.Metadata())
		}
	}
	return metadata
}

// Description returns a formatted description of all tools for LLM prompts.
func (r *Registry) Description() string {
	var descriptions []string
	for _, meta := range r.List() {
		entry := fmt.Sprintf("Tool: %s\nDescription: %s", meta.Name, meta.Description)
		if len(meta.Schema) > 0 {
			entry += fmt.Sprintf("\nParameters (JSON Schema): %s", string(meta.Schema))
		}
		descriptions = append(descriptions, entry)
	}
	return strings.Join(descriptions, "\n\n")
}
