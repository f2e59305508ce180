package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Registry maps tool names to contracts. Schemas are compiled once at
// registration so validation on the hot path is cheap. Read-mostly; a
// single RWMutex serializes dynamic registration.
type Registry struct {
	contracts map[string]*Contract
	schemas   map[string]*gojsonschema.Schema
	mu        sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[string]*Contract),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a contract to the registry. Duplicate names are rejected.
func (r *Registry) Register(c Contract) error {
	if c.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("tool %q has no handler", c.Name)
	}

	schemaJSON, err := json.Marshal(c.InputSchema())
	if err != nil {
		return fmt.Errorf("failed to marshal schema for %q: %w", c.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %q: %w", c.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contracts[c.Name]; exists {
		return fmt.Errorf("tool already registered: %s", c.Name)
	}

	contract := c
	r.contracts[c.Name] = &contract
	r.schemas[c.Name] = schema

	log.Debug().Str("tool", c.Name).Str("capability", c.Capability).Msg("Tool registered")
	return nil
}

// Lookup returns the contract for a tool name
func (r *Registry) Lookup(name string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contracts[name]
	return c, ok
}

// ListByCapability returns all contracts carrying the given capability tag
func (r *Registry) ListByCapability(tag string) []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Contract
	for _, c := range r.contracts {
		if c.Capability == tag {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered tool names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered contract, sorted by name
func (r *Registry) All() []*Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks an argument map against the tool's declared schema.
// A nil argument map is only valid for tools without required parameters.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return &ValidationError{Tool: name, Problems: []string{"unknown tool"}}
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ValidationError{Tool: name, Problems: problems}
	}

	return nil
}
