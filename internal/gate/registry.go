package gate

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps action names to actions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds a. Names must be unique.
func (r *Registry) Register(a Action) error {
	name := a.Descriptor().Name
	if name == "" {
		return fmt.Errorf("action has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// List returns all actions sorted by name.
func (r *Registry) List() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor().Name < out[j].Descriptor().Name })
	return out
}

// Descriptors returns the descriptors of all actions sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	actions := r.List()
	out := make([]Descriptor, len(actions))
	for i, a := range actions {
		out[i] = a.Descriptor()
	}
	return out
}

// ToolDefinition is what the model sees for one action.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolDefinitions lists every registered action as a model tool, sorted by name.
func (r *Registry) ToolDefinitions() []ToolDefinition {
	descs := r.Descriptors()
	out := make([]ToolDefinition, len(descs))
	for i, d := range descs {
		out[i] = ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
