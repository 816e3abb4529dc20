// Package registry provides the node-type registry for FeedFlow.
// It maps stable type names (the "type" key in graph definitions) to a
// pipeline kind, a description and a factory. The engine consults the
// registry to instantiate nodes; graph validation consults it to reject
// unknown types before execution.
package registry

import (
	"fmt"
	"sync"

	"github.com/plover-labs/feedflow/core"
)

// NodeFactory instantiates a node from one graph definition entry. The
// cfg map holds every node key except "type" and "enabled". Factories
// return an error when required configuration is missing or malformed;
// the error aborts the load of that DAG only.
type NodeFactory func(id string, cfg map[string]any, enabled bool) (core.Node, error)

// NodeTypeDef describes a registered node type.
type NodeTypeDef struct {
	Type        string        `json:"type"`
	Kind        core.NodeKind `json:"kind"`
	Description string        `json:"description"`
	New         NodeFactory   `json:"-"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and registers all built-in node types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known node types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeTypeDef
	order []string // preserves registration order
}

// New creates an empty registry. Most callers want Global.
func New() *Registry {
	return &Registry{
		types: make(map[string]NodeTypeDef),
	}
}

// Register adds a node type definition. A type registered under an
// existing name overwrites it.
func (r *Registry) Register(def NodeTypeDef) error {
	if def.Type == "" {
		return fmt.Errorf("registry: node type name is empty")
	}
	if def.New == nil {
		return fmt.Errorf("registry: node type %q has no factory", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
	return nil
}

// MustRegister is Register that panics on error. Built-in registration
// uses it; a bad builtin is a programming error.
func (r *Registry) MustRegister(def NodeTypeDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a node type definition by type name.
func (r *Registry) Get(typeName string) (NodeTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// NewNode instantiates a node of the given type.
func (r *Registry) NewNode(typeName, id string, cfg map[string]any, enabled bool) (core.Node, error) {
	def, ok := r.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("registry: unknown node type %q", typeName)
	}
	node, err := def.New(id, cfg, enabled)
	if err != nil {
		return nil, fmt.Errorf("creating node %q (type %q): %w", id, typeName, err)
	}
	return node, nil
}

// Types returns all registered node types in registration order.
// Used by the GET /v1/node-types endpoint.
func (r *Registry) Types() []NodeTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]NodeTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
