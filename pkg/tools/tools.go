// Package tools implements the context-gathering side of the pipeline:
// deterministic utilities the council consults before any model sees the
// query. Tool failures degrade the answer's context, never the query.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Tool is one invocable capability.
type Tool interface {
	// Name is the catalog identifier, e.g. "calculator".
	Name() string
	// Invoke runs the tool. The result must be JSON-serializable.
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Registry holds the tool catalog. Catalog order is fixed at registration
// time and drives deterministic context assembly.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools. Duplicate names are
// an error; the catalog is a bijection from name to tool.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the catalog in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// rank returns the catalog position of a tool, or len(catalog) for
// unknown names so they sort last.
func (r *Registry) rank(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}

// sortCatalogOrder orders names by catalog position.
func (r *Registry) sortCatalogOrder(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return r.rank(names[i]) < r.rank(names[j])
	})
}
