package extractor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry dispatches source units to the adapter registered for their dialect.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Dialect]LanguageAdapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...LanguageAdapter) *Registry {
	r := &Registry{adapters: make(map[Dialect]LanguageAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// DefaultRegistry registers the PL/pgSQL parser and every tree-sitter route adapter.
func DefaultRegistry() *Registry {
	r := NewRegistry(NewPLpgSQLAdapter())
	for _, g := range grammars() {
		r.Register(NewTreeSitterAdapter(g))
	}
	return r
}

// Register adds or replaces the adapter for its dialect.
func (r *Registry) Register(a LanguageAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Dialect()] = a
}

// Supports reports whether a dialect (or one of its aliases) has an adapter.
func (r *Registry) Supports(d Dialect) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[NormalizeDialect(string(d))]
	return ok
}

// Dialects lists registered dialects in sorted order.
func (r *Registry) Dialects() []Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Dialect, 0, len(r.adapters))
	for d := range r.adapters {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse runs the unit through its dialect adapter.
func (r *Registry) Parse(ctx context.Context, unit SourceUnit) (*Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := NormalizeDialect(string(unit.Dialect))
	r.mu.RLock()
	a, ok := r.adapters[d]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (%s)", ErrUnsupportedDialect, unit.Dialect, unit.Path)
	}
	unit.Dialect = d
	return a.Parse(ctx, unit)
}
