package stub

import "ilpunpack/internal/il"

// Registry tracks generated delegate types found while matching stubs. It
// records membership only; removal is the pruner's decision.
type Registry struct {
	set   map[*il.TypeDef]struct{}
	order []*il.TypeDef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{set: make(map[*il.TypeDef]struct{})}
}

// Add records t. Nil and already-known types are ignored.
func (r *Registry) Add(t *il.TypeDef) {
	if t == nil {
		return
	}
	if _, ok := r.set[t]; ok {
		return
	}
	r.set[t] = struct{}{}
	r.order = append(r.order, t)
}

// Contains reports whether t was recorded.
func (r *Registry) Contains(t *il.TypeDef) bool {
	_, ok := r.set[t]
	return ok
}

// Types returns the recorded types in discovery order.
func (r *Registry) Types() []*il.TypeDef {
	out := make([]*il.TypeDef, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }
