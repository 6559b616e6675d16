// Package callgraph builds lattice graphs from method bodies and from the
// scaffolding the pruner removed.
package callgraph

import (
	"github.com/zboralski/lattice"

	"ilpunpack/internal/il"
	"ilpunpack/internal/prune"
)

// Callee returns the full name of the method an instruction calls, or "" if
// it is not a call.
func Callee(in *il.Instruction) string {
	switch in.OpCode.Code {
	case il.Call, il.Callvirt, il.Newobj, il.Ldftn, il.Ldvirtftn:
	default:
		return ""
	}
	if m, ok := in.Operand.(il.Method); ok {
		return m.FullName()
	}
	return ""
}

// BuildCallGraph constructs a lattice.Graph from method bodies.
// Each method becomes a node. Each call, callvirt, newobj or ldftn operand
// becomes an edge.
func BuildCallGraph(methods []*il.MethodDef) *lattice.Graph {
	g := &lattice.Graph{}
	for _, md := range methods {
		name := md.FullName()
		g.Nodes = append(g.Nodes, name)
		if md.Body == nil {
			continue
		}
		for _, in := range md.Body.Instructions {
			callee := Callee(in)
			if callee == "" {
				continue
			}
			g.Edges = append(g.Edges, lattice.Edge{Caller: name, Callee: callee})
		}
	}
	g.Dedup()
	return g
}

// PruneGraph returns the removed scaffolding as a graph rooted at the module
// initializer: initializer → platform helpers → loader chain, plus the
// delegate type and resources the chain used. Nil if nothing was removed
// from the initializer.
func PruneGraph(res *prune.Result) *lattice.Graph {
	if res == nil || res.Initializer == nil {
		return nil
	}
	g := &lattice.Graph{}
	root := res.Initializer.FullName()
	g.Nodes = append(g.Nodes, root)
	edge := func(from, to string) {
		g.Nodes = append(g.Nodes, to)
		g.Edges = append(g.Edges, lattice.Edge{Caller: from, Callee: to})
	}

	c := res.Chain
	if c == nil {
		return g
	}
	for _, p := range c.Platform {
		edge(root, p.FullName())
	}
	if c.Native || c.Pointer == nil {
		g.Dedup()
		return g
	}

	first := c.Platform[0].FullName()
	ptr := c.Pointer.FullName()
	lib := c.Library.FullName()
	edge(first, ptr)
	if c.Delegate != nil {
		edge(first, "type "+c.Delegate.FullName())
	}
	edge(ptr, lib)
	edge(ptr, c.Address.FullName())
	for _, md := range []*il.MethodDef{c.ModuleHandle, c.WritePayload, c.LoadLibrary} {
		edge(lib, md.FullName())
	}
	for _, r := range c.Resources {
		edge(lib, "resource "+r.Name)
	}
	g.Dedup()
	return g
}
