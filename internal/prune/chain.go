package prune

import (
	"fmt"

	"ilpunpack/internal/il"
)

// Chain is the native loader the protection layer embeds when its platform
// helpers are implemented in IL rather than imported.
type Chain struct {
	Platform [2]*il.MethodDef
	Native   bool // both platform helpers are P/Invoke imports

	Pointer      *il.MethodDef // resolves an export to a delegate
	Library      *il.MethodDef // extracts and loads the native library
	Address      *il.MethodDef // resolves an export address
	ModuleHandle *il.MethodDef
	WritePayload *il.MethodDef
	LoadLibrary  *il.MethodDef
	Delegate     *il.TypeDef

	// Resources are the embedded native libraries, 64-bit first.
	Resources []*il.Resource
}

// Methods returns every method of the chain in removal order.
func (c *Chain) Methods() []*il.MethodDef {
	out := []*il.MethodDef{c.Platform[0], c.Platform[1]}
	for _, md := range []*il.MethodDef{c.Pointer, c.Library, c.Address, c.ModuleHandle, c.WritePayload, c.LoadLibrary} {
		if md != nil {
			out = append(out, md)
		}
	}
	return out
}

// locateChain finds the loader chain reachable from the platform helpers by
// shape rather than by position. Every lookup must find exactly what it
// expects or the chain is abandoned.
func (p *Pruner) locateChain(first, second *il.MethodDef) (*Chain, error) {
	if first.Body == nil {
		return nil, fmt.Errorf("%s has no body", first.Name)
	}
	c := &Chain{Platform: [2]*il.MethodDef{first, second}}

	for _, in := range first.Body.Instructions {
		if in.OpCode.Code != il.Call {
			continue
		}
		if md, ok := in.Operand.(*il.MethodDef); ok && isPointerResolver(md) {
			c.Pointer = md
			break
		}
	}
	if c.Pointer == nil {
		return nil, fmt.Errorf("no pointer resolver called from %s", first.Name)
	}

	for _, in := range first.Body.Instructions {
		if t, ok := in.Operand.(*il.TypeDef); ok && t.IsDelegate() {
			c.Delegate = t
			break
		}
	}
	if c.Delegate == nil {
		return nil, fmt.Errorf("no delegate type used by %s", first.Name)
	}

	if c.Pointer.Body == nil {
		return nil, fmt.Errorf("%s has no body", c.Pointer.Name)
	}
	known := map[*il.MethodDef]bool{first: true, second: true, c.Pointer: true}
	callees := globalCallees(c.Pointer.Body, known)
	if len(callees) != 2 {
		return nil, fmt.Errorf("%s calls %d global helpers, want 2", c.Pointer.Name, len(callees))
	}
	c.Library, c.Address = callees[0], callees[1]
	known[c.Library], known[c.Address] = true, true

	if c.Library.Body == nil {
		return nil, fmt.Errorf("%s has no body", c.Library.Name)
	}
	if p.Module.Name != p.Options.RuntimeModuleName {
		res := namedResources(p.Module, c.Library.Body)
		if len(res) != 2 {
			return nil, fmt.Errorf("%s names %d resources, want 2", c.Library.Name, len(res))
		}
		c.Resources = res
	}

	rest := globalCallees(c.Library.Body, known)
	if len(rest) != 3 {
		return nil, fmt.Errorf("%s calls %d other global helpers, want 3", c.Library.Name, len(rest))
	}
	c.ModuleHandle, c.WritePayload, c.LoadLibrary = rest[0], rest[1], rest[2]
	return c, nil
}

// globalCallees returns the distinct global methods b calls, in stream
// order, skipping those in known.
func globalCallees(b *il.Body, known map[*il.MethodDef]bool) []*il.MethodDef {
	seen := make(map[*il.MethodDef]bool)
	var out []*il.MethodDef
	for _, in := range b.Instructions {
		if in.OpCode.Code != il.Call {
			continue
		}
		md, ok := in.Operand.(*il.MethodDef)
		if !ok || !isGlobal(md) || known[md] || seen[md] {
			continue
		}
		seen[md] = true
		out = append(out, md)
	}
	return out
}

// namedResources returns the distinct resources whose names b loads with
// ldstr, in stream order.
func namedResources(m *il.Module, b *il.Body) []*il.Resource {
	seen := make(map[*il.Resource]bool)
	var out []*il.Resource
	for _, in := range b.Instructions {
		if in.OpCode.Code != il.Ldstr {
			continue
		}
		s, _ := in.Operand.(string)
		r := m.FindResource(s)
		if r == nil || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func isPointerResolver(md *il.MethodDef) bool {
	s := md.Sig
	return isGlobal(md) && s.Ret.FullName() == "System.Delegate" && len(s.Params) == 2 &&
		s.Params[0].Elem == il.ElemString && s.Params[1].FullName() == "System.Type"
}
