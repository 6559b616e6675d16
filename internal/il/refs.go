package il

// RefScan collects the metadata rows a module refers to.
type RefScan struct {
	// SkipType excludes a type and everything it declares from the scan.
	SkipType func(*TypeDef) bool
	// SkipMethod excludes a single method.
	SkipMethod func(*MethodDef) bool
	// Body, if set, supplies the body to scan in place of md.Body.
	Body func(md *MethodDef) *Body
}

// Collect returns the set of rows referenced from instruction operands,
// signatures, base types, catch types and member-ref parents. A MemberRef
// operand also counts as a reference to its parent type.
func (s RefScan) Collect(m *Module) map[any]bool {
	refs := make(map[any]bool)
	var sig func(TypeSig)
	sig = func(ts TypeSig) {
		if ts.Type != nil {
			refs[ts.Type] = true
		}
		if ts.Next != nil {
			sig(*ts.Next)
		}
	}
	msig := func(ms MethodSig) {
		sig(ms.Ret)
		for _, p := range ms.Params {
			sig(p)
		}
	}
	operand := func(op any) {
		switch v := op.(type) {
		case *TypeDef, *TypeRef, *FieldDef, *MethodDef:
			refs[v] = true
		case *MemberRef:
			refs[v] = true
			if v.Class != nil {
				refs[v.Class] = true
			}
			if v.IsField {
				sig(v.FieldType)
			} else {
				msig(v.MethodSig)
			}
		}
	}

	for _, t := range m.AllTypes() {
		if s.SkipType != nil && s.skipped(t) {
			continue
		}
		if t.BaseType != nil {
			refs[t.BaseType] = true
		}
		for _, f := range t.Fields {
			sig(f.Type)
		}
		for _, md := range t.Methods {
			if s.SkipMethod != nil && s.SkipMethod(md) {
				continue
			}
			msig(md.Sig)
			b := md.Body
			if s.Body != nil {
				b = s.Body(md)
			}
			if b == nil {
				continue
			}
			for _, in := range b.Instructions {
				operand(in.Operand)
			}
			for _, l := range b.Locals {
				sig(l.Type)
			}
			for _, h := range b.Handlers {
				if h.CatchType != nil {
					refs[h.CatchType] = true
				}
			}
		}
	}
	return refs
}

func (s RefScan) skipped(t *TypeDef) bool {
	for ; t != nil; t = t.DeclaringType {
		if s.SkipType(t) {
			return true
		}
	}
	return false
}
