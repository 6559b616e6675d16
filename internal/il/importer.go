package il

import (
	"errors"
	"fmt"
)

// ErrUnresolvableOperand is wrapped by every importer failure.
var ErrUnresolvableOperand = errors.New("il: operand cannot be resolved in destination module")

// Importer re-homes operands of a foreign body into a destination module.
// Existing definitions and references are reused; new TypeRefs and
// MemberRefs are only created for assemblies the module already references.
type Importer struct {
	Module *Module

	// Created lists references the importer added to the module.
	Created []any
}

// NewImporter returns an importer targeting m.
func NewImporter(m *Module) *Importer {
	return &Importer{Module: m}
}

// Import returns a copy of b whose operands all belong to the destination
// module. The module gains TypeRefs/MemberRefs only if the whole body
// imports; on error nothing is added.
func (im *Importer) Import(b *Body) (*Body, error) {
	mark := im.Mark()
	out := b.Clone()
	for i, in := range out.Instructions {
		op, err := im.operand(in.Operand)
		if err != nil {
			im.Rollback(mark)
			return nil, fmt.Errorf("#%d %s: %w", i, in.OpCode.Name, err)
		}
		in.Operand = op
	}
	for _, h := range out.Handlers {
		if h.CatchType == nil {
			continue
		}
		t, err := im.typ(h.CatchType)
		if err != nil {
			im.Rollback(mark)
			return nil, fmt.Errorf("catch type: %w", err)
		}
		h.CatchType = t
	}
	for _, l := range out.Locals {
		sig, err := im.sig(l.Type)
		if err != nil {
			im.Rollback(mark)
			return nil, fmt.Errorf("local %d: %w", l.Index, err)
		}
		l.Type = sig
	}
	return out, nil
}

// Mark returns a position Rollback can return to.
func (im *Importer) Mark() int { return len(im.Created) }

// Rollback removes every reference created since mark from the module.
func (im *Importer) Rollback(mark int) {
	for _, c := range im.Created[mark:] {
		switch v := c.(type) {
		case *TypeRef:
			removePtr(&im.Module.TypeRefs, v)
		case *MemberRef:
			removePtr(&im.Module.MemberRefs, v)
		}
	}
	im.Created = im.Created[:mark]
}

func (im *Importer) operand(op any) (any, error) {
	switch v := op.(type) {
	case UnresolvedToken:
		return nil, fmt.Errorf("%w: token %s", ErrUnresolvableOperand, Token(v))
	case *ImportRef:
		return im.importRef(v)
	case *TypeDef, *TypeRef:
		return im.typ(v.(TypeDefOrRef))
	case *FieldDef:
		return im.fieldDef(v)
	case *MethodDef:
		return im.methodDef(v)
	case *MemberRef:
		return im.memberRef(v)
	}
	return op, nil
}

func (im *Importer) typ(t TypeDefOrRef) (TypeDefOrRef, error) {
	switch v := t.(type) {
	case *TypeDef:
		if v.Module == im.Module {
			return v, nil
		}
		if td := im.findTypeDef(v.FullName()); td != nil {
			return td, nil
		}
		return nil, fmt.Errorf("%w: type %s", ErrUnresolvableOperand, v.FullName())
	case *TypeRef:
		for _, r := range im.Module.TypeRefs {
			if r == v {
				return v, nil
			}
		}
		return im.typeRef(v.Scope, v.Namespace, v.Name)
	case *ImportRef:
		if v.Kind != RefType {
			break
		}
		ns, name := splitTypeName(v.Type)
		return im.typeRef(v.Scope, ns, name)
	}
	return nil, fmt.Errorf("%w: type %v", ErrUnresolvableOperand, t)
}

func (im *Importer) typeRef(scope, ns, name string) (TypeDefOrRef, error) {
	full := name
	if ns != "" {
		full = ns + "." + name
	}
	if scope == "" {
		if td := im.findTypeDef(full); td != nil {
			return td, nil
		}
		return nil, fmt.Errorf("%w: type %s", ErrUnresolvableOperand, full)
	}
	for _, r := range im.Module.TypeRefs {
		if r.Scope == scope && r.FullName() == full {
			return r, nil
		}
	}
	if !im.Module.HasAssemblyRef(scope) {
		return nil, fmt.Errorf("%w: type [%s]%s: assembly not referenced", ErrUnresolvableOperand, scope, full)
	}
	r := &TypeRef{
		Token:     NewToken(TableTypeRef, nextRID(im.Module.TypeRefs)),
		Scope:     scope,
		Namespace: ns,
		Name:      name,
	}
	im.Module.TypeRefs = append(im.Module.TypeRefs, r)
	im.Created = append(im.Created, r)
	return r, nil
}

func (im *Importer) findTypeDef(full string) *TypeDef {
	for _, t := range im.Module.AllTypes() {
		if t.FullName() == full {
			return t
		}
	}
	return nil
}

func (im *Importer) sig(s TypeSig) (TypeSig, error) {
	switch s.Elem {
	case ElemClass, ElemValueType:
		if s.Type == nil {
			return s, fmt.Errorf("%w: signature without type", ErrUnresolvableOperand)
		}
		t, err := im.typ(s.Type)
		if err != nil {
			return s, err
		}
		s.Type = t
	case ElemSZArray:
		if s.Next == nil {
			return s, fmt.Errorf("%w: array signature without element", ErrUnresolvableOperand)
		}
		next, err := im.sig(*s.Next)
		if err != nil {
			return s, err
		}
		s.Next = &next
	}
	return s, nil
}

func (im *Importer) methodSig(ms MethodSig) (MethodSig, error) {
	out := MethodSig{HasThis: ms.HasThis}
	ret, err := im.sig(ms.Ret)
	if err != nil {
		return out, err
	}
	out.Ret = ret
	for _, p := range ms.Params {
		ps, err := im.sig(p)
		if err != nil {
			return out, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

func (im *Importer) fieldDef(f *FieldDef) (Field, error) {
	if f.DeclaringType != nil && f.DeclaringType.Module == im.Module {
		return f, nil
	}
	if f.DeclaringType != nil {
		if td := im.findTypeDef(f.DeclaringType.FullName()); td != nil {
			if own := td.FindField(f.Name); own != nil {
				return own, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: field %s", ErrUnresolvableOperand, f.FullName())
}

func (im *Importer) methodDef(m *MethodDef) (Method, error) {
	if m.DeclaringType != nil && m.DeclaringType.Module == im.Module {
		return m, nil
	}
	if m.DeclaringType != nil {
		if td := im.findTypeDef(m.DeclaringType.FullName()); td != nil {
			want := m.FullName()
			for _, own := range td.Methods {
				if own.FullName() == want {
					return own, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: method %s", ErrUnresolvableOperand, m.FullName())
}

func (im *Importer) memberRef(r *MemberRef) (any, error) {
	for _, own := range im.Module.MemberRefs {
		if own == r {
			return r, nil
		}
	}
	cls, err := im.typ(r.Class)
	if err != nil {
		return nil, err
	}
	if r.IsField {
		ft, err := im.sig(r.FieldType)
		if err != nil {
			return nil, err
		}
		return im.member(cls, r.Name, true, MethodSig{}, ft)
	}
	ms, err := im.methodSig(r.MethodSig)
	if err != nil {
		return nil, err
	}
	return im.member(cls, r.Name, false, ms, TypeSig{})
}

func (im *Importer) importRef(r *ImportRef) (any, error) {
	ns, name := splitTypeName(r.Type)
	cls, err := im.typeRef(r.Scope, ns, name)
	if err != nil {
		return nil, err
	}
	switch r.Kind {
	case RefType:
		return cls, nil
	case RefField:
		ft, err := im.sig(r.FieldSig)
		if err != nil {
			return nil, err
		}
		return im.member(cls, r.Name, true, MethodSig{}, ft)
	default:
		ms, err := im.methodSig(r.Sig)
		if err != nil {
			return nil, err
		}
		return im.member(cls, r.Name, false, ms, TypeSig{})
	}
}

// member finds or creates the member named name on cls. Members of local
// types resolve to their definitions; members of referenced types to a
// MemberRef.
func (im *Importer) member(cls TypeDefOrRef, name string, isField bool, ms MethodSig, ft TypeSig) (any, error) {
	probe := &MemberRef{Name: name, Class: cls, IsField: isField, MethodSig: ms, FieldType: ft}
	want := probe.FullName()

	if td, ok := cls.(*TypeDef); ok {
		if isField {
			if f := td.FindField(name); f != nil && f.Type.FullName() == ft.FullName() {
				return f, nil
			}
		} else {
			for _, m := range td.Methods {
				if m.FullName() == want {
					return m, nil
				}
			}
		}
		return nil, fmt.Errorf("%w: %s not defined", ErrUnresolvableOperand, want)
	}

	for _, own := range im.Module.MemberRefs {
		if own.Class == cls && own.IsField == isField && own.FullName() == want {
			return own, nil
		}
	}
	probe.Token = NewToken(TableMemberRef, nextRID(im.Module.MemberRefs))
	im.Module.MemberRefs = append(im.Module.MemberRefs, probe)
	im.Created = append(im.Created, probe)
	return probe, nil
}

func splitTypeName(full string) (ns, name string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '.' {
			return full[:i], full[i+1:]
		}
	}
	return "", full
}

type tokened interface{ MDToken() Token }

func nextRID[T tokened](rows []T) uint32 {
	var hi uint32
	for _, r := range rows {
		if rid := r.MDToken().RID(); rid > hi {
			hi = rid
		}
	}
	return hi + 1
}
