// Package il models a .NET module's metadata tables and CIL method bodies.
//
// Operands refer to metadata rows by pointer. Two rows are the same reference
// only if they are the same pointer; full names are for display and for
// signature matching, never for identity.
package il

import (
	"fmt"
	"strings"
)

// Token is a metadata token: table index in the high byte, row in the rest.
type Token uint32

// Metadata table indices used in tokens.
const (
	TableTypeRef   = 0x01
	TableTypeDef   = 0x02
	TableField     = 0x04
	TableMethod    = 0x06
	TableMemberRef = 0x0A
	TableString    = 0x70
)

// NewToken builds a token from a table index and a 1-based row.
func NewToken(table uint8, rid uint32) Token {
	return Token(uint32(table)<<24 | rid&0x00FFFFFF)
}

func (t Token) Table() uint8 { return uint8(t >> 24) }
func (t Token) RID() uint32  { return uint32(t) & 0x00FFFFFF }

func (t Token) String() string { return fmt.Sprintf("0x%08x", uint32(t)) }

// GlobalTypeName is the name of the type holding module-level members.
const GlobalTypeName = "<Module>"

// Module is the whole metadata graph of one module.
type Module struct {
	Name           string
	RuntimeVersion string // metadata version string, e.g. "v4.0.30319"
	ILOnly         bool
	VTableFixups   bool
	AssemblyRefs   []string

	// Types holds top-level types in table order; Types[0] is <Module>.
	Types      []*TypeDef
	TypeRefs   []*TypeRef
	MemberRefs []*MemberRef
	Resources  []*Resource

	// NativeExtras is opaque Win32 resource / extra PE data carried through
	// untouched when the writer is asked to keep it.
	NativeExtras []byte
}

// GlobalType returns the <Module> type, or nil if the module has no types.
func (m *Module) GlobalType() *TypeDef {
	if len(m.Types) == 0 {
		return nil
	}
	return m.Types[0]
}

// AllTypes returns every type in the module, nested types included, in
// pre-order: each type is followed by its nested types.
func (m *Module) AllTypes() []*TypeDef {
	var out []*TypeDef
	var walk func(ts []*TypeDef)
	walk = func(ts []*TypeDef) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.Nested)
		}
	}
	walk(m.Types)
	return out
}

// FindResource returns the manifest resource with the given name.
func (m *Module) FindResource(name string) *Resource {
	for _, r := range m.Resources {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// RemoveResource removes r and reports whether it was present.
func (m *Module) RemoveResource(r *Resource) bool {
	for i, x := range m.Resources {
		if x == r {
			m.Resources = append(m.Resources[:i], m.Resources[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveType removes t from the top-level table or, if nested, from its
// declaring type. Reports whether t was present.
func (m *Module) RemoveType(t *TypeDef) bool {
	if t.DeclaringType != nil {
		return removePtr(&t.DeclaringType.Nested, t)
	}
	return removePtr(&m.Types, t)
}

// HasAssemblyRef reports whether the module references the named assembly.
func (m *Module) HasAssemblyRef(name string) bool {
	for _, a := range m.AssemblyRefs {
		if a == name {
			return true
		}
	}
	return false
}

// IsCLR1x reports whether the module targets the 1.x runtime.
func (m *Module) IsCLR1x() bool {
	return strings.HasPrefix(m.RuntimeVersion, "v1.")
}

// Resource is a manifest resource embedded in the module.
type Resource struct {
	Name   string
	Public bool
	Data   []byte
}

// TypeDefOrRef is a type operand: *TypeDef or *TypeRef.
type TypeDefOrRef interface {
	FullName() string
	MDToken() Token
}

// Field is a field operand: *FieldDef or *MemberRef.
type Field interface {
	FullName() string
	MDToken() Token
}

// Method is a method operand: *MethodDef or *MemberRef.
type Method interface {
	FullName() string
	MDToken() Token
}

// TypeDef is a row in the TypeDef table.
type TypeDef struct {
	Token         Token
	Namespace     string
	Name          string
	BaseType      TypeDefOrRef
	DeclaringType *TypeDef
	Nested        []*TypeDef
	Fields        []*FieldDef
	Methods       []*MethodDef
	Module        *Module
}

func (t *TypeDef) MDToken() Token { return t.Token }

func (t *TypeDef) FullName() string {
	if t.DeclaringType != nil {
		return t.DeclaringType.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// IsGlobalModuleType reports whether t is the module's <Module> type.
func (t *TypeDef) IsGlobalModuleType() bool {
	return t.Module != nil && t.Module.GlobalType() == t
}

// IsDelegate reports whether t derives directly from System.MulticastDelegate.
func (t *TypeDef) IsDelegate() bool {
	return t.BaseType != nil && t.BaseType.FullName() == "System.MulticastDelegate"
}

func (t *TypeDef) FindField(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *TypeDef) FindMethod(name string) *MethodDef {
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// FindStaticConstructor returns the type initializer (.cctor), if any.
func (t *TypeDef) FindStaticConstructor() *MethodDef {
	for _, m := range t.Methods {
		if m.Name == ".cctor" && m.Static {
			return m
		}
	}
	return nil
}

// RemoveMethod removes md from t and reports whether it was present.
func (t *TypeDef) RemoveMethod(md *MethodDef) bool { return removePtr(&t.Methods, md) }

// RemoveField removes fd from t and reports whether it was present.
func (t *TypeDef) RemoveField(fd *FieldDef) bool { return removePtr(&t.Fields, fd) }

// TypeRef is a row in the TypeRef table.
type TypeRef struct {
	Token     Token
	Scope     string // referenced assembly name
	Namespace string
	Name      string
}

func (t *TypeRef) MDToken() Token { return t.Token }

func (t *TypeRef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodSig is a method signature.
type MethodSig struct {
	HasThis bool
	Ret     TypeSig
	Params  []TypeSig
}

func (s *MethodSig) paramList() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = p.FullName()
	}
	return strings.Join(parts, ",")
}

// MethodDef is a row in the Method table.
type MethodDef struct {
	Token         Token
	Name          string
	DeclaringType *TypeDef
	Sig           MethodSig
	Static        bool
	PInvoke       bool // implemented by an external native import
	Body          *Body
}

func (m *MethodDef) MDToken() Token { return m.Token }

func (m *MethodDef) FullName() string {
	decl := ""
	if m.DeclaringType != nil {
		decl = m.DeclaringType.FullName()
	}
	return fmt.Sprintf("%s %s::%s(%s)", m.Sig.Ret.FullName(), decl, m.Name, m.Sig.paramList())
}

// HasBody reports whether the method carries CIL.
func (m *MethodDef) HasBody() bool { return m.Body != nil }

// FieldDef is a row in the Field table.
type FieldDef struct {
	Token         Token
	Name          string
	DeclaringType *TypeDef
	Type          TypeSig
	Static        bool
}

func (f *FieldDef) MDToken() Token { return f.Token }

func (f *FieldDef) FullName() string {
	decl := ""
	if f.DeclaringType != nil {
		decl = f.DeclaringType.FullName()
	}
	return fmt.Sprintf("%s %s::%s", f.Type.FullName(), decl, f.Name)
}

// MemberRef is a row in the MemberRef table: a method or field defined in
// another scope. Exactly one of MethodSig and FieldType is meaningful,
// selected by IsField.
type MemberRef struct {
	Token     Token
	Name      string
	Class     TypeDefOrRef
	IsField   bool
	MethodSig MethodSig
	FieldType TypeSig
}

func (r *MemberRef) MDToken() Token { return r.Token }

func (r *MemberRef) FullName() string {
	cls := ""
	if r.Class != nil {
		cls = r.Class.FullName()
	}
	if r.IsField {
		return fmt.Sprintf("%s %s::%s", r.FieldType.FullName(), cls, r.Name)
	}
	return fmt.Sprintf("%s %s::%s(%s)", r.MethodSig.Ret.FullName(), cls, r.Name, r.MethodSig.paramList())
}

// ResolveToken finds the metadata row with the given token, or nil.
func (m *Module) ResolveToken(tok Token) any {
	switch tok.Table() {
	case TableTypeDef:
		for _, t := range m.AllTypes() {
			if t.Token == tok {
				return t
			}
		}
	case TableTypeRef:
		for _, t := range m.TypeRefs {
			if t.Token == tok {
				return t
			}
		}
	case TableMemberRef:
		for _, r := range m.MemberRefs {
			if r.Token == tok {
				return r
			}
		}
	case TableField:
		for _, t := range m.AllTypes() {
			for _, f := range t.Fields {
				if f.Token == tok {
					return f
				}
			}
		}
	case TableMethod:
		for _, t := range m.AllTypes() {
			for _, md := range t.Methods {
				if md.Token == tok {
					return md
				}
			}
		}
	}
	return nil
}

func removePtr[T comparable](s *[]T, v T) bool {
	for i, x := range *s {
		if x == v {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return true
		}
	}
	return false
}
