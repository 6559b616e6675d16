package modfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"ilpunpack/internal/il"
)

// Load reads the module image at path.
func Load(path string) (*il.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modfile: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a module image from r.
func Read(r io.Reader) (*il.Module, error) {
	var img Image
	dec := json.NewDecoder(r)
	if err := dec.Decode(&img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return FromImage(&img)
}

// rowTable resolves tokens against the rows of one module.
type rowTable map[il.Token]any

func (t rowTable) Row(tok il.Token) (any, error) {
	if v, ok := t[tok]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: token %s not defined", ErrFormat, tok)
}

func (t rowTable) Symbol(r *Ref) (any, error) {
	return nil, fmt.Errorf("%w: symbolic reference %s::%s in module image", ErrFormat, r.Type, r.Name)
}

func (t rowTable) add(tok il.Token, table uint8, row any) error {
	if tok.Table() != table {
		return fmt.Errorf("%w: token %s is not in table 0x%02x", ErrFormat, tok, table)
	}
	if _, dup := t[tok]; dup {
		return fmt.Errorf("%w: duplicate token %s", ErrFormat, tok)
	}
	t[tok] = row
	return nil
}

// FromImage builds the module graph an image describes. Rows are created
// first and cross-references resolved second, so tokens may refer forward.
func FromImage(img *Image) (*il.Module, error) {
	m := &il.Module{
		Name:           img.Name,
		RuntimeVersion: img.RuntimeVersion,
		ILOnly:         img.ILOnly,
		VTableFixups:   img.VTableFixups,
		AssemblyRefs:   img.AssemblyRefs,
		NativeExtras:   img.NativeExtras,
	}
	rows := make(rowTable)

	for _, tr := range img.TypeRefs {
		r := &il.TypeRef{Token: tr.Token, Scope: tr.Scope, Namespace: tr.Namespace, Name: tr.Name}
		if err := rows.add(tr.Token, il.TableTypeRef, r); err != nil {
			return nil, err
		}
		m.TypeRefs = append(m.TypeRefs, r)
	}
	for _, mr := range img.MemberRefs {
		r := &il.MemberRef{Token: mr.Token, Name: mr.Name, IsField: mr.Field}
		if err := rows.add(mr.Token, il.TableMemberRef, r); err != nil {
			return nil, err
		}
		m.MemberRefs = append(m.MemberRefs, r)
	}

	// Pass 1: create type, field and method rows.
	type pending struct {
		img *Type
		def *il.TypeDef
	}
	var all []pending
	var create func(ts []Type, decl *il.TypeDef) ([]*il.TypeDef, error)
	create = func(ts []Type, decl *il.TypeDef) ([]*il.TypeDef, error) {
		var out []*il.TypeDef
		for i := range ts {
			ti := &ts[i]
			td := &il.TypeDef{Token: ti.Token, Namespace: ti.Namespace, Name: ti.Name, DeclaringType: decl, Module: m}
			if err := rows.add(ti.Token, il.TableTypeDef, td); err != nil {
				return nil, err
			}
			for _, f := range ti.Fields {
				fd := &il.FieldDef{Token: f.Token, Name: f.Name, DeclaringType: td, Static: f.Static}
				if err := rows.add(f.Token, il.TableField, fd); err != nil {
					return nil, err
				}
				td.Fields = append(td.Fields, fd)
			}
			for _, md := range ti.Methods {
				def := &il.MethodDef{Token: md.Token, Name: md.Name, DeclaringType: td, Static: md.Static, PInvoke: md.PInvoke}
				if err := rows.add(md.Token, il.TableMethod, def); err != nil {
					return nil, err
				}
				td.Methods = append(td.Methods, def)
			}
			all = append(all, pending{ti, td})
			nested, err := create(ti.Nested, td)
			if err != nil {
				return nil, err
			}
			td.Nested = nested
			out = append(out, td)
		}
		return out, nil
	}
	types, err := create(img.Types, nil)
	if err != nil {
		return nil, err
	}
	m.Types = types
	if g := m.GlobalType(); g == nil || g.Name != il.GlobalTypeName {
		return nil, fmt.Errorf("%w: first type must be %s", ErrFormat, il.GlobalTypeName)
	}

	// Pass 2: resolve references.
	for i, mr := range img.MemberRefs {
		r := m.MemberRefs[i]
		cls, err := rows.Row(mr.Class)
		if err != nil {
			return nil, fmt.Errorf("member ref %s: %w", mr.Token, err)
		}
		t, ok := cls.(il.TypeDefOrRef)
		if !ok {
			return nil, fmt.Errorf("%w: member ref %s: parent %s is not a type", ErrFormat, mr.Token, mr.Class)
		}
		r.Class = t
		switch {
		case mr.Field && mr.FieldType != nil:
			if r.FieldType, err = DecodeSig(*mr.FieldType, rows); err != nil {
				return nil, fmt.Errorf("member ref %s: %w", mr.Token, err)
			}
		case !mr.Field && mr.Sig != nil:
			if r.MethodSig, err = DecodeMethodSig(*mr.Sig, rows); err != nil {
				return nil, fmt.Errorf("member ref %s: %w", mr.Token, err)
			}
		default:
			return nil, fmt.Errorf("%w: member ref %s has no signature", ErrFormat, mr.Token)
		}
	}

	for _, p := range all {
		if p.img.Base != 0 {
			base, err := rows.Row(p.img.Base)
			if err != nil {
				return nil, fmt.Errorf("type %s: %w", p.def.FullName(), err)
			}
			t, ok := base.(il.TypeDefOrRef)
			if !ok {
				return nil, fmt.Errorf("%w: type %s: base %s is not a type", ErrFormat, p.def.FullName(), p.img.Base)
			}
			p.def.BaseType = t
		}
		for i, f := range p.img.Fields {
			if p.def.Fields[i].Type, err = DecodeSig(f.Type, rows); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Token, err)
			}
		}
		for i, md := range p.img.Methods {
			def := p.def.Methods[i]
			if def.Sig, err = DecodeMethodSig(md.Sig, rows); err != nil {
				return nil, fmt.Errorf("method %s: %w", md.Token, err)
			}
			if md.Body == nil {
				continue
			}
			if def.Body, err = md.Body.Decode(rows); err != nil {
				return nil, fmt.Errorf("method %s: %w", def.FullName(), err)
			}
		}
	}

	for _, r := range img.Resources {
		m.Resources = append(m.Resources, &il.Resource{Name: r.Name, Public: r.Public, Data: r.Data})
	}
	return m, nil
}
