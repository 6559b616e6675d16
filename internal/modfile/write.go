package modfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"ilpunpack/internal/il"
	"ilpunpack/internal/logging"
)

// WriterOptions controls how a module is written.
type WriterOptions struct {
	// PreserveMetadata keeps every row's original token. Otherwise tokens
	// are renumbered densely in table order.
	PreserveMetadata bool
	// KeepNativeExtras carries the native extras blob through. It only
	// applies to modules written in native mode.
	KeepNativeExtras bool
	// Logger receives validation errors, each distinct message once.
	Logger log.FieldLogger
}

// NativeMode reports whether m needs the native writer: it is not IL-only
// or carries vtable fixups.
func NativeMode(m *il.Module) bool {
	return !m.ILOnly || m.VTableFixups
}

// Save writes m to path atomically: the image goes to a temporary file in
// the same directory which is renamed over path only once fully written.
func Save(path string, m *il.Module, opts WriterOptions) error {
	img, err := Encode(m, opts)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("modfile: create temp: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := writeImage(tmp, img); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("modfile: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("modfile: rename: %w", err)
	}
	ok = true
	return nil
}

// Write encodes m to w.
func Write(w io.Writer, m *il.Module, opts WriterOptions) error {
	img, err := Encode(m, opts)
	if err != nil {
		return err
	}
	return writeImage(w, img)
}

func writeImage(w io.Writer, img *Image) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(img); err != nil {
		return fmt.Errorf("modfile: encode: %w", err)
	}
	return nil
}

// Encode validates m and converts it to an image. Validation problems are
// logged through opts.Logger and fail the encode with ErrInvalidModule.
func Encode(m *il.Module, opts WriterOptions) (*Image, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	probs := Validate(m, opts.PreserveMetadata)
	if len(probs) > 0 {
		dedup := logging.NewDedup(logger)
		for _, p := range probs {
			dedup.Error(p)
		}
		return nil, fmt.Errorf("%w: %d problems, first: %s", ErrInvalidModule, len(probs), probs[0])
	}

	toks := assignTokens(m, opts.PreserveMetadata)
	tok := func(row any) (il.Token, error) {
		if t, ok := toks[row]; ok {
			return t, nil
		}
		return 0, fmt.Errorf("%w: reference to a row outside the module", ErrInvalidModule)
	}

	img := &Image{
		Name:           m.Name,
		RuntimeVersion: m.RuntimeVersion,
		ILOnly:         m.ILOnly,
		VTableFixups:   m.VTableFixups,
		AssemblyRefs:   m.AssemblyRefs,
	}
	if NativeMode(m) && opts.KeepNativeExtras {
		img.NativeExtras = m.NativeExtras
	}

	for _, r := range m.TypeRefs {
		img.TypeRefs = append(img.TypeRefs, TypeRef{Token: toks[r], Scope: r.Scope, Namespace: r.Namespace, Name: r.Name})
	}
	for _, r := range m.MemberRefs {
		mr := MemberRef{Token: toks[r], Name: r.Name, Field: r.IsField}
		cls, err := tok(r.Class)
		if err != nil {
			return nil, fmt.Errorf("member ref %s: %w", r.FullName(), err)
		}
		mr.Class = cls
		if r.IsField {
			ft, err := EncodeSig(r.FieldType, tok)
			if err != nil {
				return nil, fmt.Errorf("member ref %s: %w", r.FullName(), err)
			}
			mr.FieldType = &ft
		} else {
			ms, err := EncodeMethodSig(r.MethodSig, tok)
			if err != nil {
				return nil, fmt.Errorf("member ref %s: %w", r.FullName(), err)
			}
			mr.Sig = &ms
		}
		img.MemberRefs = append(img.MemberRefs, mr)
	}

	var encodeTypes func(ts []*il.TypeDef) ([]Type, error)
	encodeTypes = func(ts []*il.TypeDef) ([]Type, error) {
		var out []Type
		for _, td := range ts {
			t := Type{Token: toks[td], Namespace: td.Namespace, Name: td.Name}
			if td.BaseType != nil {
				base, err := tok(td.BaseType)
				if err != nil {
					return nil, fmt.Errorf("type %s: %w", td.FullName(), err)
				}
				t.Base = base
			}
			for _, f := range td.Fields {
				sig, err := EncodeSig(f.Type, tok)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", f.FullName(), err)
				}
				t.Fields = append(t.Fields, Field{Token: toks[f], Name: f.Name, Type: sig, Static: f.Static})
			}
			for _, md := range td.Methods {
				sig, err := EncodeMethodSig(md.Sig, tok)
				if err != nil {
					return nil, fmt.Errorf("method %s: %w", md.FullName(), err)
				}
				mo := Method{Token: toks[md], Name: md.Name, Sig: sig, Static: md.Static, PInvoke: md.PInvoke}
				if md.Body != nil {
					if mo.Body, err = EncodeBody(md.Body, tok); err != nil {
						return nil, fmt.Errorf("method %s: %w", md.FullName(), err)
					}
				}
				t.Methods = append(t.Methods, mo)
			}
			nested, err := encodeTypes(td.Nested)
			if err != nil {
				return nil, err
			}
			t.Nested = nested
			out = append(out, t)
		}
		return out, nil
	}
	types, err := encodeTypes(m.Types)
	if err != nil {
		return nil, err
	}
	img.Types = types

	for _, r := range m.Resources {
		img.Resources = append(img.Resources, Resource{Name: r.Name, Public: r.Public, Data: r.Data})
	}
	return img, nil
}

// assignTokens returns the token every row is written with.
func assignTokens(m *il.Module, preserve bool) map[any]il.Token {
	toks := make(map[any]il.Token)
	if preserve {
		for _, t := range m.AllTypes() {
			toks[t] = t.Token
			for _, f := range t.Fields {
				toks[f] = f.Token
			}
			for _, md := range t.Methods {
				toks[md] = md.Token
			}
		}
		for _, r := range m.TypeRefs {
			toks[r] = r.Token
		}
		for _, r := range m.MemberRefs {
			toks[r] = r.Token
		}
		return toks
	}

	var nType, nField, nMethod uint32
	for _, t := range m.AllTypes() {
		nType++
		toks[t] = il.NewToken(il.TableTypeDef, nType)
		for _, f := range t.Fields {
			nField++
			toks[f] = il.NewToken(il.TableField, nField)
		}
		for _, md := range t.Methods {
			nMethod++
			toks[md] = il.NewToken(il.TableMethod, nMethod)
		}
	}
	for i, r := range m.TypeRefs {
		toks[r] = il.NewToken(il.TableTypeRef, uint32(i+1))
	}
	for i, r := range m.MemberRefs {
		toks[r] = il.NewToken(il.TableMemberRef, uint32(i+1))
	}
	return toks
}
