// Package dump serves original method bodies and strings from a body dump: a
// JSON file recorded by a runtime hook while the protected module ran.
//
// A dump looks like
//
//	{
//	  "bodies":  {"3": {"max_stack": 8, "instructions": [...]}},
//	  "strings": {"0": "hello"}
//	}
//
// Body operands use the module image encoding. Member operands are either
// tokens of the protected module or symbolic references for members the
// runtime resolved elsewhere.
package dump

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"ilpunpack/internal/il"
	"ilpunpack/internal/modfile"
)

var ErrMissing = errors.New("dump: index not in dump")

// File is the on-disk form of a body dump.
type File struct {
	Bodies  map[int32]*modfile.Body `json:"bodies"`
	Strings map[int32]string        `json:"strings"`
}

// Provider answers body and string queries from a dump. Operands are
// resolved against the destination module; tokens it does not define become
// il.UnresolvedToken and symbolic references become *il.ImportRef, both left
// for the importer to re-home or reject.
type Provider struct {
	Module *il.Module
	file   File
}

// Load reads the dump at path.
func Load(path string, m *il.Module) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	defer f.Close()
	return Read(f, m)
}

// Read decodes a dump from r.
func Read(r io.Reader, m *il.Module) (*Provider, error) {
	var file File
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("dump: decode: %w", err)
	}
	return New(file, m), nil
}

// New returns a provider over an already decoded dump.
func New(file File, m *il.Module) *Provider {
	return &Provider{Module: m, file: file}
}

// OriginalBody returns the body recorded for index.
func (p *Provider) OriginalBody(index int) (*il.Body, error) {
	b, ok := p.file.Bodies[int32(index)]
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: body %d", ErrMissing, index)
	}
	body, err := b.Decode(resolver{p.Module})
	if err != nil {
		return nil, fmt.Errorf("dump: body %d: %w", index, err)
	}
	return body, nil
}

// OriginalString returns the string recorded for index.
func (p *Provider) OriginalString(index int) (string, error) {
	s, ok := p.file.Strings[int32(index)]
	if !ok {
		return "", fmt.Errorf("%w: string %d", ErrMissing, index)
	}
	return s, nil
}

// Len returns the number of bodies and strings in the dump.
func (p *Provider) Len() (bodies, strings int) {
	return len(p.file.Bodies), len(p.file.Strings)
}

type resolver struct{ m *il.Module }

func (r resolver) Row(tok il.Token) (any, error) {
	if v := r.m.ResolveToken(tok); v != nil {
		return v, nil
	}
	return il.UnresolvedToken(tok), nil
}

var refKinds = map[string]il.RefKind{
	"type":   il.RefType,
	"method": il.RefMethod,
	"field":  il.RefField,
}

func (r resolver) Symbol(ref *modfile.Ref) (any, error) {
	kind, ok := refKinds[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: reference kind %q", modfile.ErrFormat, ref.Kind)
	}
	out := &il.ImportRef{Kind: kind, Scope: ref.Scope, Type: ref.Type, Name: ref.Name}
	switch kind {
	case il.RefMethod:
		if ref.Sig == nil {
			return nil, fmt.Errorf("%w: method reference %s::%s without signature", modfile.ErrFormat, ref.Type, ref.Name)
		}
		sig, err := modfile.DecodeMethodSig(*ref.Sig, r)
		if err != nil {
			return nil, err
		}
		out.Sig = sig
	case il.RefField:
		if ref.FieldType == nil {
			return nil, fmt.Errorf("%w: field reference %s::%s without type", modfile.ErrFormat, ref.Type, ref.Name)
		}
		ft, err := modfile.DecodeSig(*ref.FieldType, r)
		if err != nil {
			return nil, err
		}
		out.FieldSig = ft
	}
	return out, nil
}
