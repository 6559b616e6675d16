package modfile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"ilpunpack/internal/il"
)

// Resolver maps the image form of a reference to an operand.
type Resolver interface {
	// Row resolves a metadata token.
	Row(tok il.Token) (any, error)
	// Symbol resolves a symbolic reference.
	Symbol(r *Ref) (any, error)
}

func decodeRef(raw json.RawMessage, r Resolver) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing reference", ErrFormat)
	}
	if raw[0] == '{' {
		var ref Ref
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, fmt.Errorf("%w: reference: %v", ErrFormat, err)
		}
		return r.Symbol(&ref)
	}
	var tok il.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: token: %v", ErrFormat, err)
	}
	return r.Row(tok)
}

// DecodeSig converts an image signature.
func DecodeSig(s Sig, r Resolver) (il.TypeSig, error) {
	elem, ok := il.ParseElementType(s.Elem)
	if !ok {
		return il.TypeSig{}, fmt.Errorf("%w: element type %q", ErrFormat, s.Elem)
	}
	out := il.TypeSig{Elem: elem}
	switch elem {
	case il.ElemClass, il.ElemValueType:
		v, err := decodeRef(s.Type, r)
		if err != nil {
			return out, err
		}
		t, ok := v.(il.TypeDefOrRef)
		if !ok {
			return out, fmt.Errorf("%w: %s signature does not name a type", ErrFormat, s.Elem)
		}
		out.Type = t
	case il.ElemSZArray:
		if s.Next == nil {
			return out, fmt.Errorf("%w: szarray without element type", ErrFormat)
		}
		next, err := DecodeSig(*s.Next, r)
		if err != nil {
			return out, err
		}
		out.Next = &next
	}
	return out, nil
}

// DecodeMethodSig converts an image method signature.
func DecodeMethodSig(ms MethodSig, r Resolver) (il.MethodSig, error) {
	out := il.MethodSig{HasThis: ms.HasThis}
	ret, err := DecodeSig(ms.Ret, r)
	if err != nil {
		return out, err
	}
	out.Ret = ret
	for _, p := range ms.Params {
		ps, err := DecodeSig(p, r)
		if err != nil {
			return out, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

// Decode converts the image body into an il.Body, resolving member operands
// through r.
func (b *Body) Decode(r Resolver) (*il.Body, error) {
	out := &il.Body{MaxStack: b.MaxStack, InitLocals: b.InitLocals}
	for i, l := range b.Locals {
		sig, err := DecodeSig(l.Type, r)
		if err != nil {
			return nil, fmt.Errorf("local %d: %w", i, err)
		}
		out.Locals = append(out.Locals, &il.Local{Index: i, Type: sig, Name: l.Name})
	}

	out.Instructions = make([]*il.Instruction, len(b.Instructions))
	for i, in := range b.Instructions {
		op, ok := il.LookupOp(in.Op)
		if !ok {
			return nil, fmt.Errorf("%w: #%d: unknown opcode %q", ErrFormat, i, in.Op)
		}
		out.Instructions[i] = &il.Instruction{OpCode: op}
	}
	at := func(idx int) (*il.Instruction, error) {
		if idx < 0 || idx >= len(out.Instructions) {
			return nil, fmt.Errorf("%w: instruction index %d out of range", ErrFormat, idx)
		}
		return out.Instructions[idx], nil
	}

	for i, in := range b.Instructions {
		dst := out.Instructions[i]
		v, err := decodeOperand(dst.OpCode, in.Operand, r, out.Locals, at)
		if err != nil {
			return nil, fmt.Errorf("#%d %s: %w", i, in.Op, err)
		}
		dst.Operand = v
	}

	for hi, h := range b.Handlers {
		kind, ok := handlerKinds[h.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: handler %d: kind %q", ErrFormat, hi, h.Kind)
		}
		eh := &il.ExceptionHandler{Kind: kind}
		var err error
		if eh.TryStart, err = at(h.TryStart); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.HandlerStart, err = at(h.HandlerStart); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.TryEnd, err = endAt(h.TryEnd, len(out.Instructions), at); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.HandlerEnd, err = endAt(h.HandlerEnd, len(out.Instructions), at); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if kind == il.HandlerFilter {
			if eh.FilterStart, err = at(h.FilterStart); err != nil {
				return nil, fmt.Errorf("handler %d: %w", hi, err)
			}
		}
		if kind == il.HandlerCatch && h.CatchType != 0 {
			v, err := r.Row(h.CatchType)
			if err != nil {
				return nil, fmt.Errorf("handler %d: %w", hi, err)
			}
			t, ok := v.(il.TypeDefOrRef)
			if !ok {
				return nil, fmt.Errorf("%w: handler %d: catch type %s is not a type", ErrFormat, hi, h.CatchType)
			}
			eh.CatchType = t
		}
		out.Handlers = append(out.Handlers, eh)
	}

	out.UpdateOffsets()
	return out, nil
}

func endAt(idx, n int, at func(int) (*il.Instruction, error)) (*il.Instruction, error) {
	if idx == n {
		return nil, nil
	}
	return at(idx)
}

func decodeOperand(op *il.OpCode, raw json.RawMessage, r Resolver, locals []*il.Local, at func(int) (*il.Instruction, error)) (any, error) {
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))
	if op.Operand == il.InlineNone {
		if !empty {
			return nil, fmt.Errorf("%w: unexpected operand", ErrFormat)
		}
		return nil, nil
	}
	if empty {
		return nil, fmt.Errorf("%w: missing operand", ErrFormat)
	}

	unmarshal := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: operand: %v", ErrFormat, err)
		}
		return nil
	}

	switch op.Operand {
	case il.ShortInlineI, il.InlineI:
		return decodeAs[int32](raw)
	case il.InlineI8:
		return decodeAs[int64](raw)
	case il.ShortInlineR:
		return decodeAs[float32](raw)
	case il.InlineR:
		return decodeAs[float64](raw)
	case il.InlineString:
		return decodeAs[string](raw)
	case il.InlineField, il.InlineMethod, il.InlineType, il.InlineTok:
		return decodeRef(raw, r)
	case il.InlineSig:
		return decodeAs[il.Token](raw)
	case il.ShortInlineBrTarget, il.InlineBrTarget:
		var idx int
		if err := unmarshal(&idx); err != nil {
			return nil, err
		}
		return at(idx)
	case il.InlineSwitch:
		var idxs []int
		if err := unmarshal(&idxs); err != nil {
			return nil, err
		}
		ts := make([]*il.Instruction, len(idxs))
		for i, idx := range idxs {
			t, err := at(idx)
			if err != nil {
				return nil, err
			}
			ts[i] = t
		}
		return ts, nil
	case il.ShortInlineVar, il.InlineVar:
		var idx int
		if err := unmarshal(&idx); err != nil {
			return nil, err
		}
		if op.IsArg() {
			if idx < 0 || idx > 0xFFFF {
				return nil, fmt.Errorf("%w: argument %d out of range", ErrFormat, idx)
			}
			return il.ArgIndex(idx), nil
		}
		if idx < 0 || idx >= len(locals) {
			return nil, fmt.Errorf("%w: local %d out of range", ErrFormat, idx)
		}
		return locals[idx], nil
	}
	return nil, fmt.Errorf("%w: operand kind %d", ErrFormat, op.Operand)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: operand: %v", ErrFormat, err)
	}
	return v, nil
}

// TokenOf returns the token a row is written with.
type TokenOf func(row any) (il.Token, error)

// EncodeSig converts a signature to its image form.
func EncodeSig(s il.TypeSig, tok TokenOf) (Sig, error) {
	out := Sig{Elem: s.Elem.String()}
	switch s.Elem {
	case il.ElemClass, il.ElemValueType:
		t, err := tok(s.Type)
		if err != nil {
			return out, err
		}
		out.Type, _ = json.Marshal(t)
	case il.ElemSZArray:
		if s.Next == nil {
			return out, fmt.Errorf("%w: szarray without element type", ErrInvalidModule)
		}
		next, err := EncodeSig(*s.Next, tok)
		if err != nil {
			return out, err
		}
		out.Next = &next
	}
	return out, nil
}

// EncodeMethodSig converts a method signature to its image form.
func EncodeMethodSig(ms il.MethodSig, tok TokenOf) (MethodSig, error) {
	out := MethodSig{HasThis: ms.HasThis}
	ret, err := EncodeSig(ms.Ret, tok)
	if err != nil {
		return out, err
	}
	out.Ret = ret
	for _, p := range ms.Params {
		ps, err := EncodeSig(p, tok)
		if err != nil {
			return out, err
		}
		out.Params = append(out.Params, ps)
	}
	return out, nil
}

// EncodeBody converts b to its image form.
func EncodeBody(b *il.Body, tok TokenOf) (*Body, error) {
	out := &Body{MaxStack: b.MaxStack, InitLocals: b.InitLocals}

	localIdx := make(map[*il.Local]int, len(b.Locals))
	for i, l := range b.Locals {
		localIdx[l] = i
		sig, err := EncodeSig(l.Type, tok)
		if err != nil {
			return nil, fmt.Errorf("local %d: %w", i, err)
		}
		out.Locals = append(out.Locals, Local{Type: sig, Name: l.Name})
	}
	instIdx := make(map[*il.Instruction]int, len(b.Instructions))
	for i, in := range b.Instructions {
		instIdx[in] = i
	}
	index := func(in *il.Instruction) (int, error) {
		if in == nil {
			return len(b.Instructions), nil
		}
		i, ok := instIdx[in]
		if !ok {
			return 0, fmt.Errorf("%w: reference to an instruction outside the body", ErrInvalidModule)
		}
		return i, nil
	}

	for i, in := range b.Instructions {
		var v any
		switch op := in.Operand.(type) {
		case nil:
		case *il.Instruction:
			idx, err := index(op)
			if err != nil {
				return nil, fmt.Errorf("#%d: %w", i, err)
			}
			v = idx
		case []*il.Instruction:
			idxs := make([]int, len(op))
			for j, t := range op {
				idx, err := index(t)
				if err != nil {
					return nil, fmt.Errorf("#%d: %w", i, err)
				}
				idxs[j] = idx
			}
			v = idxs
		case *il.Local:
			idx, ok := localIdx[op]
			if !ok {
				return nil, fmt.Errorf("%w: #%d: local outside the body", ErrInvalidModule, i)
			}
			v = idx
		case int32, int64, float32, float64, string, il.ArgIndex, il.Token:
			v = op
		case il.UnresolvedToken, *il.ImportRef:
			return nil, fmt.Errorf("%w: #%d: operand %v was never imported", ErrInvalidModule, i, op)
		default:
			t, err := tok(op)
			if err != nil {
				return nil, fmt.Errorf("#%d: %w", i, err)
			}
			v = t
		}
		inst := Instruction{Op: in.OpCode.Name}
		if v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("#%d: %w", i, err)
			}
			inst.Operand = raw
		}
		out.Instructions = append(out.Instructions, inst)
	}

	for hi, h := range b.Handlers {
		eh := Handler{Kind: h.Kind.String()}
		var err error
		if eh.TryStart, err = index(h.TryStart); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.TryEnd, err = index(h.TryEnd); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.HandlerStart, err = index(h.HandlerStart); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if eh.HandlerEnd, err = index(h.HandlerEnd); err != nil {
			return nil, fmt.Errorf("handler %d: %w", hi, err)
		}
		if h.Kind == il.HandlerFilter {
			if eh.FilterStart, err = index(h.FilterStart); err != nil {
				return nil, fmt.Errorf("handler %d: %w", hi, err)
			}
		}
		if h.CatchType != nil {
			if eh.CatchType, err = tok(h.CatchType); err != nil {
				return nil, fmt.Errorf("handler %d: %w", hi, err)
			}
		}
		out.Handlers = append(out.Handlers, eh)
	}
	return out, nil
}
