package il

import (
	"errors"
	"fmt"
)

// ErrMalformedBody is wrapped by every error Verify returns.
var ErrMalformedBody = errors.New("il: malformed body")

// Problem is one well-formedness violation.
type Problem struct {
	Index int // instruction index, -1 for handler problems
	Msg   string
}

func (p Problem) String() string {
	if p.Index < 0 {
		return p.Msg
	}
	return fmt.Sprintf("#%d: %s", p.Index, p.Msg)
}

// Verify checks that every operand matches its opcode, every branch target
// and handler boundary is an instruction of b, and every handler's ranges are
// ordered. It returns the first problem wrapped in ErrMalformedBody.
func Verify(b *Body) error {
	probs := Check(b)
	if len(probs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMalformedBody, probs[0])
}

// Check returns every well-formedness problem of b. Import-time operands
// (ImportRef, UnresolvedToken) are reported as problems.
func Check(b *Body) []Problem {
	var probs []Problem
	add := func(i int, format string, args ...any) {
		probs = append(probs, Problem{Index: i, Msg: fmt.Sprintf(format, args...)})
	}

	if len(b.Instructions) == 0 {
		add(-1, "empty instruction stream")
		return probs
	}

	offsets := make(map[*Instruction]uint32, len(b.Instructions))
	var off uint32
	for i, in := range b.Instructions {
		if in == nil || in.OpCode == nil {
			add(i, "nil instruction")
			return probs
		}
		if _, dup := offsets[in]; dup {
			add(i, "instruction appears twice")
			continue
		}
		offsets[in] = off
		off += uint32(in.Size())
	}
	codeSize := off

	locals := make(map[*Local]bool, len(b.Locals))
	for _, l := range b.Locals {
		locals[l] = true
	}

	for i, in := range b.Instructions {
		if msg := checkOperand(in, offsets, locals); msg != "" {
			add(i, "%s: %s", in.OpCode.Name, msg)
		}
	}

	endOf := func(in *Instruction) (uint32, bool) {
		if in == nil {
			return codeSize, true
		}
		o, ok := offsets[in]
		return o, ok
	}
	for hi, h := range b.Handlers {
		if h.TryStart == nil || h.HandlerStart == nil {
			add(-1, "handler %d: missing start boundary", hi)
			continue
		}
		ts, ok1 := offsets[h.TryStart]
		te, ok2 := endOf(h.TryEnd)
		hs, ok3 := offsets[h.HandlerStart]
		he, ok4 := endOf(h.HandlerEnd)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			add(-1, "handler %d: boundary is not an instruction of the body", hi)
			continue
		}
		if h.Kind == HandlerFilter {
			fs, ok := offsets[h.FilterStart]
			if h.FilterStart == nil || !ok {
				add(-1, "handler %d: filter start is not an instruction of the body", hi)
				continue
			}
			if fs > hs {
				add(-1, "handler %d: filter starts after handler", hi)
			}
		}
		if !(ts <= te && te <= hs && hs <= he) {
			add(-1, "handler %d: ranges out of order (try %04x-%04x handler %04x-%04x)", hi, ts, te, hs, he)
			continue
		}
		if ts == te || hs == he {
			add(-1, "handler %d: empty range (try %04x-%04x handler %04x-%04x)", hi, ts, te, hs, he)
		}
	}
	return probs
}

func checkOperand(in *Instruction, offsets map[*Instruction]uint32, locals map[*Local]bool) string {
	op := in.Operand
	switch op.(type) {
	case *ImportRef:
		return fmt.Sprintf("operand %s not imported", op)
	case UnresolvedToken:
		return fmt.Sprintf("unresolved token %s", Token(op.(UnresolvedToken)))
	}

	switch in.OpCode.Operand {
	case InlineNone:
		if op != nil {
			return "unexpected operand"
		}
	case ShortInlineI:
		v, ok := op.(int32)
		if !ok {
			return "operand is not int32"
		}
		if v < -128 || v > 127 {
			return "operand out of int8 range"
		}
	case InlineI:
		if _, ok := op.(int32); !ok {
			return "operand is not int32"
		}
	case InlineI8:
		if _, ok := op.(int64); !ok {
			return "operand is not int64"
		}
	case ShortInlineR:
		if _, ok := op.(float32); !ok {
			return "operand is not float32"
		}
	case InlineR:
		if _, ok := op.(float64); !ok {
			return "operand is not float64"
		}
	case InlineString:
		if _, ok := op.(string); !ok {
			return "operand is not a string"
		}
	case InlineField:
		if !isField(op) {
			return "operand is not a field"
		}
	case InlineMethod:
		if !isMethod(op) {
			return "operand is not a method"
		}
	case InlineType:
		if !isType(op) {
			return "operand is not a type"
		}
	case InlineTok:
		if !isType(op) && !isField(op) && !isMethod(op) {
			return "operand is not a metadata row"
		}
	case ShortInlineBrTarget, InlineBrTarget:
		t, ok := op.(*Instruction)
		if !ok || t == nil {
			return "operand is not an instruction"
		}
		if _, found := offsets[t]; !found {
			return "branch target is not an instruction of the body"
		}
	case InlineSwitch:
		ts, ok := op.([]*Instruction)
		if !ok {
			return "operand is not a target list"
		}
		for _, t := range ts {
			if _, found := offsets[t]; !found {
				return "switch target is not an instruction of the body"
			}
		}
	case ShortInlineVar, InlineVar:
		switch v := op.(type) {
		case *Local:
			if !locals[v] {
				return "local does not belong to the body"
			}
		case ArgIndex:
			if in.OpCode.Operand == ShortInlineVar && v > 0xFF {
				return "argument index out of range"
			}
		default:
			return "operand is not a variable"
		}
	case InlineSig:
		// Standalone signatures are carried opaquely.
	}
	return ""
}

func isField(op any) bool {
	switch v := op.(type) {
	case *FieldDef:
		return v != nil
	case *MemberRef:
		return v != nil && v.IsField
	}
	return false
}

func isMethod(op any) bool {
	switch v := op.(type) {
	case *MethodDef:
		return v != nil
	case *MemberRef:
		return v != nil && !v.IsField
	}
	return false
}

func isType(op any) bool {
	switch v := op.(type) {
	case *TypeDef:
		return v != nil
	case *TypeRef:
		return v != nil
	}
	return false
}
