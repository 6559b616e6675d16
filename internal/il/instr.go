package il

import (
	"fmt"
	"strings"
)

// Instruction is one decoded CIL instruction.
//
// Operand holds, by operand kind:
//
//	InlineNone             nil
//	ShortInlineI, InlineI  int32
//	InlineI8               int64
//	ShortInlineR           float32
//	InlineR                float64
//	InlineString           string
//	InlineField            Field
//	InlineMethod           Method
//	InlineType             TypeDefOrRef
//	InlineTok              TypeDefOrRef, Field or Method
//	*BrTarget              *Instruction
//	InlineSwitch           []*Instruction
//	*InlineVar             *Local (loc ops) or ArgIndex (arg ops)
//
// Before a body is imported, member operands may also be *ImportRef or
// UnresolvedToken.
type Instruction struct {
	OpCode  *OpCode
	Operand any
	Offset  uint32
}

// NewInst builds an instruction for code with the given operand.
func NewInst(c Code, operand any) *Instruction {
	return &Instruction{OpCode: Op(c), Operand: operand}
}

// Local is a method local variable.
type Local struct {
	Index int
	Type  TypeSig
	Name  string
}

// ArgIndex is the operand of ldarg/starg/ldarga.
type ArgIndex uint16

// UnresolvedToken is a token a body provider could not map to a row of the
// destination module.
type UnresolvedToken Token

// RefKind says what an ImportRef names.
type RefKind uint8

const (
	RefType RefKind = iota
	RefMethod
	RefField
)

// ImportRef names a member of another scope symbolically. The importer turns
// it into a TypeRef/MemberRef of the destination module.
type ImportRef struct {
	Kind  RefKind
	Scope string // assembly name; "" means the destination module itself
	Type  string // declaring type full name (the type itself for RefType)
	Name  string // member name
	// Sig is the method signature or field type, needed to create a new
	// MemberRef. Types inside Sig are themselves resolved by the importer.
	Sig      MethodSig
	FieldSig TypeSig
}

// FullName lets a type ImportRef stand in a signature until it is imported.
func (r *ImportRef) FullName() string {
	if r.Kind == RefType {
		return r.Type
	}
	return r.Type + "::" + r.Name
}

// MDToken is always zero: an ImportRef has no row yet.
func (r *ImportRef) MDToken() Token { return 0 }

func (r *ImportRef) String() string {
	if r.Kind == RefType {
		return fmt.Sprintf("[%s]%s", r.Scope, r.Type)
	}
	return fmt.Sprintf("[%s]%s::%s", r.Scope, r.Type, r.Name)
}

// Size returns the encoded length of the instruction.
func (in *Instruction) Size() int {
	n := in.OpCode.Size()
	switch in.OpCode.Operand {
	case ShortInlineI, ShortInlineBrTarget, ShortInlineVar:
		n++
	case InlineVar:
		n += 2
	case InlineI, ShortInlineR, InlineString, InlineField, InlineMethod,
		InlineType, InlineTok, InlineSig, InlineBrTarget:
		n += 4
	case InlineI8, InlineR:
		n += 8
	case InlineSwitch:
		targets, _ := in.Operand.([]*Instruction)
		n += 4 + 4*len(targets)
	}
	return n
}

// LdcI4Value returns the constant pushed by an ldc.i4 form.
func (in *Instruction) LdcI4Value() (int32, bool) {
	switch c := in.OpCode.Code; {
	case c >= LdcI4M1 && c <= LdcI48:
		return int32(c) - int32(LdcI40), true
	case c == LdcI4S || c == LdcI4:
		v, ok := in.Operand.(int32)
		return v, ok
	}
	return 0, false
}

// Is reports whether the instruction is the given opcode with exactly the
// given operand (compared by identity for metadata rows).
func (in *Instruction) Is(c Code, operand any) bool {
	return in.OpCode.Code == c && in.Operand == operand
}

// Class is shorthand for in.OpCode.Class().
func (in *Instruction) Class() Class { return in.OpCode.Class() }

// Targets returns the branch targets of the instruction, if any.
func (in *Instruction) Targets() []*Instruction {
	switch op := in.Operand.(type) {
	case *Instruction:
		if in.OpCode.IsBranch() {
			return []*Instruction{op}
		}
	case []*Instruction:
		return op
	}
	return nil
}

func (in *Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IL_%04X: %s", in.Offset, in.OpCode.Name)
	if in.Operand == nil {
		return b.String()
	}
	b.WriteByte(' ')
	switch op := in.Operand.(type) {
	case *Instruction:
		fmt.Fprintf(&b, "IL_%04X", op.Offset)
	case []*Instruction:
		parts := make([]string, len(op))
		for i, t := range op {
			parts[i] = fmt.Sprintf("IL_%04X", t.Offset)
		}
		b.WriteString("(" + strings.Join(parts, ",") + ")")
	case string:
		fmt.Fprintf(&b, "%q", op)
	case interface{ FullName() string }:
		b.WriteString(op.FullName())
	case *Local:
		fmt.Fprintf(&b, "V_%d", op.Index)
	case UnresolvedToken:
		fmt.Fprintf(&b, "<unresolved %s>", Token(op))
	default:
		fmt.Fprintf(&b, "%v", op)
	}
	return b.String()
}
