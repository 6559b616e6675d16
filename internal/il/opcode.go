package il

import "fmt"

// OperandType is the encoded operand kind of a CIL opcode.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	InlineString
	InlineField
	InlineMethod
	InlineType
	InlineTok
	InlineSig
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	ShortInlineVar
	InlineVar
)

// FlowControl describes how an opcode affects control flow.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowCall
	FlowReturn
	FlowThrow
)

// Class is the coarse opcode classification used by the stub matchers.
type Class uint8

const (
	ClassOther Class = iota
	ClassLoadStaticField
	ClassCallVirtual
	ClassCallStatic
	ClassLoadConstantInt
	ClassLoadString
	ClassNoOp
)

func (c Class) String() string {
	switch c {
	case ClassLoadStaticField:
		return "LoadStaticField"
	case ClassCallVirtual:
		return "CallVirtual"
	case ClassCallStatic:
		return "CallStatic"
	case ClassLoadConstantInt:
		return "LoadConstantInt"
	case ClassLoadString:
		return "LoadString"
	case ClassNoOp:
		return "NoOp"
	default:
		return "Other"
	}
}

// Code is the raw CIL encoding. Two-byte opcodes carry the 0xFE prefix in the
// high byte.
type Code uint16

const (
	Nop        Code = 0x00
	Ldarg0     Code = 0x02
	Ldarg1     Code = 0x03
	Ldarg2     Code = 0x04
	Ldarg3     Code = 0x05
	Ldloc0     Code = 0x06
	Ldloc1     Code = 0x07
	Ldloc2     Code = 0x08
	Ldloc3     Code = 0x09
	Stloc0     Code = 0x0A
	Stloc1     Code = 0x0B
	Stloc2     Code = 0x0C
	Stloc3     Code = 0x0D
	LdargS     Code = 0x0E
	LdargaS    Code = 0x0F
	StargS     Code = 0x10
	LdlocS     Code = 0x11
	LdlocaS    Code = 0x12
	StlocS     Code = 0x13
	Ldnull     Code = 0x14
	LdcI4M1    Code = 0x15
	LdcI40     Code = 0x16
	LdcI41     Code = 0x17
	LdcI42     Code = 0x18
	LdcI43     Code = 0x19
	LdcI44     Code = 0x1A
	LdcI45     Code = 0x1B
	LdcI46     Code = 0x1C
	LdcI47     Code = 0x1D
	LdcI48     Code = 0x1E
	LdcI4S     Code = 0x1F
	LdcI4      Code = 0x20
	LdcI8      Code = 0x21
	LdcR4      Code = 0x22
	LdcR8      Code = 0x23
	Dup        Code = 0x25
	Pop        Code = 0x26
	Call       Code = 0x28
	Ret        Code = 0x2A
	BrS        Code = 0x2B
	BrfalseS   Code = 0x2C
	BrtrueS    Code = 0x2D
	BeqS       Code = 0x2E
	BgeS       Code = 0x2F
	BgtS       Code = 0x30
	BleS       Code = 0x31
	BltS       Code = 0x32
	BneUnS     Code = 0x33
	Br         Code = 0x38
	Brfalse    Code = 0x39
	Brtrue     Code = 0x3A
	Beq        Code = 0x3B
	Bge        Code = 0x3C
	Bgt        Code = 0x3D
	Ble        Code = 0x3E
	Blt        Code = 0x3F
	BneUn      Code = 0x40
	Switch     Code = 0x45
	LdindI     Code = 0x4D
	Add        Code = 0x58
	Sub        Code = 0x59
	Mul        Code = 0x5A
	Div        Code = 0x5B
	Rem        Code = 0x5D
	And        Code = 0x5F
	Or         Code = 0x60
	Xor        Code = 0x61
	Shl        Code = 0x62
	Shr        Code = 0x63
	Neg        Code = 0x65
	Not        Code = 0x66
	ConvI4     Code = 0x69
	ConvI8     Code = 0x6A
	Callvirt   Code = 0x6F
	Ldstr      Code = 0x72
	Newobj     Code = 0x73
	Castclass  Code = 0x74
	Isinst     Code = 0x75
	Throw      Code = 0x7A
	Ldfld      Code = 0x7B
	Ldflda     Code = 0x7C
	Stfld      Code = 0x7D
	Ldsfld     Code = 0x7E
	Ldsflda    Code = 0x7F
	Stsfld     Code = 0x80
	Box        Code = 0x8C
	Newarr     Code = 0x8D
	Ldlen      Code = 0x8E
	LdelemU1   Code = 0x91
	LdelemRef  Code = 0x9A
	StelemI1   Code = 0x9C
	StelemRef  Code = 0xA2
	UnboxAny   Code = 0xA5
	Ldtoken    Code = 0xD0
	ConvU1     Code = 0xD2
	ConvI      Code = 0xD3
	Endfinally Code = 0xDC
	Leave      Code = 0xDD
	LeaveS     Code = 0xDE
	Ceq        Code = 0xFE01
	Cgt        Code = 0xFE02
	Clt        Code = 0xFE04
	Ldftn      Code = 0xFE06
	Ldvirtftn  Code = 0xFE07
	Ldarg      Code = 0xFE09
	Ldloc      Code = 0xFE0C
	Stloc      Code = 0xFE0E
	Endfilter  Code = 0xFE11
	Initobj    Code = 0xFE15
	Rethrow    Code = 0xFE1A
	Sizeof     Code = 0xFE1C
)

// OpCode describes one CIL opcode.
type OpCode struct {
	Code    Code
	Name    string
	Operand OperandType
	Flow    FlowControl
}

// Size returns the encoded length of the opcode itself.
func (op *OpCode) Size() int {
	if op.Code > 0xFF {
		return 2
	}
	return 1
}

// Class returns the matcher classification of op.
func (op *OpCode) Class() Class {
	switch op.Code {
	case Ldsfld:
		return ClassLoadStaticField
	case Callvirt:
		return ClassCallVirtual
	case Call:
		return ClassCallStatic
	case Ldstr:
		return ClassLoadString
	case Nop:
		return ClassNoOp
	}
	if isLdcI4(op.Code) {
		return ClassLoadConstantInt
	}
	return ClassOther
}

// IsBranch reports whether op transfers control to an instruction operand.
func (op *OpCode) IsBranch() bool {
	return op.Operand == ShortInlineBrTarget || op.Operand == InlineBrTarget || op.Operand == InlineSwitch
}

// IsArg reports whether op's variable operand is an argument index rather
// than a local.
func (op *OpCode) IsArg() bool {
	switch op.Code {
	case LdargS, LdargaS, StargS, Ldarg:
		return true
	}
	return false
}

func (op *OpCode) String() string { return op.Name }

func isLdcI4(c Code) bool {
	return (c >= LdcI4M1 && c <= LdcI48) || c == LdcI4S || c == LdcI4
}

var opcodeTable = []OpCode{
	{Nop, "nop", InlineNone, FlowNext},
	{Ldarg0, "ldarg.0", InlineNone, FlowNext},
	{Ldarg1, "ldarg.1", InlineNone, FlowNext},
	{Ldarg2, "ldarg.2", InlineNone, FlowNext},
	{Ldarg3, "ldarg.3", InlineNone, FlowNext},
	{Ldloc0, "ldloc.0", InlineNone, FlowNext},
	{Ldloc1, "ldloc.1", InlineNone, FlowNext},
	{Ldloc2, "ldloc.2", InlineNone, FlowNext},
	{Ldloc3, "ldloc.3", InlineNone, FlowNext},
	{Stloc0, "stloc.0", InlineNone, FlowNext},
	{Stloc1, "stloc.1", InlineNone, FlowNext},
	{Stloc2, "stloc.2", InlineNone, FlowNext},
	{Stloc3, "stloc.3", InlineNone, FlowNext},
	{LdargS, "ldarg.s", ShortInlineVar, FlowNext},
	{LdargaS, "ldarga.s", ShortInlineVar, FlowNext},
	{StargS, "starg.s", ShortInlineVar, FlowNext},
	{LdlocS, "ldloc.s", ShortInlineVar, FlowNext},
	{LdlocaS, "ldloca.s", ShortInlineVar, FlowNext},
	{StlocS, "stloc.s", ShortInlineVar, FlowNext},
	{Ldnull, "ldnull", InlineNone, FlowNext},
	{LdcI4M1, "ldc.i4.m1", InlineNone, FlowNext},
	{LdcI40, "ldc.i4.0", InlineNone, FlowNext},
	{LdcI41, "ldc.i4.1", InlineNone, FlowNext},
	{LdcI42, "ldc.i4.2", InlineNone, FlowNext},
	{LdcI43, "ldc.i4.3", InlineNone, FlowNext},
	{LdcI44, "ldc.i4.4", InlineNone, FlowNext},
	{LdcI45, "ldc.i4.5", InlineNone, FlowNext},
	{LdcI46, "ldc.i4.6", InlineNone, FlowNext},
	{LdcI47, "ldc.i4.7", InlineNone, FlowNext},
	{LdcI48, "ldc.i4.8", InlineNone, FlowNext},
	{LdcI4S, "ldc.i4.s", ShortInlineI, FlowNext},
	{LdcI4, "ldc.i4", InlineI, FlowNext},
	{LdcI8, "ldc.i8", InlineI8, FlowNext},
	{LdcR4, "ldc.r4", ShortInlineR, FlowNext},
	{LdcR8, "ldc.r8", InlineR, FlowNext},
	{Dup, "dup", InlineNone, FlowNext},
	{Pop, "pop", InlineNone, FlowNext},
	{Call, "call", InlineMethod, FlowCall},
	{Ret, "ret", InlineNone, FlowReturn},
	{BrS, "br.s", ShortInlineBrTarget, FlowBranch},
	{BrfalseS, "brfalse.s", ShortInlineBrTarget, FlowCondBranch},
	{BrtrueS, "brtrue.s", ShortInlineBrTarget, FlowCondBranch},
	{BeqS, "beq.s", ShortInlineBrTarget, FlowCondBranch},
	{BgeS, "bge.s", ShortInlineBrTarget, FlowCondBranch},
	{BgtS, "bgt.s", ShortInlineBrTarget, FlowCondBranch},
	{BleS, "ble.s", ShortInlineBrTarget, FlowCondBranch},
	{BltS, "blt.s", ShortInlineBrTarget, FlowCondBranch},
	{BneUnS, "bne.un.s", ShortInlineBrTarget, FlowCondBranch},
	{Br, "br", InlineBrTarget, FlowBranch},
	{Brfalse, "brfalse", InlineBrTarget, FlowCondBranch},
	{Brtrue, "brtrue", InlineBrTarget, FlowCondBranch},
	{Beq, "beq", InlineBrTarget, FlowCondBranch},
	{Bge, "bge", InlineBrTarget, FlowCondBranch},
	{Bgt, "bgt", InlineBrTarget, FlowCondBranch},
	{Ble, "ble", InlineBrTarget, FlowCondBranch},
	{Blt, "blt", InlineBrTarget, FlowCondBranch},
	{BneUn, "bne.un", InlineBrTarget, FlowCondBranch},
	{Switch, "switch", InlineSwitch, FlowCondBranch},
	{LdindI, "ldind.i", InlineNone, FlowNext},
	{Add, "add", InlineNone, FlowNext},
	{Sub, "sub", InlineNone, FlowNext},
	{Mul, "mul", InlineNone, FlowNext},
	{Div, "div", InlineNone, FlowNext},
	{Rem, "rem", InlineNone, FlowNext},
	{And, "and", InlineNone, FlowNext},
	{Or, "or", InlineNone, FlowNext},
	{Xor, "xor", InlineNone, FlowNext},
	{Shl, "shl", InlineNone, FlowNext},
	{Shr, "shr", InlineNone, FlowNext},
	{Neg, "neg", InlineNone, FlowNext},
	{Not, "not", InlineNone, FlowNext},
	{ConvI4, "conv.i4", InlineNone, FlowNext},
	{ConvI8, "conv.i8", InlineNone, FlowNext},
	{Callvirt, "callvirt", InlineMethod, FlowCall},
	{Ldstr, "ldstr", InlineString, FlowNext},
	{Newobj, "newobj", InlineMethod, FlowCall},
	{Castclass, "castclass", InlineType, FlowNext},
	{Isinst, "isinst", InlineType, FlowNext},
	{Throw, "throw", InlineNone, FlowThrow},
	{Ldfld, "ldfld", InlineField, FlowNext},
	{Ldflda, "ldflda", InlineField, FlowNext},
	{Stfld, "stfld", InlineField, FlowNext},
	{Ldsfld, "ldsfld", InlineField, FlowNext},
	{Ldsflda, "ldsflda", InlineField, FlowNext},
	{Stsfld, "stsfld", InlineField, FlowNext},
	{Box, "box", InlineType, FlowNext},
	{Newarr, "newarr", InlineType, FlowNext},
	{Ldlen, "ldlen", InlineNone, FlowNext},
	{LdelemU1, "ldelem.u1", InlineNone, FlowNext},
	{LdelemRef, "ldelem.ref", InlineNone, FlowNext},
	{StelemI1, "stelem.i1", InlineNone, FlowNext},
	{StelemRef, "stelem.ref", InlineNone, FlowNext},
	{UnboxAny, "unbox.any", InlineType, FlowNext},
	{Ldtoken, "ldtoken", InlineTok, FlowNext},
	{ConvU1, "conv.u1", InlineNone, FlowNext},
	{ConvI, "conv.i", InlineNone, FlowNext},
	{Endfinally, "endfinally", InlineNone, FlowReturn},
	{Leave, "leave", InlineBrTarget, FlowBranch},
	{LeaveS, "leave.s", ShortInlineBrTarget, FlowBranch},
	{Ceq, "ceq", InlineNone, FlowNext},
	{Cgt, "cgt", InlineNone, FlowNext},
	{Clt, "clt", InlineNone, FlowNext},
	{Ldftn, "ldftn", InlineMethod, FlowNext},
	{Ldvirtftn, "ldvirtftn", InlineMethod, FlowNext},
	{Ldarg, "ldarg", InlineVar, FlowNext},
	{Ldloc, "ldloc", InlineVar, FlowNext},
	{Stloc, "stloc", InlineVar, FlowNext},
	{Endfilter, "endfilter", InlineNone, FlowReturn},
	{Initobj, "initobj", InlineType, FlowNext},
	{Rethrow, "rethrow", InlineNone, FlowThrow},
	{Sizeof, "sizeof", InlineType, FlowNext},
}

var (
	opcodeByCode = make(map[Code]*OpCode, len(opcodeTable))
	opcodeByName = make(map[string]*OpCode, len(opcodeTable))
)

func init() {
	for i := range opcodeTable {
		op := &opcodeTable[i]
		opcodeByCode[op.Code] = op
		opcodeByName[op.Name] = op
	}
}

// Op returns the opcode for c. It panics on codes outside the table, which
// only happens for programming errors in callers constructing bodies.
func Op(c Code) *OpCode {
	op, ok := opcodeByCode[c]
	if !ok {
		panic(fmt.Sprintf("il: unknown opcode 0x%x", uint16(c)))
	}
	return op
}

// LookupOp finds an opcode by its mnemonic ("ldc.i4.s", "callvirt", ...).
func LookupOp(name string) (*OpCode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}
