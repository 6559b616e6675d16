// Package modfile reads and writes module images: JSON documents carrying a
// module's metadata tables, method bodies and resources, with every
// cross-reference spelled as a metadata token.
package modfile

import (
	"encoding/json"
	"errors"

	"ilpunpack/internal/il"
)

var (
	ErrFormat        = errors.New("modfile: malformed module image")
	ErrInvalidModule = errors.New("modfile: module failed validation")
)

// Image is the on-disk form of an il.Module.
type Image struct {
	Name           string      `json:"name"`
	RuntimeVersion string      `json:"runtime_version"`
	ILOnly         bool        `json:"il_only"`
	VTableFixups   bool        `json:"vtable_fixups,omitempty"`
	AssemblyRefs   []string    `json:"assembly_refs,omitempty"`
	TypeRefs       []TypeRef   `json:"type_refs,omitempty"`
	MemberRefs     []MemberRef `json:"member_refs,omitempty"`
	Types          []Type      `json:"types"`
	Resources      []Resource  `json:"resources,omitempty"`
	NativeExtras   []byte      `json:"native_extras,omitempty"`
}

type TypeRef struct {
	Token     il.Token `json:"token"`
	Scope     string   `json:"scope"`
	Namespace string   `json:"namespace,omitempty"`
	Name      string   `json:"name"`
}

type MemberRef struct {
	Token     il.Token   `json:"token"`
	Name      string     `json:"name"`
	Class     il.Token   `json:"class"`
	Field     bool       `json:"field,omitempty"`
	Sig       *MethodSig `json:"sig,omitempty"`
	FieldType *Sig       `json:"field_type,omitempty"`
}

type Type struct {
	Token     il.Token `json:"token"`
	Namespace string   `json:"namespace,omitempty"`
	Name      string   `json:"name"`
	Base      il.Token `json:"base,omitempty"`
	Fields    []Field  `json:"fields,omitempty"`
	Methods   []Method `json:"methods,omitempty"`
	Nested    []Type   `json:"nested,omitempty"`
}

type Field struct {
	Token  il.Token `json:"token"`
	Name   string   `json:"name"`
	Type   Sig      `json:"type"`
	Static bool     `json:"static,omitempty"`
}

type Method struct {
	Token   il.Token  `json:"token"`
	Name    string    `json:"name"`
	Sig     MethodSig `json:"sig"`
	Static  bool      `json:"static,omitempty"`
	PInvoke bool      `json:"pinvoke,omitempty"`
	Body    *Body     `json:"body,omitempty"`
}

type Resource struct {
	Name   string `json:"name"`
	Public bool   `json:"public,omitempty"`
	Data   []byte `json:"data"`
}

// Sig is a type signature. Type is a TypeDef/TypeRef token or, in body
// dumps, a symbolic reference.
type Sig struct {
	Elem string          `json:"elem"`
	Type json.RawMessage `json:"type,omitempty"`
	Next *Sig            `json:"next,omitempty"`
}

type MethodSig struct {
	HasThis bool  `json:"has_this,omitempty"`
	Ret     Sig   `json:"ret"`
	Params  []Sig `json:"params,omitempty"`
}

// Body is the on-disk form of a method body. Branch operands and handler
// boundaries are instruction indices; a handler end equal to the number of
// instructions means the end of the body.
type Body struct {
	MaxStack     uint16        `json:"max_stack"`
	InitLocals   bool          `json:"init_locals,omitempty"`
	Locals       []Local       `json:"locals,omitempty"`
	Instructions []Instruction `json:"instructions"`
	Handlers     []Handler     `json:"handlers,omitempty"`
}

type Local struct {
	Type Sig    `json:"type"`
	Name string `json:"name,omitempty"`
}

// Instruction is one instruction. Operand depends on the opcode's operand
// kind: a number for constants, variables, branch targets and tokens, a
// string for ldstr, a list of indices for switch, or a Ref object for a
// symbolic member in a body dump.
type Instruction struct {
	Op      string          `json:"op"`
	Operand json.RawMessage `json:"operand,omitempty"`
}

type Handler struct {
	Kind         string   `json:"kind"`
	TryStart     int      `json:"try_start"`
	TryEnd       int      `json:"try_end"`
	FilterStart  int      `json:"filter_start,omitempty"`
	HandlerStart int      `json:"handler_start"`
	HandlerEnd   int      `json:"handler_end"`
	CatchType    il.Token `json:"catch_type,omitempty"`
}

// Ref names a member of another scope by name rather than by token.
type Ref struct {
	Kind      string     `json:"kind"` // "type", "method" or "field"
	Scope     string     `json:"scope,omitempty"`
	Type      string     `json:"type"`
	Name      string     `json:"name,omitempty"`
	Sig       *MethodSig `json:"sig,omitempty"`
	FieldType *Sig       `json:"field_type,omitempty"`
}

var handlerKinds = map[string]il.HandlerKind{
	"catch":   il.HandlerCatch,
	"filter":  il.HandlerFilter,
	"finally": il.HandlerFinally,
	"fault":   il.HandlerFault,
}
