// Package iltest builds small protected modules for tests.
package iltest

import (
	"ilpunpack/internal/il"
)

// Resource names the native loader chain loads.
const (
	Payload64 = "Protect64.dll"
	Payload32 = "Protect32.dll"
)

// Fixture is a protected module under construction together with handles to
// the rows tests care about.
type Fixture struct {
	Module *il.Module
	Global *il.TypeDef

	Object            *il.TypeRef
	MulticastDelegate *il.TypeRef
	Delegate          *il.TypeRef
	SystemType        *il.TypeRef
	Marshal           *il.TypeRef
	Console           *il.TypeRef

	BodyDelegate   *il.TypeDef
	StringDelegate *il.TypeDef
	BodyField      *il.FieldDef
	StringField    *il.FieldDef
	BodyInvoke     *il.MethodDef
	StringInvoke   *il.MethodDef

	Acquire   *il.MemberRef
	Release   *il.MemberRef
	WriteLine *il.MemberRef

	rids map[uint8]uint32
}

// New returns a module with body and string protection: the two delegate
// types, their Invoke methods and the two <Module> fields holding them.
func New() *Fixture {
	f := &Fixture{
		Module: &il.Module{
			Name:           "App.exe",
			RuntimeVersion: "v4.0.30319",
			ILOnly:         true,
			AssemblyRefs:   []string{"mscorlib"},
		},
		rids: make(map[uint8]uint32),
	}
	f.Global = f.AddType("", il.GlobalTypeName, nil)

	f.Object = f.TypeRef("System", "Object")
	f.MulticastDelegate = f.TypeRef("System", "MulticastDelegate")
	f.Delegate = f.TypeRef("System", "Delegate")
	f.SystemType = f.TypeRef("System", "Type")
	f.Marshal = f.TypeRef("System.Runtime.InteropServices", "Marshal")
	f.Console = f.TypeRef("System", "Console")

	f.Acquire = f.MethodRef(f.Marshal, "GetIUnknownForObject", il.Prim(il.ElemI), il.Prim(il.ElemObject))
	f.Release = f.MethodRef(f.Marshal, "Release", il.Prim(il.ElemI4), il.Prim(il.ElemI))
	f.WriteLine = f.MethodRef(f.Console, "WriteLine", il.Prim(il.ElemVoid), il.Prim(il.ElemString))

	f.BodyDelegate = f.AddDelegate("", "InvokeDelegate", il.ClassSig(f.Delegate), il.Prim(il.ElemI4))
	f.BodyInvoke = f.BodyDelegate.FindMethod("Invoke")
	f.StringDelegate = f.AddDelegate("", "StringDelegate", il.Prim(il.ElemString), il.Prim(il.ElemI4))
	f.StringInvoke = f.StringDelegate.FindMethod("Invoke")

	f.BodyField = f.AddField(f.Global, "Invoke", il.ClassSig(f.BodyDelegate))
	f.StringField = f.AddField(f.Global, "String", il.ClassSig(f.StringDelegate))
	return f
}

func (f *Fixture) token(table uint8) il.Token {
	f.rids[table]++
	return il.NewToken(table, f.rids[table])
}

// TypeRef adds a reference to a mscorlib type.
func (f *Fixture) TypeRef(ns, name string) *il.TypeRef {
	r := &il.TypeRef{Token: f.token(il.TableTypeRef), Scope: "mscorlib", Namespace: ns, Name: name}
	f.Module.TypeRefs = append(f.Module.TypeRefs, r)
	return r
}

// MethodRef adds a static method reference on cls.
func (f *Fixture) MethodRef(cls il.TypeDefOrRef, name string, ret il.TypeSig, params ...il.TypeSig) *il.MemberRef {
	r := &il.MemberRef{
		Token:     f.token(il.TableMemberRef),
		Name:      name,
		Class:     cls,
		MethodSig: il.MethodSig{Ret: ret, Params: params},
	}
	f.Module.MemberRefs = append(f.Module.MemberRefs, r)
	return r
}

// AddType adds a top-level type.
func (f *Fixture) AddType(ns, name string, base il.TypeDefOrRef) *il.TypeDef {
	t := &il.TypeDef{
		Token:     f.token(il.TableTypeDef),
		Namespace: ns,
		Name:      name,
		BaseType:  base,
		Module:    f.Module,
	}
	f.Module.Types = append(f.Module.Types, t)
	return t
}

// AddNested adds a type nested in parent.
func (f *Fixture) AddNested(parent *il.TypeDef, name string, base il.TypeDefOrRef) *il.TypeDef {
	t := &il.TypeDef{
		Token:         f.token(il.TableTypeDef),
		Name:          name,
		BaseType:      base,
		DeclaringType: parent,
		Module:        f.Module,
	}
	parent.Nested = append(parent.Nested, t)
	return t
}

// AddDelegate adds a delegate type with an instance Invoke method of the
// given shape.
func (f *Fixture) AddDelegate(ns, name string, ret il.TypeSig, params ...il.TypeSig) *il.TypeDef {
	t := f.AddType(ns, name, f.MulticastDelegate)
	f.AddMethod(t, "Invoke", false, il.MethodSig{HasThis: true, Ret: ret, Params: params}, nil)
	return t
}

// AddField adds a static field to t.
func (f *Fixture) AddField(t *il.TypeDef, name string, sig il.TypeSig) *il.FieldDef {
	fd := &il.FieldDef{Token: f.token(il.TableField), Name: name, DeclaringType: t, Type: sig, Static: true}
	t.Fields = append(t.Fields, fd)
	return fd
}

// AddMethod adds a method to t. A nil body leaves the method abstract.
func (f *Fixture) AddMethod(t *il.TypeDef, name string, static bool, sig il.MethodSig, body *il.Body) *il.MethodDef {
	md := &il.MethodDef{
		Token:         f.token(il.TableMethod),
		Name:          name,
		DeclaringType: t,
		Sig:           sig,
		Static:        static,
		Body:          body,
	}
	t.Methods = append(t.Methods, md)
	return md
}

// Body returns a body holding insts with offsets computed.
func Body(insts ...*il.Instruction) *il.Body {
	b := &il.Body{Instructions: insts, MaxStack: 8}
	b.UpdateOffsets()
	return b
}

// I is shorthand for il.NewInst.
func I(c il.Code, operand any) *il.Instruction { return il.NewInst(c, operand) }

// BodyStub returns the nine-instruction stub the protection layer leaves in
// place of a method body, forwarding three arguments. gen is the generated
// delegate the stub casts to and calls.
func (f *Fixture) BodyStub(index int32, gen *il.TypeDef) *il.Body {
	return Body(
		I(il.Ldsfld, f.BodyField),
		I(il.LdcI4, index),
		I(il.Callvirt, f.BodyInvoke),
		I(il.Castclass, gen),
		I(il.Ldarg0, nil),
		I(il.Ldarg1, nil),
		I(il.Ldarg2, nil),
		I(il.Callvirt, gen.FindMethod("Invoke")),
		I(il.Ret, nil),
	)
}

// StringStub returns the three-instruction string lookup for index.
func (f *Fixture) StringStub(index int32) []*il.Instruction {
	return []*il.Instruction{
		I(il.Ldsfld, f.StringField),
		I(il.LdcI4S, index),
		I(il.Callvirt, f.StringInvoke),
	}
}

// Bootstrap is the module initializer and the rows it reaches.
type Bootstrap struct {
	Cctor    *il.MethodDef
	Platform [2]*il.MethodDef

	// Set only for the managed loader chain.
	Pointer      *il.MethodDef
	Library      *il.MethodDef
	Address      *il.MethodDef
	ModuleHandle *il.MethodDef
	WritePayload *il.MethodDef
	LoadLibrary  *il.MethodDef
	Loader       *il.TypeDef
	Resources    []*il.Resource
}

// Window is the number of instructions AddBootstrap places before the
// initializer's own tail.
const Window = 21

// AddBootstrap adds a <Module> initializer whose first Window instructions
// are the protection bootstrap, followed by tail (or a lone ret). With
// native set the platform helpers are P/Invoke imports; otherwise they are
// backed by a managed loader chain with two embedded payloads.
func (f *Fixture) AddBootstrap(native bool, tail ...*il.Instruction) *Bootstrap {
	bs := &Bootstrap{}
	platformSig := il.MethodSig{Ret: il.Prim(il.ElemBoolean), Params: []il.TypeSig{il.Prim(il.ElemI4), il.Prim(il.ElemI)}}
	for i, name := range []string{"Secure32", "Secure64"} {
		bs.Platform[i] = f.AddMethod(f.Global, name, true, platformSig, nil)
		bs.Platform[i].PInvoke = native
	}
	if !native {
		f.addChain(bs)
	}

	if len(tail) == 0 {
		tail = []*il.Instruction{I(il.Ret, nil)}
	}
	end := tail[0]
	insts := []*il.Instruction{
		I(il.Nop, nil),
		I(il.Ldnull, nil),
		I(il.Call, f.Acquire),
		I(il.Pop, nil),
		I(il.LdcI41, nil),
		I(il.LdcI40, nil),
		I(il.ConvI, nil),
		I(il.Call, bs.Platform[0]),
		I(il.Pop, nil),
		I(il.LdcI42, nil),
		I(il.LdcI40, nil),
		I(il.ConvI, nil),
		I(il.Call, bs.Platform[1]),
		I(il.Pop, nil),
		I(il.LeaveS, end),
		I(il.Pop, nil),
		I(il.LdcI40, nil),
		I(il.ConvI, nil),
		I(il.Call, f.Release),
		I(il.Pop, nil),
		I(il.LeaveS, end),
	}
	insts = append(insts, tail...)
	b := Body(insts...)
	b.Handlers = []*il.ExceptionHandler{{
		Kind:         il.HandlerCatch,
		TryStart:     insts[0],
		TryEnd:       insts[15],
		HandlerStart: insts[15],
		HandlerEnd:   end,
		CatchType:    f.Object,
	}}
	bs.Cctor = f.AddMethod(f.Global, ".cctor", true, il.MethodSig{Ret: il.Prim(il.ElemVoid)}, b)
	return bs
}

func (f *Fixture) addChain(bs *Bootstrap) {
	g := f.Global
	intPtr := il.Prim(il.ElemI)
	str := il.Prim(il.ElemString)

	bs.Loader = f.AddDelegate("", "SecureDelegate", il.Prim(il.ElemBoolean), il.Prim(il.ElemI4), intPtr)
	bs.ModuleHandle = f.AddMethod(g, "GetModuleHandle", true, il.MethodSig{Ret: intPtr},
		Body(I(il.LdcI40, nil), I(il.ConvI, nil), I(il.Ret, nil)))
	bs.WritePayload = f.AddMethod(g, "WritePayload", true, il.MethodSig{Ret: str, Params: []il.TypeSig{str}},
		Body(I(il.Ldarg0, nil), I(il.Ret, nil)))
	bs.LoadLibrary = f.AddMethod(g, "LoadLibrary", true, il.MethodSig{Ret: intPtr, Params: []il.TypeSig{str}},
		Body(I(il.LdcI40, nil), I(il.ConvI, nil), I(il.Ret, nil)))

	bs.Library = f.AddMethod(g, "LoadPayload", true, il.MethodSig{Ret: intPtr}, Body(
		I(il.Call, bs.ModuleHandle),
		I(il.Pop, nil),
		I(il.Ldstr, Payload64),
		I(il.Call, bs.WritePayload),
		I(il.Ldstr, Payload32),
		I(il.Pop, nil),
		I(il.Call, bs.LoadLibrary),
		I(il.Ret, nil),
	))
	bs.Address = f.AddMethod(g, "GetExport", true, il.MethodSig{Ret: intPtr, Params: []il.TypeSig{intPtr, str}},
		Body(I(il.Ldarg0, nil), I(il.Ret, nil)))
	bs.Pointer = f.AddMethod(g, "GetDelegate", true,
		il.MethodSig{Ret: il.ClassSig(f.Delegate), Params: []il.TypeSig{str, il.ClassSig(f.SystemType)}},
		Body(
			I(il.Call, bs.Library),
			I(il.Ldarg0, nil),
			I(il.Call, bs.Address),
			I(il.Pop, nil),
			I(il.Ldnull, nil),
			I(il.Ret, nil),
		))

	for _, md := range bs.Platform {
		md.Body = Body(
			I(il.Ldstr, "Secure"),
			I(il.Ldtoken, bs.Loader),
			I(il.Call, bs.Pointer),
			I(il.Castclass, bs.Loader),
			I(il.Ldarg0, nil),
			I(il.Ldarg1, nil),
			I(il.Callvirt, bs.Loader.FindMethod("Invoke")),
			I(il.Ret, nil),
		)
	}

	for _, name := range []string{Payload64, Payload32} {
		r := &il.Resource{Name: name, Data: []byte("MZ")}
		f.Module.Resources = append(f.Module.Resources, r)
		bs.Resources = append(bs.Resources, r)
	}
}
