package splice

import (
	"testing"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
	"ilpunpack/internal/stub"
)

func stubMethod(t *testing.T) (*iltest.Fixture, *il.MethodDef, stub.Match) {
	t.Helper()
	f := iltest.New()
	gen := f.AddDelegate("", "<>Gen0", il.Prim(il.ElemI4), il.Prim(il.ElemI4), il.Prim(il.ElemI4))
	prog := f.AddType("App", "Program", f.Object)
	md := f.AddMethod(prog, "Add", true,
		il.MethodSig{Ret: il.Prim(il.ElemI4), Params: []il.TypeSig{il.Prim(il.ElemI4), il.Prim(il.ElemI4)}},
		f.BodyStub(3, gen))

	reg := stub.NewRegistry()
	h, err := stub.Resolve(f.Module, stub.DefaultFieldNames, reg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m, ok := stub.NewMatcher(h, reg).BodyStub(md.Body)
	if !ok {
		t.Fatal("fixture stub did not match")
	}
	return f, md, m
}

func TestBodyScenario(t *testing.T) {
	f, md, m := stubMethod(t)
	repl := iltest.Body(iltest.I(il.LdcI4, int32(42)), iltest.I(il.Ret, nil))

	if err := Body(md, m, repl, il.NewImporter(f.Module)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	insts := md.Body.Instructions
	if len(insts) != 2 {
		t.Fatalf("len = %d, want 2", len(insts))
	}
	if v, ok := insts[0].LdcI4Value(); !ok || v != 42 {
		t.Errorf("insts[0] = %v, want ldc.i4 42", insts[0])
	}
	if insts[1].OpCode.Code != il.Ret {
		t.Errorf("insts[1] = %v, want ret", insts[1])
	}
}

func TestBodyWithHandlersAndLocals(t *testing.T) {
	f, md, m := stubMethod(t)

	loc := &il.Local{Index: 0, Type: il.Prim(il.ElemI4)}
	insts := []*il.Instruction{
		iltest.I(il.Ldarg0, nil),
		iltest.I(il.StlocS, loc),
		nil,
		iltest.I(il.Pop, nil),
		nil,
		iltest.I(il.LdlocS, loc),
		iltest.I(il.Ret, nil),
	}
	insts[2] = iltest.I(il.LeaveS, insts[5])
	insts[4] = iltest.I(il.LeaveS, insts[5])
	repl := iltest.Body(insts...)
	repl.Locals = []*il.Local{loc}
	repl.InitLocals = true
	repl.MaxStack = 2
	repl.Handlers = []*il.ExceptionHandler{{
		Kind:         il.HandlerCatch,
		TryStart:     insts[0],
		TryEnd:       insts[3],
		HandlerStart: insts[3],
		HandlerEnd:   insts[5],
		CatchType:    &il.ImportRef{Kind: il.RefType, Scope: "mscorlib", Type: "System.Exception"},
	}}

	nTypes := len(f.Module.TypeRefs)
	if err := Body(md, m, repl, il.NewImporter(f.Module)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	b := md.Body
	if len(b.Instructions) != 7 || len(b.Handlers) != 1 || len(b.Locals) != 1 {
		t.Fatalf("body = %d insts, %d handlers, %d locals", len(b.Instructions), len(b.Handlers), len(b.Locals))
	}
	if !b.InitLocals || b.MaxStack != 2 {
		t.Errorf("InitLocals/MaxStack = %v/%d, want true/2", b.InitLocals, b.MaxStack)
	}
	if b.Instructions[1].Operand != b.Locals[0] {
		t.Error("local operand does not point at the body's local")
	}
	if got := b.Handlers[0].CatchType.FullName(); got != "System.Exception" {
		t.Errorf("catch type = %s", got)
	}
	if len(f.Module.TypeRefs) != nTypes+1 {
		t.Errorf("TypeRefs = %d, want %d", len(f.Module.TypeRefs), nTypes+1)
	}
	if err := il.Verify(b); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestBodyLeavesMethodOnFailure(t *testing.T) {
	tests := []struct {
		name string
		repl func(f *iltest.Fixture) *il.Body
		kind diag.Kind
	}{
		{"unresolvable operand", func(f *iltest.Fixture) *il.Body {
			return iltest.Body(iltest.I(il.Call, il.UnresolvedToken(0x06000999)), iltest.I(il.Ret, nil))
		}, diag.UnresolvableOperand},
		{"empty replacement", func(f *iltest.Fixture) *il.Body {
			return &il.Body{}
		}, diag.ProviderFailure},
		{"malformed replacement", func(f *iltest.Fixture) *il.Body {
			return iltest.Body(iltest.I(il.BrS, iltest.I(il.Ret, nil)), iltest.I(il.Ret, nil))
		}, diag.StructuralMismatch},
		{"new ref then malformed", func(f *iltest.Fixture) *il.Body {
			collect := &il.ImportRef{
				Kind: il.RefMethod, Scope: "mscorlib", Type: "System.GC", Name: "Collect",
				Sig: il.MethodSig{Ret: il.Prim(il.ElemVoid)},
			}
			return iltest.Body(iltest.I(il.Call, collect), iltest.I(il.LdcI4S, int32(1000)), iltest.I(il.Ret, nil))
		}, diag.StructuralMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, md, m := stubMethod(t)
			orig := md.Body
			before := append([]*il.Instruction(nil), orig.Instructions...)
			nTypes, nMembers := len(f.Module.TypeRefs), len(f.Module.MemberRefs)

			err := Body(md, m, tt.repl(f), il.NewImporter(f.Module))
			if err == nil {
				t.Fatal("Body succeeded")
			}
			if got := diag.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (%v)", got, tt.kind, err)
			}
			if md.Body != orig || len(orig.Instructions) != len(before) {
				t.Fatal("method body replaced on failure")
			}
			for i := range before {
				if orig.Instructions[i] != before[i] {
					t.Errorf("instruction %d changed", i)
				}
			}
			if len(f.Module.TypeRefs) != nTypes || len(f.Module.MemberRefs) != nMembers {
				t.Error("references created by a failed splice were kept")
			}
		})
	}
}

func TestBodyRejectsStringMatch(t *testing.T) {
	f, md, _ := stubMethod(t)
	m := stub.Match{Kind: stub.StringStub, Start: 0, End: 3}
	err := Body(md, m, iltest.Body(iltest.I(il.Ret, nil)), il.NewImporter(f.Module))
	if err == nil {
		t.Error("Body accepted a string match")
	}
}

func TestString(t *testing.T) {
	f := iltest.New()
	insts := []*il.Instruction{iltest.I(il.Nop, nil)}
	insts = append(insts, f.StringStub(5)...)
	insts = append(insts, iltest.I(il.Call, f.WriteLine), iltest.I(il.Ret, nil))
	b := iltest.Body(insts...)
	call := insts[3]

	m := stub.Match{Kind: stub.StringStub, Start: 1, End: 4, Index: 5}
	if err := String(b, m, "hello"); err != nil {
		t.Fatalf("String: %v", err)
	}
	if len(b.Instructions) != 6 {
		t.Fatalf("len = %d, want 6", len(b.Instructions))
	}
	want := []il.Code{il.Nop, il.Nop, il.Nop, il.Ldstr, il.Call, il.Ret}
	for i, c := range want {
		if b.Instructions[i].OpCode.Code != c {
			t.Errorf("insts[%d] = %v, want %s", i, b.Instructions[i], il.Op(c).Name)
		}
	}
	if b.Instructions[3] != call || call.Operand != "hello" {
		t.Errorf("call slot = %v, want ldstr \"hello\" in place", b.Instructions[3])
	}
	if err := il.Verify(b); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if got := b.Instructions[4].Offset; got != 1+1+1+5 {
		t.Errorf("offset after literal = %d, want 8", got)
	}

	bad := stub.Match{Kind: stub.StringStub, Start: 4, End: 7}
	if err := String(b, bad, "x"); err == nil {
		t.Error("String accepted an out-of-range match")
	}
}

func TestBodyKeepsCallerHandlersOutsideStub(t *testing.T) {
	f, md, _ := stubMethod(t)
	b := md.Body
	tail := iltest.I(il.Ret, nil)
	b.Instructions[8] = iltest.I(il.Pop, nil)
	b.Instructions = append(b.Instructions, tail)
	b.Handlers = []*il.ExceptionHandler{{
		Kind:         il.HandlerFinally,
		TryStart:     b.Instructions[0],
		TryEnd:       b.Instructions[8],
		HandlerStart: b.Instructions[8],
		HandlerEnd:   tail,
	}}
	m := stub.Match{Kind: stub.BodyStub, Start: 0, End: 8, Index: 3}

	repl := iltest.Body(iltest.I(il.LdcI41, nil), iltest.I(il.Ret, nil))
	if err := Body(md, m, repl, il.NewImporter(f.Module)); err != nil {
		t.Fatalf("Body: %v", err)
	}
	nb := md.Body
	if len(nb.Instructions) != 4 {
		t.Fatalf("len = %d, want 4", len(nb.Instructions))
	}
	h := nb.Handlers[0]
	if h.TryStart != nb.Instructions[0] || h.HandlerStart != nb.Instructions[2] {
		t.Errorf("handler not remapped: %+v", h)
	}
	if err := il.Verify(nb); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
