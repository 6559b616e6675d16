package modfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
)

func fixture() (*iltest.Fixture, *il.MethodDef) {
	f := iltest.New()
	f.AddBootstrap(false)
	prog := f.AddType("App", "Program", f.Object)
	insts := []*il.Instruction{iltest.I(il.Ldarg0, nil)}
	loc := &il.Local{Index: 0, Type: il.ArraySig(il.Prim(il.ElemString))}
	insts = append(insts,
		iltest.I(il.StlocS, loc),
		nil,
	)
	insts = append(insts, f.StringStub(2)...)
	insts = append(insts,
		iltest.I(il.Call, f.WriteLine),
		iltest.I(il.Ret, nil),
	)
	insts[2] = iltest.I(il.BrS, insts[3])
	b := iltest.Body(insts...)
	b.Locals = []*il.Local{loc}
	b.InitLocals = true
	main := f.AddMethod(prog, "Main", true,
		il.MethodSig{Ret: il.Prim(il.ElemVoid), Params: []il.TypeSig{il.ArraySig(il.Prim(il.ElemString))}}, b)
	f.AddNested(prog, "Inner", f.Object)
	return f, main
}

func quiet() log.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func TestRoundTrip(t *testing.T) {
	f, main := fixture()
	var buf bytes.Buffer
	if err := Write(&buf, f.Module, WriterOptions{PreserveMetadata: true, Logger: quiet()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if m.Name != f.Module.Name || m.RuntimeVersion != f.Module.RuntimeVersion || !m.ILOnly {
		t.Errorf("header = %q %q %v", m.Name, m.RuntimeVersion, m.ILOnly)
	}
	if got, want := len(m.AllTypes()), len(f.Module.AllTypes()); got != want {
		t.Fatalf("types = %d, want %d", got, want)
	}
	for i, td := range f.Module.AllTypes() {
		got := m.AllTypes()[i]
		if got.FullName() != td.FullName() || got.Token != td.Token {
			t.Errorf("type %d = %s %s, want %s %s", i, got.FullName(), got.Token, td.FullName(), td.Token)
		}
		if len(got.Methods) != len(td.Methods) || len(got.Fields) != len(td.Fields) {
			t.Errorf("%s members = %d/%d, want %d/%d", td.FullName(),
				len(got.Methods), len(got.Fields), len(td.Methods), len(td.Fields))
		}
	}
	for i, md := range f.Global.Methods {
		if got := m.GlobalType().Methods[i]; got.PInvoke != md.PInvoke || got.Static != md.Static {
			t.Errorf("flags of %s not preserved", got.Name)
		}
	}

	cctor := m.GlobalType().FindStaticConstructor()
	orig := f.Global.FindStaticConstructor()
	if len(cctor.Body.Instructions) != len(orig.Body.Instructions) {
		t.Fatalf("cctor len = %d, want %d", len(cctor.Body.Instructions), len(orig.Body.Instructions))
	}
	for i, in := range orig.Body.Instructions {
		got := cctor.Body.Instructions[i]
		if got.String() != in.String() {
			t.Errorf("cctor #%d = %s, want %s", i, got, in)
		}
	}
	h := cctor.Body.Handlers[0]
	if cctor.Body.IndexOf(h.TryStart) != 0 || cctor.Body.IndexOf(h.HandlerStart) != 15 || cctor.Body.IndexOf(h.HandlerEnd) != 21 {
		t.Errorf("handler boundaries not preserved: %+v", h)
	}
	if h.CatchType.FullName() != "System.Object" {
		t.Errorf("catch type = %s", h.CatchType.FullName())
	}

	// operands point at rows of the new module
	call := cctor.Body.Instructions[2].Operand.(*il.MemberRef)
	if call == f.Acquire || m.ResolveToken(call.Token) != call {
		t.Error("member ref operand not re-homed")
	}

	var rmain *il.MethodDef
	for _, td := range m.AllTypes() {
		if md := td.FindMethod("Main"); md != nil {
			rmain = md
		}
	}
	if rmain == nil {
		t.Fatal("Main lost")
	}
	if rmain.FullName() != main.FullName() {
		t.Errorf("Main = %s, want %s", rmain.FullName(), main.FullName())
	}
	rb := rmain.Body
	if !rb.InitLocals || rb.Instructions[1].Operand != rb.Locals[0] || rb.Instructions[2].Operand != rb.Instructions[3] {
		t.Error("locals or branch targets not rebuilt")
	}
	if len(m.Resources) != 2 || string(m.Resources[0].Data) != "MZ" {
		t.Errorf("resources = %v", m.Resources)
	}
	if err := Validate(m, true); len(err) != 0 {
		t.Errorf("Validate(reread) = %v", err)
	}
}

func TestRenumberTokens(t *testing.T) {
	f, _ := fixture()
	f.Module.RemoveType(f.StringDelegate)
	f.Global.RemoveField(f.StringField)
	for _, td := range f.Module.AllTypes() {
		for _, md := range td.Methods {
			if md.Body == nil {
				continue
			}
			for _, in := range md.Body.Instructions {
				if in.Operand == f.StringField || in.Operand == f.StringInvoke {
					in.OpCode, in.Operand = il.Op(il.Nop), nil
				}
			}
		}
	}

	img, err := Encode(f.Module, WriterOptions{Logger: quiet()})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var rids []uint32
	var walk func(ts []Type)
	walk = func(ts []Type) {
		for _, ty := range ts {
			if ty.Token.Table() != il.TableTypeDef {
				t.Errorf("%s token %s not a TypeDef token", ty.Name, ty.Token)
			}
			rids = append(rids, ty.Token.RID())
			walk(ty.Nested)
		}
	}
	walk(img.Types)
	for i, rid := range rids {
		if rid != uint32(i+1) {
			t.Fatalf("type rids = %v, want 1..%d", rids, len(rids))
		}
	}
	if _, err := FromImage(img); err != nil {
		t.Errorf("FromImage(renumbered): %v", err)
	}
}

func TestEncodeRejectsDanglingReferences(t *testing.T) {
	f, _ := fixture()
	// Remove the string delegate while the stub still calls its Invoke.
	f.Module.RemoveType(f.StringDelegate)

	logger, hook := test.NewNullLogger()
	_, err := Encode(f.Module, WriterOptions{Logger: logger})
	if !errors.Is(err, ErrInvalidModule) {
		t.Fatalf("err = %v, want ErrInvalidModule", err)
	}
	entries := hook.AllEntries()
	if len(entries) == 0 {
		t.Fatal("no validation errors logged")
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Level != log.ErrorLevel {
			t.Errorf("level = %v, want error", e.Level)
		}
		if seen[e.Message] {
			t.Errorf("message logged twice: %s", e.Message)
		}
		seen[e.Message] = true
	}
	found := false
	for msg := range seen {
		if strings.Contains(msg, "StringDelegate") && strings.Contains(msg, "not in the module") {
			found = true
		}
	}
	if !found {
		t.Errorf("messages = %v, want one naming StringDelegate", seen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(f *iltest.Fixture, main *il.MethodDef)
		preserve bool
		want     string
	}{
		{"clean", func(*iltest.Fixture, *il.MethodDef) {}, true, ""},
		{"duplicate token", func(f *iltest.Fixture, main *il.MethodDef) {
			main.Token = f.Global.Methods[0].Token
		}, true, "used by both"},
		{"duplicate token renumbered", func(f *iltest.Fixture, main *il.MethodDef) {
			main.Token = f.Global.Methods[0].Token
		}, false, ""},
		{"malformed body", func(f *iltest.Fixture, main *il.MethodDef) {
			main.Body.Instructions[2].Operand = iltest.I(il.Ret, nil)
		}, true, "branch target"},
		{"never imported", func(f *iltest.Fixture, main *il.MethodDef) {
			main.Body.Instructions[6].Operand = &il.ImportRef{Kind: il.RefMethod, Scope: "mscorlib", Type: "System.GC", Name: "Collect"}
		}, true, "not imported"},
		{"no global type", func(f *iltest.Fixture, main *il.MethodDef) {
			f.Global.Name = "Global"
		}, true, "first type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, main := fixture()
			tt.mutate(f, main)
			probs := Validate(f.Module, tt.preserve)
			if tt.want == "" {
				if len(probs) != 0 {
					t.Errorf("Validate = %v, want none", probs)
				}
				return
			}
			for _, p := range probs {
				if strings.Contains(p, tt.want) {
					return
				}
			}
			t.Errorf("Validate = %v, want a problem containing %q", probs, tt.want)
		})
	}
}

func TestNativeExtras(t *testing.T) {
	tests := []struct {
		name   string
		ilOnly bool
		fixups bool
		keep   bool
		want   bool
	}{
		{"il only", true, false, true, false},
		{"mixed mode kept", false, false, true, true},
		{"fixups kept", true, true, true, true},
		{"mixed mode dropped", false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := fixture()
			f.Module.ILOnly, f.Module.VTableFixups = tt.ilOnly, tt.fixups
			f.Module.NativeExtras = []byte{1, 2, 3}
			img, err := Encode(f.Module, WriterOptions{KeepNativeExtras: tt.keep, Logger: quiet()})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got := len(img.NativeExtras) > 0; got != tt.want {
				t.Errorf("native extras written = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "App-Unpacked.json")

	f, main := fixture()
	main.Body.Instructions[2].Operand = iltest.I(il.Ret, nil)
	if err := Save(path, f.Module, WriterOptions{Logger: quiet()}); !errors.Is(err, ErrInvalidModule) {
		t.Fatalf("Save(invalid) = %v, want ErrInvalidModule", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("failed save left %d files behind", len(entries))
	}

	f, _ = fixture()
	if err := Save(path, f.Module, WriterOptions{PreserveMetadata: true, Logger: quiet()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "App-Unpacked.json" {
		t.Fatalf("dir = %v, want only the output", entries)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Types) != len(f.Module.Types) {
		t.Errorf("types = %d, want %d", len(m.Types), len(f.Module.Types))
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{`},
		{"no global type", `{"name":"x","types":[{"token":33554433,"name":"Program"}]}`},
		{"wrong table", `{"name":"x","types":[{"token":16777217,"name":"<Module>"}]}`},
		{"dangling base", `{"name":"x","types":[{"token":33554433,"name":"<Module>"},{"token":33554434,"name":"P","base":16777225}]}`},
		{"unknown opcode", `{"name":"x","types":[{"token":33554433,"name":"<Module>","methods":[
			{"token":100663297,"name":"M","sig":{"ret":{"elem":"void"}},"body":{"max_stack":8,"instructions":[{"op":"frob"}]}}]}]}`},
		{"branch out of range", `{"name":"x","types":[{"token":33554433,"name":"<Module>","methods":[
			{"token":100663297,"name":"M","sig":{"ret":{"elem":"void"}},"body":{"max_stack":8,"instructions":[{"op":"br.s","operand":5}]}}]}]}`},
		{"bad element type", `{"name":"x","types":[{"token":33554433,"name":"<Module>","fields":[
			{"token":67108865,"name":"F","type":{"elem":"quad"}}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(tt.json)); !errors.Is(err, ErrFormat) {
				t.Errorf("err = %v, want ErrFormat", err)
			}
		})
	}
}
