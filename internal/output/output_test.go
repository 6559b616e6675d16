package output

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
	"ilpunpack/internal/logging"
	"ilpunpack/internal/pex"
	"ilpunpack/internal/prune"
	"ilpunpack/internal/stub"
	"ilpunpack/internal/unpack"
)

// sampleResult prunes a fixture with a managed loader chain and reports one
// restored method.
func sampleResult(t *testing.T) *unpack.Result {
	t.Helper()
	f := iltest.New()
	f.AddBootstrap(false)
	calc := f.AddType("App", "Calc", f.Object)
	i4 := il.Prim(il.ElemI4)
	add := f.AddMethod(calc, "Add", true, il.MethodSig{Ret: i4, Params: []il.TypeSig{i4, i4}}, iltest.Body(
		iltest.I(il.Ldarg0, nil),
		iltest.I(il.Ldarg1, nil),
		iltest.I(il.Add, nil),
		iltest.I(il.Ldstr, "sum"),
		iltest.I(il.Call, f.WriteLine),
		iltest.I(il.Ret, nil),
	))

	reg := stub.NewRegistry()
	h, err := stub.Resolve(f.Module, stub.DefaultFieldNames, reg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var d diag.Diags
	pruned := prune.New(f.Module, h, reg, prune.DefaultOptions, logging.New("error", io.Discard)).Prune(&d)
	if pruned.Chain == nil || pruned.Chain.Native {
		t.Fatalf("expected a managed loader chain, got %+v", pruned.Chain)
	}
	return &unpack.Result{
		RunID:           "run",
		Module:          f.Module.Name,
		MethodsRestored: 1,
		Pruned:          pruned,
		Restored:        []*il.MethodDef{add},
	}
}

func TestNewReport(t *testing.T) {
	res := sampleResult(t)
	r := NewReport(res)

	if r.Removed == nil {
		t.Fatal("Removed = nil")
	}
	if r.Removed.Window != iltest.Window {
		t.Errorf("window = %d, want %d", r.Removed.Window, iltest.Window)
	}
	if len(r.Removed.Methods) != 8 || len(r.Removed.Resources) != 2 {
		t.Errorf("removed %d methods, %d resources; want 8, 2", len(r.Removed.Methods), len(r.Removed.Resources))
	}
	if len(r.Payloads) != 2 || r.Payloads[0].Resource != iltest.Payload64 {
		t.Fatalf("payloads = %+v", r.Payloads)
	}
	// The fixture payloads are not PE images.
	if r.Payloads[0].Err == "" || r.Payloads[0].Size != 2 {
		t.Errorf("payload = %+v", r.Payloads[0])
	}
	if r.Calls == nil || r.Calls.TotalEdges != 1 {
		t.Errorf("calls = %+v", r.Calls)
	}
}

func TestNewReportNothingPruned(t *testing.T) {
	r := NewReport(&unpack.Result{Module: "App.exe", Pruned: &prune.Result{}})
	if r.Removed != nil || r.Payloads != nil || r.Calls != nil {
		t.Errorf("report = %+v", r)
	}
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := WriteReport(path, NewReport(sampleResult(t))); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	for _, key := range []string{"run_id", "module", "methods_restored", "removed", "payloads", "calls"} {
		if _, ok := got[key]; !ok {
			t.Errorf("report missing %q", key)
		}
	}
	if _, ok := got["Result"]; ok {
		t.Error("result fields should be inlined")
	}
}

func TestWriteGraphs(t *testing.T) {
	dir := t.TempDir()
	n, err := WriteGraphs(dir, sampleResult(t))
	if err != nil {
		t.Fatalf("WriteGraphs: %v", err)
	}
	if n != 5 {
		t.Errorf("wrote %d files, want 5", n)
	}
	for _, name := range []string{"callgraph.dot", "calls.dot", "cfg.dot", "scaffolding.dot", "cfg/App.Calc.Add.dot"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestWriteListing(t *testing.T) {
	res := sampleResult(t)
	path := filepath.Join(t.TempDir(), "bodies.il")
	methods := append(res.Restored, res.Pruned.Initializer)
	if err := WriteListing(path, methods); err != nil {
		t.Fatalf("WriteListing: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		"// System.Int32 App.Calc::Add(System.Int32,System.Int32)",
		`IL_0003: ldstr "sum"`,
		"IL_0002: add",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %q:\n%s", want, text)
		}
	}
}

func TestWritePayloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "payloads")
	payloads := []pex.Payload{
		{Resource: "a.dll", Entry: []pex.Inst{{Addr: 0x1000, Raw: []byte{0xC3}, Text: "ret"}}},
		{Resource: "b.dll", Err: "not a PE"},
	}
	if err := WritePayloads(dir, payloads); err != nil {
		t.Fatalf("WritePayloads: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.dll.asm"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ret") {
		t.Errorf("a.dll.asm = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.dll.asm")); !os.IsNotExist(err) {
		t.Error("payload without entry code should not be written")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"App.Calc.Add", "App.Calc.Add"},
		{"<Module>.cctor", "_Module_.cctor"},
		{"a/b c:d", "a_b_c_d"},
		{strings.Repeat("x", 300), strings.Repeat("x", 200)},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
