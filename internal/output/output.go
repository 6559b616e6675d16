// Package output writes unpack results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lrender "github.com/zboralski/lattice/render"

	"ilpunpack/internal/callgraph"
	"ilpunpack/internal/il"
	"ilpunpack/internal/pex"
	"ilpunpack/internal/render"
	"ilpunpack/internal/unpack"
)

// EntryInsts is how many entry point instructions of a removed native
// payload the report decodes.
const EntryInsts = 8

// Report is the JSON run report.
type Report struct {
	*unpack.Result
	Removed  *Removed               `json:"removed,omitempty"`
	Payloads []pex.Payload          `json:"payloads,omitempty"`
	Calls    *render.CallgraphStats `json:"calls,omitempty"`
}

// Removed names the scaffolding the pruner took out.
type Removed struct {
	Initializer string   `json:"initializer,omitempty"`
	Window      int      `json:"window,omitempty"`
	Native      bool     `json:"native_helpers,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	Types       []string `json:"types,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	Resources   []string `json:"resources,omitempty"`
}

// NewReport builds the report for res. Removed resources are inspected as
// native payloads.
func NewReport(res *unpack.Result) *Report {
	r := &Report{Result: res}
	if len(res.Restored) > 0 {
		stats := render.ComputeStats(res.Restored)
		r.Calls = &stats
	}
	p := res.Pruned
	if p == nil || p.Empty() {
		return r
	}
	rm := &Removed{Window: p.Window}
	if p.Initializer != nil {
		rm.Initializer = p.Initializer.FullName()
	}
	if p.Chain != nil {
		rm.Native = p.Chain.Native
	}
	for _, md := range p.Methods {
		rm.Methods = append(rm.Methods, md.FullName())
	}
	for _, t := range p.Types {
		rm.Types = append(rm.Types, t.FullName())
	}
	for _, f := range p.Fields {
		rm.Fields = append(rm.Fields, f.FullName())
	}
	for _, rs := range p.Resources {
		rm.Resources = append(rm.Resources, rs.Name)
		r.Payloads = append(r.Payloads, pex.InspectPayload(rs.Name, rs.Data, EntryInsts))
	}
	r.Removed = rm
	return r
}

// WriteReport writes the report as indented JSON.
func WriteReport(path string, r *Report) error {
	return writeJSON(path, r)
}

// WriteGraphs writes the DOT files for res to dir:
//
//	callgraph.dot     lattice call graph of the restored methods
//	calls.dot         themed call graph clustered by type
//	cfg.dot           lattice CFGs of the restored methods
//	scaffolding.dot   what the pruner removed, if anything
//	cfg/<method>.dot  one themed CFG per restored method
//
// It returns the number of files written.
func WriteGraphs(dir string, res *unpack.Result) (int, error) {
	cfgDir := filepath.Join(dir, "cfg")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return 0, fmt.Errorf("output: mkdir cfg: %w", err)
	}
	n := 0
	write := func(path, dot string) error {
		if dot == "" {
			return nil
		}
		if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
			return fmt.Errorf("output: write %s: %w", path, err)
		}
		n++
		return nil
	}

	title := res.Module
	if err := write(filepath.Join(dir, "callgraph.dot"), lrender.DOT(callgraph.BuildCallGraph(res.Restored), title)); err != nil {
		return n, err
	}
	if err := write(filepath.Join(dir, "calls.dot"), render.CallgraphDOT(res.Restored, title, render.NASA, 0)); err != nil {
		return n, err
	}
	if err := write(filepath.Join(dir, "cfg.dot"), lrender.DOTCFG(callgraph.BuildCFG(res.Restored), title)); err != nil {
		return n, err
	}
	if g := callgraph.PruneGraph(res.Pruned); g != nil {
		if err := write(filepath.Join(dir, "scaffolding.dot"), lrender.DOT(g, title+" (removed)")); err != nil {
			return n, err
		}
	}

	seen := make(map[string]int)
	for _, md := range res.Restored {
		if md.Body == nil {
			continue
		}
		name := md.Name
		if md.DeclaringType != nil {
			name = md.DeclaringType.FullName() + "." + name
		}
		name = SanitizeFilename(name)
		if k := seen[name]; k > 0 {
			name = fmt.Sprintf("%s_%d", name, k)
		}
		seen[name]++
		dot := render.MethodDOT(il.BuildCFG(md.FullName(), md.Body), render.NASA)
		if err := write(filepath.Join(cfgDir, name+".dot"), dot); err != nil {
			return n, err
		}
	}
	return n, nil
}

// WriteListing writes the IL of every method to path, one block per method.
func WriteListing(path string, methods []*il.MethodDef) error {
	var b strings.Builder
	for _, md := range methods {
		fmt.Fprintf(&b, "// %s  token %s\n", md.FullName(), md.Token)
		if md.Body == nil {
			b.WriteString("// no body\n\n")
			continue
		}
		for _, h := range md.Body.Handlers {
			fmt.Fprintf(&b, "// .try %s handler %s (%s)\n",
				label(h.TryStart), label(h.HandlerStart), h.Kind)
		}
		for _, in := range md.Body.Instructions {
			b.WriteString(in.String())
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// WritePayloads writes the decoded entry points of removed payloads to
// dir/<resource>.asm.
func WritePayloads(dir string, payloads []pex.Payload) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir payloads: %w", err)
	}
	for _, p := range payloads {
		if len(p.Entry) == 0 {
			continue
		}
		path := filepath.Join(dir, SanitizeFilename(p.Resource)+".asm")
		if err := os.WriteFile(path, []byte(pex.Format(p.Entry)), 0644); err != nil {
			return fmt.Errorf("output: write %s: %w", path, err)
		}
	}
	return nil
}

// SanitizeFilename makes a string safe for use as a filename.
func SanitizeFilename(name string) string {
	r := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	s := r.Replace(name)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func label(in *il.Instruction) string {
	if in == nil {
		return "end"
	}
	return fmt.Sprintf("IL_%04X", in.Offset)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
