package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"ilpunpack/internal/il"
)

// maxLiteral is the longest string literal shown in a CFG before it is cut.
const maxLiteral = 50

// BuildCFG constructs a lattice.CFGGraph from method bodies. Each method is
// converted via il.BuildCFG then mapped to lattice types. Methods without a
// body are skipped.
func BuildCFG(methods []*il.MethodDef) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, md := range methods {
		if md.Body == nil {
			continue
		}
		lcfg, _ := BuildFuncCFG(md)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// BuildFuncCFG builds a single-method lattice.FuncCFG. Calls and string
// literals become call sites of their block. Returns the FuncCFG and the
// number of basic blocks.
func BuildFuncCFG(md *il.MethodDef) (*lattice.FuncCFG, int) {
	dcfg := il.BuildCFG(md.FullName(), md.Body)
	return convertFuncCFG(&dcfg), len(dcfg.Blocks)
}

// convertFuncCFG maps an il.FuncCFG to a lattice.FuncCFG.
func convertFuncCFG(dcfg *il.FuncCFG) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		for idx := db.Start; idx < db.End && idx < len(dcfg.Insts); idx++ {
			in := dcfg.Insts[idx]
			label := Callee(in)
			if label == "" {
				if s, ok := in.Operand.(string); ok && in.OpCode.Code == il.Ldstr {
					if r := []rune(s); len(r) > maxLiteral {
						s = string(r[:maxLiteral-3]) + "..."
					}
					label = fmt.Sprintf("%q", s)
				}
			}
			if label == "" {
				continue
			}
			lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: label})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
