package il

import "sort"

// BasicBlock represents a sequence of instructions with a single entry point.
type BasicBlock struct {
	ID      int
	Start   int    // index into FuncCFG.Insts (inclusive)
	End     int    // index into FuncCFG.Insts (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // ends with ret, throw or endfinally
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken/true, "F" = fallthrough/false
}

// FuncCFG is a per-method control flow graph.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []*Instruction
}

// BuildCFG constructs a control flow graph from a method body.
// The algorithm:
//  1. Find block leaders: index 0, branch targets, handler boundaries,
//     instructions after terminators.
//  2. Partition instructions into blocks by leaders.
//  3. Compute successor edges from each block's last instruction.
//
// Exceptional edges are not modelled; handler starts become leaders so that
// handler code forms its own blocks.
func BuildCFG(name string, b *Body) FuncCFG {
	insts := b.Instructions
	if len(insts) == 0 {
		return FuncCFG{Name: name, Insts: insts}
	}

	index := make(map[*Instruction]int, len(insts))
	for i, in := range insts {
		index[in] = i
	}
	mark := func(leaders map[int]bool, in *Instruction) {
		if in == nil {
			return
		}
		if idx, ok := index[in]; ok {
			leaders[idx] = true
		}
	}

	// Pass 1: Identify block leaders.
	leaders := map[int]bool{0: true}
	for i, in := range insts {
		if !endsBlock(in) {
			continue
		}
		if i+1 < len(insts) {
			leaders[i+1] = true
		}
		for _, t := range in.Targets() {
			mark(leaders, t)
		}
	}
	for _, h := range b.Handlers {
		mark(leaders, h.TryStart)
		mark(leaders, h.TryEnd)
		mark(leaders, h.FilterStart)
		mark(leaders, h.HandlerStart)
		mark(leaders, h.HandlerEnd)
	}

	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: Partition into blocks.
	blocks := make([]BasicBlock, len(sorted))
	leaderToBlock := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := len(insts)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = BasicBlock{ID: i, Start: start, End: end, IsEntry: start == 0}
		leaderToBlock[start] = i
	}

	// Pass 3: Compute successors.
	for i := range blocks {
		blk := &blocks[i]
		last := insts[blk.End-1]
		next, hasNext := leaderToBlock[blk.End]

		switch last.OpCode.Flow {
		case FlowReturn, FlowThrow:
			blk.IsTerm = true
		case FlowBranch:
			for _, t := range last.Targets() {
				blk.Succs = append(blk.Succs, Succ{BlockID: leaderToBlock[index[t]]})
			}
		case FlowCondBranch:
			for _, t := range last.Targets() {
				blk.Succs = append(blk.Succs, Succ{BlockID: leaderToBlock[index[t]], Cond: "T"})
			}
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next, Cond: "F"})
			}
		default:
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next})
			}
		}
	}

	return FuncCFG{Name: name, Blocks: blocks, Insts: insts}
}

func endsBlock(in *Instruction) bool {
	switch in.OpCode.Flow {
	case FlowBranch, FlowCondBranch, FlowReturn, FlowThrow:
		return true
	}
	return false
}
