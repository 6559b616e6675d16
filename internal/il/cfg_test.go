package il_test

import (
	"testing"

	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
)

func TestBuildCFG(t *testing.T) {
	// 0: ldarg.0
	// 1: brfalse.s 4     → B2 (T), B1 (F)
	// 2: ldstr "a"
	// 3: br.s 5          → B3
	// 4: ldstr "b"       falls into B3
	// 5: call WriteLine
	// 6: ret
	f := iltest.New()
	insts := []*il.Instruction{
		iltest.I(il.Ldarg0, nil),
		nil,
		iltest.I(il.Ldstr, "a"),
		nil,
		iltest.I(il.Ldstr, "b"),
		iltest.I(il.Call, f.WriteLine),
		iltest.I(il.Ret, nil),
	}
	insts[1] = iltest.I(il.BrfalseS, insts[4])
	insts[3] = iltest.I(il.BrS, insts[5])

	cfg := il.BuildCFG("Choose", iltest.Body(insts...))
	if len(cfg.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(cfg.Blocks))
	}

	tests := []struct {
		start, end int
		succs      []il.Succ
		term       bool
	}{
		{0, 2, []il.Succ{{BlockID: 2, Cond: "T"}, {BlockID: 1, Cond: "F"}}, false},
		{2, 4, []il.Succ{{BlockID: 3}}, false},
		{4, 5, []il.Succ{{BlockID: 3}}, false},
		{5, 7, nil, true},
	}
	for i, tt := range tests {
		b := cfg.Blocks[i]
		if b.Start != tt.start || b.End != tt.end {
			t.Errorf("B%d = [%d,%d), want [%d,%d)", i, b.Start, b.End, tt.start, tt.end)
		}
		if b.IsTerm != tt.term {
			t.Errorf("B%d IsTerm = %v, want %v", i, b.IsTerm, tt.term)
		}
		if len(b.Succs) != len(tt.succs) {
			t.Errorf("B%d succs = %+v, want %+v", i, b.Succs, tt.succs)
			continue
		}
		for j := range tt.succs {
			if b.Succs[j] != tt.succs[j] {
				t.Errorf("B%d succ %d = %+v, want %+v", i, j, b.Succs[j], tt.succs[j])
			}
		}
	}
	if !cfg.Blocks[0].IsEntry {
		t.Error("B0 should be the entry")
	}
}

func TestBuildCFGHandlerLeaders(t *testing.T) {
	f := iltest.New()
	bs := f.AddBootstrap(true)
	cfg := il.BuildCFG(bs.Cctor.FullName(), bs.Cctor.Body)

	// try [0,15), handler [15,21), tail [21,22)
	var starts []int
	for _, b := range cfg.Blocks {
		starts = append(starts, b.Start)
	}
	want := []int{0, 15, 21}
	if len(starts) != len(want) {
		t.Fatalf("block starts = %v, want %v", starts, want)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("block %d starts at %d, want %d", i, starts[i], want[i])
		}
	}
}

func TestBuildCFGEmpty(t *testing.T) {
	cfg := il.BuildCFG("empty", &il.Body{})
	if len(cfg.Blocks) != 0 {
		t.Errorf("blocks = %d, want 0", len(cfg.Blocks))
	}
}
