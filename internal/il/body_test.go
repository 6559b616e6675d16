package il_test

import (
	"errors"
	"testing"

	"ilpunpack/internal/il"
	"ilpunpack/internal/il/iltest"
)

// branchy returns:
//
//	0: ldarg.0
//	1: brfalse.s 3
//	2: nop
//	3: ldc.i4.1
//	4: ret
func branchy() *il.Body {
	insts := []*il.Instruction{
		iltest.I(il.Ldarg0, nil),
		nil,
		iltest.I(il.Nop, nil),
		iltest.I(il.LdcI41, nil),
		iltest.I(il.Ret, nil),
	}
	insts[1] = iltest.I(il.BrfalseS, insts[3])
	return iltest.Body(insts...)
}

func TestSpliceRedirectsToReplacement(t *testing.T) {
	b := branchy()
	repl := []*il.Instruction{iltest.I(il.LdcI42, nil), iltest.I(il.Pop, nil), iltest.I(il.LdcI43, nil)}
	if err := b.Splice(3, 4, repl); err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if got := len(b.Instructions); got != 7 {
		t.Fatalf("len = %d, want 7", got)
	}
	if got := b.Instructions[1].Operand; got != repl[0] {
		t.Errorf("branch target = %v, want first replacement", got)
	}
	if err := il.Verify(b); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if got := b.Instructions[6].Offset; got != 7 {
		t.Errorf("ret offset = %d, want 7", got)
	}
}

func TestSpliceDeleteRedirectsToFollower(t *testing.T) {
	b := branchy()
	ret := b.Instructions[4]
	if err := b.Splice(2, 4, nil); err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if got := b.Instructions[1].Operand; got != ret {
		t.Errorf("branch target = %v, want ret", got)
	}
	if err := il.Verify(b); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestSpliceRefusesDanglingBranch(t *testing.T) {
	b := branchy()
	before := append([]*il.Instruction(nil), b.Instructions...)
	err := b.Splice(3, 5, nil)
	if !errors.Is(err, il.ErrDanglingRef) {
		t.Fatalf("err = %v, want ErrDanglingRef", err)
	}
	if len(b.Instructions) != len(before) {
		t.Fatalf("body changed: len = %d, want %d", len(b.Instructions), len(before))
	}
	for i := range before {
		if b.Instructions[i] != before[i] {
			t.Errorf("instruction %d replaced", i)
		}
	}
	if b.Instructions[1].Operand != before[3] {
		t.Error("branch target moved on a refused edit")
	}
}

func TestSpliceHandlerEndFallsOffBody(t *testing.T) {
	insts := []*il.Instruction{
		iltest.I(il.Nop, nil),
		nil,
		iltest.I(il.Pop, nil),
		nil,
		iltest.I(il.Ret, nil),
	}
	insts[1] = iltest.I(il.LeaveS, insts[4])
	insts[3] = iltest.I(il.LeaveS, insts[4])
	b := iltest.Body(insts...)
	h := &il.ExceptionHandler{
		Kind:         il.HandlerCatch,
		TryStart:     insts[0],
		TryEnd:       insts[2],
		HandlerStart: insts[2],
		HandlerEnd:   insts[4],
	}
	b.Handlers = []*il.ExceptionHandler{h}

	if err := b.Splice(4, 5, nil); !errors.Is(err, il.ErrDanglingRef) {
		t.Fatalf("removing a leave target: err = %v, want ErrDanglingRef", err)
	}

	// Without the leaves pointing past the handler, its end may fall off.
	insts[1].Operand = insts[2]
	insts[3].OpCode, insts[3].Operand = il.Op(il.Ret), nil
	if err := b.Splice(4, 5, nil); err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if h.HandlerEnd != nil {
		t.Errorf("HandlerEnd = %v, want nil (end of body)", h.HandlerEnd)
	}
	if err := il.Verify(b); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestSpliceBounds(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		repl       []*il.Instruction
		want       error
	}{
		{"negative start", -1, 1, nil, il.ErrSpliceRange},
		{"end before start", 3, 2, nil, il.ErrSpliceRange},
		{"past end", 0, 6, nil, il.ErrSpliceRange},
		{"empties body", 0, 5, nil, il.ErrEmptyBodyEdit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := branchy()
			if err := b.Splice(tt.start, tt.end, tt.repl); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(b.Instructions) != 5 {
				t.Errorf("len = %d, want 5", len(b.Instructions))
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := branchy()
	loc := &il.Local{Index: 0, Type: il.Prim(il.ElemI4)}
	b.Locals = []*il.Local{loc}
	b.Instructions[2] = iltest.I(il.StlocS, loc)
	b.Handlers = []*il.ExceptionHandler{{
		TryStart:     b.Instructions[0],
		TryEnd:       b.Instructions[2],
		HandlerStart: b.Instructions[2],
		HandlerEnd:   nil,
	}}

	c := b.Clone()
	for i := range b.Instructions {
		if c.Instructions[i] == b.Instructions[i] {
			t.Fatalf("instruction %d shared with the original", i)
		}
	}
	if c.Instructions[1].Operand != c.Instructions[3] {
		t.Error("branch target not redirected into the clone")
	}
	if c.Instructions[2].Operand != c.Locals[0] || c.Locals[0] == loc {
		t.Error("local operand not redirected into the clone")
	}
	if h := c.Handlers[0]; h.TryStart != c.Instructions[0] || h.HandlerEnd != nil {
		t.Errorf("handler not redirected: %+v", h)
	}
	if err := il.Verify(c); err != nil {
		t.Errorf("Verify(clone): %v", err)
	}
}

func TestDropHandlersWithin(t *testing.T) {
	insts := make([]*il.Instruction, 6)
	for i := range insts {
		insts[i] = iltest.I(il.Nop, nil)
	}
	clause := func(ts, te, hs int, he *il.Instruction) *il.ExceptionHandler {
		return &il.ExceptionHandler{
			Kind:         il.HandlerFinally,
			TryStart:     insts[ts],
			TryEnd:       insts[te],
			HandlerStart: insts[hs],
			HandlerEnd:   he,
		}
	}
	tests := []struct {
		name       string
		h          *il.ExceptionHandler
		start, end int
		dropped    bool
	}{
		{"nested", clause(2, 3, 3, insts[4]), 1, 5, true},
		{"ends at range end", clause(2, 3, 3, insts[5]), 1, 5, true},
		{"try starts before range", clause(0, 2, 2, insts[3]), 1, 5, false},
		{"handler runs past range", clause(2, 3, 3, insts[5]), 1, 4, false},
		{"open end at body end", clause(2, 3, 3, nil), 1, 6, true},
		{"open end before body end", clause(2, 3, 3, nil), 1, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := iltest.Body(insts...)
			b.Handlers = []*il.ExceptionHandler{tt.h}
			n := b.DropHandlersWithin(tt.start, tt.end)
			if got := n == 1; got != tt.dropped {
				t.Errorf("dropped = %v, want %v", got, tt.dropped)
			}
			if len(b.Handlers)+n != 1 {
				t.Errorf("handlers = %d after dropping %d, want 1 total", len(b.Handlers), n)
			}
		})
	}
}
