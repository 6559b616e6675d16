package il

import "errors"

var (
	ErrSpliceRange   = errors.New("il: splice range out of bounds")
	ErrDanglingRef   = errors.New("il: edit leaves a reference to a removed instruction")
	ErrEmptyBodyEdit = errors.New("il: edit would leave an empty body")
)

// HandlerKind is the kind of an exception-handling clause.
type HandlerKind uint8

const (
	HandlerCatch HandlerKind = iota
	HandlerFilter
	HandlerFinally
	HandlerFault
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerCatch:
		return "catch"
	case HandlerFilter:
		return "filter"
	case HandlerFinally:
		return "finally"
	case HandlerFault:
		return "fault"
	}
	return "unknown"
}

// ExceptionHandler is one exception-handling clause. Boundaries are
// instructions of the owning body; a nil end means the end of the body.
type ExceptionHandler struct {
	Kind         HandlerKind
	TryStart     *Instruction
	TryEnd       *Instruction
	FilterStart  *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	CatchType    TypeDefOrRef
}

// Body is a method body.
type Body struct {
	Instructions []*Instruction
	Handlers     []*ExceptionHandler
	Locals       []*Local
	MaxStack     uint16
	InitLocals   bool
}

// UpdateOffsets recomputes every instruction's byte offset.
func (b *Body) UpdateOffsets() {
	var off uint32
	for _, in := range b.Instructions {
		in.Offset = off
		off += uint32(in.Size())
	}
}

// CodeSize returns the encoded length of the instruction stream.
func (b *Body) CodeSize() uint32 {
	var n uint32
	for _, in := range b.Instructions {
		n += uint32(in.Size())
	}
	return n
}

// IndexOf returns the position of in within the body, or -1.
func (b *Body) IndexOf(in *Instruction) int {
	for i, x := range b.Instructions {
		if x == in {
			return i
		}
	}
	return -1
}

// RemoveHandler removes h and reports whether it was present.
func (b *Body) RemoveHandler(h *ExceptionHandler) bool { return removePtr(&b.Handlers, h) }

// DropHandlersWithin removes every clause whose try and handler ranges both
// lie inside Instructions[start:end] and returns how many were removed.
func (b *Body) DropHandlersWithin(start, end int) int {
	inside := make(map[*Instruction]bool, end-start)
	for _, in := range b.Instructions[start:end] {
		inside[in] = true
	}
	var bound *Instruction
	if end < len(b.Instructions) {
		bound = b.Instructions[end]
	}
	closes := func(in *Instruction) bool { return inside[in] || in == bound }

	kept := b.Handlers[:0]
	for _, h := range b.Handlers {
		if inside[h.TryStart] && closes(h.TryEnd) && inside[h.HandlerStart] && closes(h.HandlerEnd) {
			continue
		}
		kept = append(kept, h)
	}
	n := len(b.Handlers) - len(kept)
	clear(b.Handlers[len(kept):])
	b.Handlers = kept
	return n
}

// Clone returns a copy of the body with fresh Instruction, Local and handler
// values. Branch targets and handler boundaries are redirected into the copy.
func (b *Body) Clone() *Body {
	out := &Body{MaxStack: b.MaxStack, InitLocals: b.InitLocals}
	insts := make(map[*Instruction]*Instruction, len(b.Instructions))
	for _, in := range b.Instructions {
		c := *in
		insts[in] = &c
		out.Instructions = append(out.Instructions, &c)
	}
	locals := make(map[*Local]*Local, len(b.Locals))
	for _, l := range b.Locals {
		c := *l
		locals[l] = &c
		out.Locals = append(out.Locals, &c)
	}
	mapInst := func(in *Instruction) *Instruction {
		if in == nil {
			return nil
		}
		if c, ok := insts[in]; ok {
			return c
		}
		return in
	}
	for _, in := range out.Instructions {
		switch op := in.Operand.(type) {
		case *Instruction:
			in.Operand = mapInst(op)
		case []*Instruction:
			ts := make([]*Instruction, len(op))
			for i, t := range op {
				ts[i] = mapInst(t)
			}
			in.Operand = ts
		case *Local:
			if c, ok := locals[op]; ok {
				in.Operand = c
			}
		}
	}
	for _, h := range b.Handlers {
		c := *h
		c.TryStart = mapInst(h.TryStart)
		c.TryEnd = mapInst(h.TryEnd)
		c.FilterStart = mapInst(h.FilterStart)
		c.HandlerStart = mapInst(h.HandlerStart)
		c.HandlerEnd = mapInst(h.HandlerEnd)
		out.Handlers = append(out.Handlers, &c)
	}
	return out
}

// Splice replaces Instructions[start:end] with repl.
//
// Branch targets and handler boundaries that pointed at a removed
// instruction are redirected to the first replacement instruction or, if
// repl is empty, to the instruction that followed the range. A handler end
// or try end may fall off the end of the body (nil); a branch target or a
// start boundary may not, and such an edit is refused with ErrDanglingRef.
//
// On error the body is left unchanged.
func (b *Body) Splice(start, end int, repl []*Instruction) error {
	if start < 0 || end < start || end > len(b.Instructions) {
		return ErrSpliceRange
	}
	if len(b.Instructions)-(end-start)+len(repl) == 0 {
		return ErrEmptyBodyEdit
	}

	removed := make(map[*Instruction]bool, end-start)
	for _, in := range b.Instructions[start:end] {
		removed[in] = true
	}
	var follow *Instruction
	switch {
	case len(repl) > 0:
		follow = repl[0]
	case end < len(b.Instructions):
		follow = b.Instructions[end]
	}

	// Compute all redirections before touching anything so a refused edit
	// leaves the body intact.
	type fix struct {
		ptr **Instruction
		to  *Instruction
	}
	var fixes []fix
	redirect := func(p **Instruction, mayBeEnd bool) error {
		if *p == nil || !removed[*p] {
			return nil
		}
		if follow == nil && !mayBeEnd {
			return ErrDanglingRef
		}
		fixes = append(fixes, fix{p, follow})
		return nil
	}

	kept := make([]*Instruction, 0, len(b.Instructions)-(end-start))
	kept = append(kept, b.Instructions[:start]...)
	kept = append(kept, b.Instructions[end:]...)
	if follow == nil {
		for _, in := range kept {
			for _, t := range in.Targets() {
				if removed[t] {
					return ErrDanglingRef
				}
			}
		}
	}
	for _, h := range b.Handlers {
		if err := redirect(&h.TryStart, false); err != nil {
			return err
		}
		if err := redirect(&h.TryEnd, true); err != nil {
			return err
		}
		if err := redirect(&h.FilterStart, false); err != nil {
			return err
		}
		if err := redirect(&h.HandlerStart, false); err != nil {
			return err
		}
		if err := redirect(&h.HandlerEnd, true); err != nil {
			return err
		}
	}

	// Commit.
	for _, f := range fixes {
		*f.ptr = f.to
	}
	for _, in := range kept {
		switch op := in.Operand.(type) {
		case *Instruction:
			if in.OpCode.IsBranch() && removed[op] {
				in.Operand = follow
			}
		case []*Instruction:
			for i, t := range op {
				if removed[t] {
					op[i] = follow
				}
			}
		}
	}

	out := make([]*Instruction, 0, len(kept)+len(repl))
	out = append(out, b.Instructions[:start]...)
	out = append(out, repl...)
	out = append(out, b.Instructions[end:]...)
	b.Instructions = out
	b.UpdateOffsets()
	return nil
}
