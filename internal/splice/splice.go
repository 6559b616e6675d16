// Package splice rewrites matched stub call sites with the data the body
// provider supplies.
package splice

import (
	"fmt"

	"ilpunpack/internal/diag"
	"ilpunpack/internal/il"
	"ilpunpack/internal/stub"
)

// Body replaces the body stub m of md with repl.
//
// repl is imported into the destination module first; an operand that cannot
// be re-homed abandons the splice with an UnresolvableOperand error. The
// edit is made on a copy and committed only if the result verifies, so on
// any error md is left exactly as it was.
func Body(md *il.MethodDef, m stub.Match, repl *il.Body, im *il.Importer) error {
	if m.Kind != stub.BodyStub {
		return fmt.Errorf("splice: %s is not a body stub", m)
	}
	if md.Body == nil {
		return diag.Mismatch("method has no body")
	}
	if repl == nil || len(repl.Instructions) == 0 {
		return diag.Wrap(diag.ProviderFailure, fmt.Errorf("empty replacement body"))
	}

	mark := im.Mark()
	imported, err := im.Import(repl)
	if err != nil {
		return diag.Wrap(diag.UnresolvableOperand, err)
	}

	work := md.Body.Clone()
	whole := m.Start == 0 && m.End == len(work.Instructions)

	// Clauses that live entirely inside the stub belong to the stub.
	work.DropHandlersWithin(m.Start, m.End)

	if err := work.Splice(m.Start, m.End, imported.Instructions); err != nil {
		im.Rollback(mark)
		return diag.Mismatch("splice: %v", err)
	}
	work.Handlers = append(work.Handlers, imported.Handlers...)

	if whole {
		work.Locals = imported.Locals
		work.MaxStack = imported.MaxStack
		work.InitLocals = imported.InitLocals
	} else {
		for _, l := range imported.Locals {
			l.Index = len(work.Locals)
			work.Locals = append(work.Locals, l)
		}
		if imported.MaxStack > work.MaxStack {
			work.MaxStack = imported.MaxStack
		}
		work.InitLocals = work.InitLocals || imported.InitLocals
	}

	if err := il.Verify(work); err != nil {
		im.Rollback(mark)
		return diag.Mismatch("splice result rejected: %v", err)
	}
	md.Body = work
	return nil
}

// String rewrites the string stub m of b in place: the call becomes
// ldstr literal and the two loads before it become nop. The instruction
// count does not change, so handler boundaries and branch targets are kept.
func String(b *il.Body, m stub.Match, literal string) error {
	if m.Kind != stub.StringStub || m.End-m.Start != 3 || m.Start < 0 || m.End > len(b.Instructions) {
		return fmt.Errorf("splice: %s is not a string stub", m)
	}
	field, index, call := b.Instructions[m.Start], b.Instructions[m.Start+1], b.Instructions[m.End-1]

	call.OpCode = il.Op(il.Ldstr)
	call.Operand = literal
	index.OpCode = il.Op(il.Nop)
	index.Operand = nil
	field.OpCode = il.Op(il.Nop)
	field.Operand = nil

	b.UpdateOffsets()
	return nil
}
